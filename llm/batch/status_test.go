package batch

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/genflow/types"
)

func TestDerive(t *testing.T) {
	tests := []struct {
		name   string
		states []ItemState
		status Status
		pct    int
	}{
		{"empty", nil, StatusPending, 0},
		{"all pending", []ItemState{ItemPending, ItemPending}, StatusPending, 0},
		{"all completed", []ItemState{ItemCompleted, ItemCompleted}, StatusCompleted, 100},
		{"all failed", []ItemState{ItemFailed, ItemFailed, ItemFailed}, StatusFailed, 0},
		{"processing wins", []ItemState{ItemCompleted, ItemProcessing, ItemFailed}, StatusProcessing, 33},
		{"mixed terminal", []ItemState{ItemCompleted, ItemFailed, ItemCompleted, ItemFailed}, StatusCompletedWithErrors, 50},
		{"partial no processing", []ItemState{ItemCompleted, ItemPending}, StatusPending, 50},
		{"rounding", []ItemState{ItemCompleted, ItemCompleted, ItemPending}, StatusPending, 67},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Derive(tt.states)
			assert.Equal(t, tt.status, p.Status)
			assert.Equal(t, tt.pct, p.Percentage)
			assert.Equal(t, len(tt.states), p.Total)
		})
	}
}

func TestDerive_PropertyMatchesRules(t *testing.T) {
	all := []ItemState{ItemPending, ItemProcessing, ItemCompleted, ItemFailed}

	rapid.Check(t, func(rt *rapid.T) {
		states := rapid.SliceOfN(rapid.SampledFrom(all), 0, 40).Draw(rt, "states")
		p := Derive(states)

		counts := map[ItemState]int{}
		for _, s := range states {
			counts[s]++
		}
		n := len(states)

		if p.Completed != counts[ItemCompleted] || p.Failed != counts[ItemFailed] ||
			p.Processing != counts[ItemProcessing] || p.Pending != counts[ItemPending] {
			rt.Fatalf("counts mismatch: %+v vs %v", p, counts)
		}
		if p.Completed+p.Failed+p.Processing+p.Pending != n {
			rt.Fatalf("items double counted or omitted: %+v", p)
		}

		want := 0
		if n > 0 {
			want = int(math.Round(100 * float64(counts[ItemCompleted]) / float64(n)))
		}
		if p.Percentage != want {
			rt.Fatalf("percentage %d, want %d", p.Percentage, want)
		}

		var status Status
		switch {
		case n > 0 && counts[ItemCompleted] == n:
			status = StatusCompleted
		case n > 0 && counts[ItemFailed] == n:
			status = StatusFailed
		case counts[ItemProcessing] > 0:
			status = StatusProcessing
		case n > 0 && counts[ItemCompleted]+counts[ItemFailed] == n:
			status = StatusCompletedWithErrors
		default:
			status = StatusPending
		}
		if p.Status != status {
			rt.Fatalf("status %s, want %s for %v", p.Status, status, states)
		}
	})
}

func TestPolicy_Select(t *testing.T) {
	p := DefaultPolicy()
	for n, want := range map[int]Strategy{
		1: StrategyParallel, 3: StrategyParallel,
		4: StrategyGrouped, 6: StrategyGrouped,
		7: StrategySequential, 10: StrategySequential,
	} {
		assert.Equal(t, want, p.Select(n), "n=%d", n)
	}

	custom := Policy{ParallelMax: 5, GroupedMax: 20, GroupSize: 4}
	assert.Equal(t, StrategyParallel, custom.Select(5))
	assert.Equal(t, StrategyGrouped, custom.Select(20))
	assert.Equal(t, 4, custom.Concurrency(StrategyGrouped, 20))
	assert.Equal(t, 1, custom.Concurrency(StrategySequential, 20))
	assert.Equal(t, 5, custom.Concurrency(StrategyParallel, 5))
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy(" parallel ")
	require.NoError(t, err)
	assert.Equal(t, StrategyParallel, s)

	_, err = ParseStrategy("random")
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, canTransition(ItemPending, ItemProcessing))
	assert.True(t, canTransition(ItemPending, ItemFailed))
	assert.True(t, canTransition(ItemProcessing, ItemCompleted))
	assert.True(t, canTransition(ItemProcessing, ItemFailed))

	assert.False(t, canTransition(ItemPending, ItemCompleted))
	assert.False(t, canTransition(ItemCompleted, ItemFailed))
	assert.False(t, canTransition(ItemFailed, ItemProcessing))
	assert.False(t, canTransition(ItemProcessing, ItemPending))
}
