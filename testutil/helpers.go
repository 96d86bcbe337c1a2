// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 使用方法:
//
//	ctx := testutil.TestContext(t)
//	testutil.AssertEventuallyTrue(t, func() bool { return job.Done() }, 5*time.Second)
// =============================================================================
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/BaSui01/genflow/types"
)

// =============================================================================
// 🎯 上下文辅助
// =============================================================================

// TestContext 返回带超时的测试上下文
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestContextWithTimeout 返回带自定义超时的测试上下文
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext 返回已取消的上下文
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// =============================================================================
// 🔍 断言辅助
// =============================================================================

// AssertEventuallyTrue 断言条件最终为真
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	if !WaitFor(condition, timeout) {
		t.Errorf("condition did not become true within %v", timeout)
	}
}

// =============================================================================
// ⏱️ 时间辅助
// =============================================================================

// WaitFor 等待条件满足或超时
func WaitFor(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return condition()
}

// =============================================================================
// 🔧 测试数据辅助
// =============================================================================

// NewRequest 构造一个合法的生成请求
func NewRequest(id, prompt string) *types.GenerationRequest {
	return &types.GenerationRequest{
		ID: id,
		Payload: types.Payload{
			Prompt: prompt,
			Width:  1024,
			Height: 1024,
			Style:  "watercolor",
		},
	}
}

// NewRequests 构造 n 个提示词互不相同的请求，ID 为 item-0..item-(n-1)
func NewRequests(n int) []*types.GenerationRequest {
	out := make([]*types.GenerationRequest, n)
	for i := range out {
		out[i] = NewRequest(fmt.Sprintf("item-%d", i), fmt.Sprintf("a lighthouse at dusk #%d", i))
	}
	return out
}
