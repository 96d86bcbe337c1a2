package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_VersionAndUsage(t *testing.T) {
	var out, errOut bytes.Buffer

	assert.Equal(t, 0, run([]string{"version"}, &out, &errOut))
	assert.Contains(t, out.String(), "GenFlow dev")

	out.Reset()
	assert.Equal(t, 1, run(nil, &out, &errOut))
	assert.Contains(t, errOut.String(), "Usage:")

	errOut.Reset()
	assert.Equal(t, 1, run([]string{"bogus"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "Unknown command: bogus")
}

func TestRun_ServeInvalidConfig(t *testing.T) {
	t.Setenv("GENFLOW_BATCH_POOL_SIZE", "0")
	var out, errOut bytes.Buffer

	assert.Equal(t, 1, run([]string{"serve"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "Failed to load config")
}

func TestRun_ClientCommands(t *testing.T) {
	var invalidated string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ready":
			w.WriteHeader(http.StatusOK)
		case "/v1/cache/stats":
			_, _ = w.Write([]byte(`{"success":true,"data":{"misses":3}}`))
		case "/v1/cache/invalidate":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			invalidated = body["pattern"]
			_, _ = w.Write([]byte(`{"success":true,"data":{"removed":2}}`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	var out, errOut bytes.Buffer
	require.Equal(t, 0, run([]string{"health", "--addr", srv.URL}, &out, &errOut))
	assert.Equal(t, "OK\n", out.String())

	out.Reset()
	require.Equal(t, 0, run([]string{"stats", "--addr", srv.URL + "/"}, &out, &errOut))
	assert.Contains(t, out.String(), `"misses": 3`)

	out.Reset()
	require.Equal(t, 0, run([]string{"invalidate", "--addr", srv.URL, "--pattern", "gen:*"}, &out, &errOut))
	assert.Equal(t, "gen:*", invalidated)
	assert.Contains(t, out.String(), `"removed": 2`)

	assert.Equal(t, 2, run([]string{"invalidate", "--addr", srv.URL}, &out, &errOut))
}

func TestRun_HealthUnreachable(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 1, run([]string{"health", "--addr", "http://127.0.0.1:1", "--timeout", "200ms"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "health failed")
}
