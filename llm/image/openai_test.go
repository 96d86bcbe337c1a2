package image

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/genflow/types"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func TestHTTPGenerator_Generate(t *testing.T) {
	var got imagesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/images/generations", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"created": 1760000000,
			"data": []map[string]string{{
				"b64_json":       base64.StdEncoding.EncodeToString(pngHeader),
				"revised_prompt": "a cat, detailed",
			}},
		})
	}))
	defer srv.Close()

	seed := int64(7)
	g := NewHTTPGenerator(HTTPConfig{BackendID: "dalle", APIKey: "sk-test", BaseURL: srv.URL + "/"}, zap.NewNop())
	art, err := g.Generate(context.Background(), &types.GenerationRequest{
		ID: "r1",
		Payload: types.Payload{
			Prompt: "a cat", NegativePrompt: "blur",
			Width: 1024, Height: 768, Quality: "hd", Seed: &seed,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "dall-e-3", got.Model)
	assert.Equal(t, "1024x768", got.Size)
	assert.Equal(t, "a cat\nAvoid: blur", got.Prompt)
	assert.Equal(t, "b64_json", got.ResponseFormat)
	require.NotNil(t, got.Seed)
	assert.Equal(t, int64(7), *got.Seed)

	assert.Equal(t, "dalle", art.Backend)
	assert.Equal(t, pngHeader, art.Data)
	assert.Equal(t, "image/png", art.ContentType)
	assert.Equal(t, "a cat, detailed", art.Metadata["revised_prompt"])
	assert.Equal(t, time.Unix(1760000000, 0), art.CreatedAt)
}

func TestHTTPGenerator_StatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		code      types.ErrorCode
		retryable bool
	}{
		{"bad request", http.StatusBadRequest, types.ErrInvalidRequest, false},
		{"unauthorized", http.StatusUnauthorized, types.ErrBackendCallFailed, false},
		{"forbidden", http.StatusForbidden, types.ErrBackendCallFailed, false},
		{"not found", http.StatusNotFound, types.ErrInvalidRequest, false},
		{"rate limited", http.StatusTooManyRequests, types.ErrBackendCallFailed, true},
		{"server error", http.StatusInternalServerError, types.ErrBackendCallFailed, true},
		{"bad gateway", http.StatusBadGateway, types.ErrBackendCallFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, `{"error":"nope"}`, tt.status)
			}))
			defer srv.Close()

			g := NewHTTPGenerator(HTTPConfig{BaseURL: srv.URL}, nil)
			_, err := g.Generate(context.Background(), &types.GenerationRequest{Payload: types.Payload{Prompt: "x"}})
			require.Error(t, err)

			te, ok := types.AsError(err)
			require.True(t, ok)
			assert.Equal(t, tt.code, te.Code)
			assert.Equal(t, tt.retryable, te.Retryable)
			assert.Equal(t, tt.status, te.HTTPStatus)
			assert.Equal(t, "openai-image", te.Backend)
		})
	}
}

func TestHTTPGenerator_URLResponseAndEmptyData(t *testing.T) {
	var empty atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if empty.Load() {
			_, _ = w.Write([]byte(`{"created":0,"data":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"created":0,"data":[{"url":"https://cdn.example/img.png"}]}`))
	}))
	defer srv.Close()

	g := NewHTTPGenerator(HTTPConfig{BaseURL: srv.URL, Model: "gpt-image-1"}, nil)
	req := &types.GenerationRequest{Payload: types.Payload{Prompt: "x"}}

	art, err := g.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/img.png", art.URL)
	assert.Empty(t, art.Data)
	assert.Equal(t, "gpt-image-1", art.Metadata["model"])

	empty.Store(true)
	_, err = g.Generate(context.Background(), req)
	assert.True(t, types.IsErrorCode(err, types.ErrBackendCallFailed))
}

func TestHTTPGenerator_ContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	g := NewHTTPGenerator(HTTPConfig{BaseURL: srv.URL}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := g.Generate(ctx, &types.GenerationRequest{Payload: types.Payload{Prompt: "x"}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
