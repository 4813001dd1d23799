package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGemini answers batchEmbedContents with one vector per request item.
func fakeGemini(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.True(t, strings.Contains(r.URL.Path, "embed"), r.URL.Path)

		var body struct {
			Requests []json.RawMessage `json:"requests"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		n := max(len(body.Requests), 1)

		embeddings := make([]map[string]any, n)
		for i := range embeddings {
			embeddings[i] = map[string]any{"values": []float32{float32(i), 0.5}}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": embeddings})
	}))
}

func TestNewGoogleEmbedderRequiresKey(t *testing.T) {
	_, err := NewGoogleEmbedder(context.Background(), "gemini-embedding-001", "")
	assert.Error(t, err)
}

func TestEmbedText(t *testing.T) {
	var calls atomic.Int32
	srv := fakeGemini(t, &calls)
	defer srv.Close()

	e, err := NewGoogleEmbedder(context.Background(), "gemini-embedding-001", "test-key", WithBaseURL(srv.URL), WithDimension(2))
	require.NoError(t, err)

	vec, err := e.EmbedText(context.Background(), "hello")

	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0.5}, vec)
	assert.Equal(t, 2, e.Dimension())
	assert.Equal(t, int32(1), calls.Load())
}

func TestEmbedTextsBatches(t *testing.T) {
	var calls atomic.Int32
	srv := fakeGemini(t, &calls)
	defer srv.Close()

	e, err := NewGoogleEmbedder(context.Background(), "gemini-embedding-001", "test-key", WithBaseURL(srv.URL))
	require.NoError(t, err)

	texts := make([]string, maxBatchSize+5)
	for i := range texts {
		texts[i] = "learning"
	}

	vecs, err := e.EmbedTexts(context.Background(), texts)

	require.NoError(t, err)
	assert.Len(t, vecs, len(texts))
	assert.Equal(t, int32(2), calls.Load())
}
