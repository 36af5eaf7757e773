package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEngineUnsupportedProvider(t *testing.T) {
	_, err := NewEngine(Config{Provider: "acme"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported embedding provider")
}

func TestNewEngineGenAIRequiresKey(t *testing.T) {
	_, err := NewEngine(Config{Provider: "genai"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}

func TestNormalizeTaskType(t *testing.T) {
	assert.Equal(t, "SEMANTIC_SIMILARITY", normalizeTaskType(""))
	assert.Equal(t, "SEMANTIC_SIMILARITY", normalizeTaskType("bogus"))
	assert.Equal(t, "CLUSTERING", normalizeTaskType("CLUSTERING"))
	assert.Equal(t, "RETRIEVAL_QUERY", normalizeTaskType("RETRIEVAL_QUERY"))
}

func TestOllamaEngineDefaults(t *testing.T) {
	e, err := NewOllamaEngine("", "")
	require.NoError(t, err)
	assert.Equal(t, "ollama:embeddinggemma", e.Name())
	assert.Equal(t, 768, e.Dimensions())
}

func newOllamaTestServer(t *testing.T, vec []float32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/embeddings":
			var req ollamaEmbedRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.NotEmpty(t, req.Model)
			_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: vec})
		case "/api/tags":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestOllamaEmbed(t *testing.T) {
	srv := newOllamaTestServer(t, []float32{0.1, 0.2, 0.3})
	defer srv.Close()

	e, err := NewOllamaEngine(srv.URL, "embeddinggemma")
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), "some text")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestOllamaEmbedBatch(t *testing.T) {
	srv := newOllamaTestServer(t, []float32{1, 2})
	defer srv.Close()

	e, err := NewOllamaEngine(srv.URL, "")
	require.NoError(t, err)

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for _, v := range vecs {
		assert.Equal(t, []float32{1, 2}, v)
	}
}

func TestOllamaEmbedBatchHonorsCancellation(t *testing.T) {
	srv := newOllamaTestServer(t, []float32{1})
	defer srv.Close()

	e, err := NewOllamaEngine(srv.URL, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = e.EmbedBatch(ctx, []string{"a", "b"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOllamaEmbedServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	e, err := NewOllamaEngine(srv.URL, "missing")
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestOllamaHealthCheck(t *testing.T) {
	srv := newOllamaTestServer(t, nil)
	e, err := NewOllamaEngine(srv.URL, "")
	require.NoError(t, err)

	assert.NoError(t, e.HealthCheck(context.Background()))

	srv.Close()
	assert.Error(t, e.HealthCheck(context.Background()))
}
