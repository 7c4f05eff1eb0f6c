package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPEmbedderRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "transient", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{1, 2}})
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(HTTPConfig{BaseURL: srv.URL, Dimension: 2})

	vec, err := e.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, vec)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPEmbedderSurfacesPersistentError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(HTTPConfig{BaseURL: srv.URL})

	_, err := e.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestHTTPEmbedderBatchLengthMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embedBatchResponse{Embeddings: [][]float32{{1}}})
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(HTTPConfig{BaseURL: srv.URL})

	_, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 embeddings for 2 texts")
}

func TestHTTPEmbedderFullFallsBackToDense(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/embed/full" {
			http.NotFound(w, r)
			return
		}
		require.Equal(t, "/embed", r.URL.Path)
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{3, 4}})
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(HTTPConfig{BaseURL: srv.URL})

	emb, err := e.EmbedFull(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4}, emb.Dense)
	require.NotNil(t, emb.Sparse)
	assert.Empty(t, emb.Sparse.Indices)
}

func TestHTTPEmbedderSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{1}})
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(HTTPConfig{BaseURL: srv.URL, APIKey: "secret"})

	_, err := e.Embed(context.Background(), "text")
	require.NoError(t, err)
}
