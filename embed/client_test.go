package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func embedServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbedSuccess(t *testing.T) {
	var gotAuth string
	srv := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello", req.Text)
		json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{1, 2, 3}})
	})

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "secret"})
	vec, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, vec)
	assert.Equal(t, "Bearer secret", gotAuth)
}

func TestEmbedRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{0.5}})
	})

	c := NewClient(Config{BaseURL: srv.URL, MaxRetries: 3})
	vec, err := c.Embed(context.Background(), "retry me")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5}, vec)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestEmbedDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	c := NewClient(Config{BaseURL: srv.URL, MaxRetries: 3})
	_, err := c.Embed(context.Background(), "bad input")
	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestEmbedExhaustsRetries(t *testing.T) {
	srv := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	c := NewClient(Config{BaseURL: srv.URL, MaxRetries: 2})
	_, err := c.Embed(context.Background(), "always failing")
	assert.Error(t, err)
}

func TestEmbedMemoizesByText(t *testing.T) {
	var calls int32
	srv := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{9}})
	})

	c := NewClient(Config{BaseURL: srv.URL})
	for i := 0; i < 3; i++ {
		vec, err := c.Embed(context.Background(), "same text")
		require.NoError(t, err)
		assert.Equal(t, []float32{9}, vec)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	_, err := c.Embed(context.Background(), "different text")
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestEmbedCacheEviction(t *testing.T) {
	var calls int32
	srv := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{1}})
	})

	c := NewClient(Config{BaseURL: srv.URL, CacheSize: 1})
	_, err := c.Embed(context.Background(), "first")
	require.NoError(t, err)
	_, err = c.Embed(context.Background(), "second")
	require.NoError(t, err)
	// "first" was evicted by "second".
	_, err = c.Embed(context.Background(), "first")
	require.NoError(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestEmbedContextCancellation(t *testing.T) {
	srv := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	c := NewClient(Config{BaseURL: srv.URL, MaxRetries: 10})
	_, err := c.Embed(ctx, "slow")
	assert.Error(t, err)
}
