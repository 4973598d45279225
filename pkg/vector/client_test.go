package vector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient("", "", 0)
	assert.Error(t, err)

	_, err = NewClient("http://vec:6333", "ftp://proxy", 0)
	assert.Error(t, err, "unsupported proxy scheme must be rejected")

	c, err := NewClient("http://vec:6333/", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "http://vec:6333", c.baseURL)
}

func TestAdd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/memories", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "u1", req["user_id"])
		assert.Equal(t, "remember this", req["content"])
		assert.Equal(t, "episodic", req["sector"])

		_ = json.NewEncoder(w).Encode(AddResult{ID: "mem-42"})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "", time.Second)
	require.NoError(t, err)

	id, err := c.Add(context.Background(), "u1", "remember this", AddOptions{Sector: "episodic"})
	require.NoError(t, err)
	assert.Equal(t, "mem-42", id)
}

func TestAdd_EmptyID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "", time.Second)
	require.NoError(t, err)

	_, err = c.Add(context.Background(), "u1", "content", AddOptions{})
	assert.Error(t, err)
}

func TestAdd_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"index rebuilding","code":"unavailable"}}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "", time.Second)
	require.NoError(t, err)

	_, err = c.Add(context.Background(), "u1", "content", AddOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index rebuilding")
	assert.Contains(t, err.Error(), "503")
}

func TestSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/memories/search", r.URL.Path)
		_, _ = w.Write([]byte(`{"hits":[{"id":"m1","content":"tokyo trip","sector":"episodic","score":0.91}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "", time.Second)
	require.NoError(t, err)

	hits, err := c.Search(context.Background(), "u1", "tokyo", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "m1", hits[0].ID)
	assert.Equal(t, 0.91, hits[0].Score)
}

func TestHealthz(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "", time.Second)
	require.NoError(t, err)

	assert.NoError(t, c.Healthz(context.Background()))

	healthy = false
	assert.Error(t, c.Healthz(context.Background()))
}

func TestContextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c, err := NewClient(srv.URL, "", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = c.Search(ctx, "u1", "query", 5)
	assert.Error(t, err)
}
