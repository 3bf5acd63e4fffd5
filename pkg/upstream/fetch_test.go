package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tardis-dev/tardis-go/pkg/cachepath"
)

func TestFetchSkipsNetworkOnCacheHit(t *testing.T) {
	cacheRoot := t.TempDir()
	from := time.Date(2019, 8, 1, 8, 52, 0, 0, time.UTC)

	path, err := cachepath.Resolve(cacheRoot, cachepath.Coordinate{Venue: "bitmex", Minute: from, Fingerprint: "fp"})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("existing"), 0o644))

	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f, err := New(Options{})
	require.NoError(t, err)

	err = f.Fetch(context.Background(), Request{
		Endpoint: server.URL, Venue: "bitmex", From: from, Fingerprint: "fp", CacheRoot: cacheRoot,
	}, nil)

	require.NoError(t, err)
	assert.False(t, called, "a cache hit must not touch the network")
}

func TestFetchCommitsResponseAtomically(t *testing.T) {
	cacheRoot := t.TempDir()
	from := time.Date(2019, 8, 1, 8, 52, 0, 0, time.UTC)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("payload"))
	}))
	defer server.Close()

	f, err := New(Options{})
	require.NoError(t, err)

	err = f.Fetch(context.Background(), Request{
		Endpoint: server.URL, Venue: "bitmex", From: from, Fingerprint: "fp", CacheRoot: cacheRoot,
	}, nil)
	require.NoError(t, err)

	path, err := cachepath.Resolve(cacheRoot, cachepath.Coordinate{Venue: "bitmex", Minute: from, Fingerprint: "fp"})
	require.NoError(t, err)

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no leftover temp files after a successful commit")
}

func TestFetchReturnsImmediatelyOnFatalError(t *testing.T) {
	cacheRoot := t.TempDir()
	from := time.Date(2019, 8, 1, 8, 52, 0, 0, time.UTC)

	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	f, err := New(Options{})
	require.NoError(t, err)

	err = f.Fetch(context.Background(), Request{
		Endpoint: server.URL, Venue: "bitmex", From: from, Fingerprint: "fp", CacheRoot: cacheRoot,
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, attempts, "a 401 must not be retried")
}

func TestFetchInvokesOnThrottleFor429BeforeGivingUp(t *testing.T) {
	// A 429 only resolves after a 61s flat backoff, so this exercises the
	// callback on the first attempt and lets the context deadline end the
	// retry during that backoff wait, rather than waiting out the real delay.
	cacheRoot := t.TempDir()
	from := time.Date(2019, 8, 1, 8, 52, 0, 0, time.UTC)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	f, err := New(Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	throttled := 0

	err = f.Fetch(ctx, Request{
		Endpoint: server.URL, Venue: "bitmex", From: from, Fingerprint: "fp", CacheRoot: cacheRoot,
	}, func() { throttled++ })

	require.Error(t, err)
	assert.GreaterOrEqual(t, throttled, 1)
}
