package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tardis-dev/tardis-go/pkg/replay"
)

func gzipLine(t *testing.T, line string) []byte {
	t.Helper()

	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(line + "\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	return buf.Bytes()
}

func TestReplayEndToEndAcrossTwoMinutes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset := r.URL.Query().Get("offset")

		var body []byte
		if offset == "0" {
			body = gzipLine(t, `2019-08-01T08:52:00.0300000Z {"n":1}`)
		} else {
			body = gzipLine(t, `2019-08-01T08:53:00.0300000Z {"n":2}`)
		}

		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	defer server.Close()

	c, err := New(Config{Endpoint: server.URL, CacheDir: t.TempDir()})
	require.NoError(t, err)

	from := time.Date(2019, 8, 1, 8, 52, 0, 0, time.UTC)

	var got []int

	err = c.Replay(context.Background(), RangeRequest{
		Venue: "bitmex", From: from, To: from.Add(2 * time.Minute),
	}, false, func(msg replay.Message) error {
		var v struct {
			N int `json:"n"`
		}

		if uerr := json.Unmarshal(msg.Payload, &v); uerr != nil {
			return uerr
		}

		got = append(got, v.N)

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, got)
}

func TestReplayRejectsUnknownVenue(t *testing.T) {
	c, err := New(Config{CacheDir: t.TempDir()})
	require.NoError(t, err)

	from := time.Now()

	err = c.Replay(context.Background(), RangeRequest{
		Venue: "not-a-venue", From: from, To: from.Add(time.Minute),
	}, false, func(replay.Message) error { return nil })

	require.ErrorIs(t, err, ErrUnknownVenue)
}

func TestReplayRejectsInvalidRange(t *testing.T) {
	c, err := New(Config{CacheDir: t.TempDir()})
	require.NoError(t, err)

	from := time.Now()

	err = c.Replay(context.Background(), RangeRequest{
		Venue: "bitmex", From: from, To: from.Add(-time.Minute),
	}, false, func(replay.Message) error { return nil })

	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestClearCacheRemovesFeedsButKeepsRoot(t *testing.T) {
	root := t.TempDir()

	c, err := New(Config{CacheDir: root})
	require.NoError(t, err)

	slice := filepath.Join(root, "feeds", "bitmex", "fp", "2019", "08", "01", "08", "52.json.gz")
	require.NoError(t, os.MkdirAll(filepath.Dir(slice), 0o755))
	require.NoError(t, os.WriteFile(slice, []byte("slice"), 0o644))

	require.NoError(t, c.ClearCache())

	_, err = os.Stat(filepath.Join(root, "feeds"))
	assert.True(t, os.IsNotExist(err), "feeds/ must be removed")

	info, err := os.Stat(root)
	require.NoError(t, err)
	assert.True(t, info.IsDir(), "the cache root itself must be kept")
}
