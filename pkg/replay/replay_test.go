package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/tardis-dev/tardis-go/pkg/cachepath"
)

var errAwaitFailed = errors.New("orchestrator failed")

func writeSlice(t *testing.T, cacheRoot, venue, fingerprint string, minute time.Time, lines ...string) {
	t.Helper()

	path, err := cachepath.Resolve(cacheRoot, cachepath.Coordinate{Venue: venue, Minute: minute, Fingerprint: fingerprint})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	for _, line := range lines {
		_, err := gz.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}

	require.NoError(t, gz.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestIteratorYieldsRecordsInOrderAcrossMinutes(t *testing.T) {
	root := t.TempDir()
	from := time.Date(2019, 8, 1, 8, 52, 0, 0, time.UTC)

	writeSlice(t, root, "bitmex", "fp", from,
		`2019-08-01T08:52:00.0300000Z {"a":1}`,
		`2019-08-01T08:52:00.0400000Z {"a":2}`,
	)
	writeSlice(t, root, "bitmex", "fp", from.Add(time.Minute),
		`2019-08-01T08:53:00.0100000Z {"a":3}`,
	)

	it := New(context.Background(), Options{
		Venue: "bitmex", From: from, Minutes: 2, Fingerprint: "fp", CacheRoot: root,
	})

	var got []int

	for it.Next(context.Background()) {
		msg := it.Message()

		var v struct {
			A int `json:"a"`
		}

		require.NoError(t, json.Unmarshal(msg.Payload, &v))
		got = append(got, v.A)
	}

	require.NoError(t, it.Err())
	require.Equal(t, []int{1, 2, 3}, got)
}

func TestIteratorRawMode(t *testing.T) {
	root := t.TempDir()
	from := time.Date(2019, 8, 1, 8, 52, 0, 0, time.UTC)

	writeSlice(t, root, "bitmex", "fp", from, `2019-08-01T08:52:00.030000Z {"a":1}`)

	it := New(context.Background(), Options{
		Venue: "bitmex", From: from, Minutes: 1, Fingerprint: "fp", CacheRoot: root, Raw: true,
	})

	require.True(t, it.Next(context.Background()))
	require.NotNil(t, it.Message().Raw)
	require.NoError(t, it.Err())
	require.False(t, it.Next(context.Background()))
}

func TestIteratorSkipsEmptyLines(t *testing.T) {
	root := t.TempDir()
	from := time.Date(2019, 8, 1, 8, 52, 0, 0, time.UTC)

	writeSlice(t, root, "bitmex", "fp", from,
		``,
		`2019-08-01T08:52:00.030000Z {"a":1}`,
		``,
	)

	it := New(context.Background(), Options{
		Venue: "bitmex", From: from, Minutes: 1, Fingerprint: "fp", CacheRoot: root,
	})

	count := 0
	for it.Next(context.Background()) {
		count++
	}

	require.NoError(t, it.Err())
	require.Equal(t, 1, count)
}

func TestIteratorSurfacesAwaitError(t *testing.T) {
	root := t.TempDir()
	from := time.Date(2019, 8, 1, 8, 52, 0, 0, time.UTC)

	it := New(context.Background(), Options{
		Venue: "bitmex", From: from, Minutes: 1, Fingerprint: "fp", CacheRoot: root,
		Await: func(ctx context.Context) error {
			return errAwaitFailed
		},
	})

	require.False(t, it.Next(context.Background()))
	require.ErrorIs(t, it.Err(), errAwaitFailed)
}

func TestIteratorRespectsContextCancellation(t *testing.T) {
	root := t.TempDir()
	from := time.Date(2019, 8, 1, 8, 52, 0, 0, time.UTC)

	it := New(context.Background(), Options{
		Venue: "bitmex", From: from, Minutes: 1, Fingerprint: "fp", CacheRoot: root,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.False(t, it.Next(ctx))
	require.ErrorIs(t, it.Err(), context.Canceled)
}
