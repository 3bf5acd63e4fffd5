// Package replay iterates the cached slices of a range in order, polling
// the filesystem for each slice as the Orchestrator commits it, per spec
// §4.5.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/tardis-dev/tardis-go/pkg/cachepath"
	"github.com/tardis-dev/tardis-go/pkg/slicefile"
)

// pollInterval is the yield between readiness checks for the slice the
// iterator is currently waiting on (spec §4.5, §8 "100ms poll").
const pollInterval = 100 * time.Millisecond

// Message is one decoded record surfaced to the caller. Raw is populated
// instead of LocalTimestamp/Payload when the iterator runs in raw mode.
type Message struct {
	LocalTimestamp time.Time
	Payload        json.RawMessage
	Raw            *slicefile.RawResponse
}

// AwaitErr reports the orchestrator's terminal state without blocking: a
// non-nil error means the orchestrator has failed; nil means it is still
// running or finished cleanly.
type AwaitErr func(ctx context.Context) error

// Options configures an Iterator.
type Options struct {
	Venue       string
	From        time.Time
	Minutes     int
	Fingerprint string
	CacheRoot   string
	Raw         bool

	// Await, if non-nil, is polled once per pollInterval while the
	// iterator is blocked waiting for the current slice to appear, so a
	// fatal orchestrator error can abort the replay instead of polling
	// forever for a file that will never be written (spec §4.4
	// "producer failure surfaces to the consumer").
	Await AwaitErr
}

// Iterator yields the decoded records of every slice in a range, in
// chronological order, across minute boundaries. It follows the
// bufio.Scanner idiom: call Next until it returns false, then check Err.
type Iterator struct {
	opts Options
	log  zerolog.Logger

	offset  int
	scanner *slicefile.Scanner
	file    *os.File

	cur Message
	err error
	done bool
}

// New creates an Iterator over opts.Minutes consecutive one-minute slices
// starting at opts.From.
func New(ctx context.Context, opts Options) *Iterator {
	return &Iterator{opts: opts, log: *zerolog.Ctx(ctx)}
}

// Next advances to the next record, blocking (subject to ctx) until the
// slice containing it has been committed to the cache. It returns false at
// end of range or on error; call Err to distinguish the two.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.done {
		return false
	}

	for {
		if it.scanner != nil {
			line, err := it.scanner.Next()
			if err == nil {
				return it.decode(line)
			}

			it.closeCurrent()

			if !errors.Is(err, io.EOF) {
				it.fail(err)

				return false
			}

			it.offset++
		}

		if it.offset >= it.opts.Minutes {
			it.done = true

			return false
		}

		if err := it.openSlice(ctx); err != nil {
			it.fail(err)

			return false
		}
	}
}

// openSlice waits for, then opens, the slice at the current offset.
func (it *Iterator) openSlice(ctx context.Context) error {
	path, err := cachepath.Resolve(it.opts.CacheRoot, cachepath.Coordinate{
		Venue:       it.opts.Venue,
		Minute:      it.opts.From.UTC().Truncate(time.Minute).Add(time.Duration(it.offset) * time.Minute),
		Fingerprint: it.opts.Fingerprint,
	})
	if err != nil {
		return fmt.Errorf("error resolving the cache path for offset %d: %w", it.offset, err)
	}

	if err := it.awaitFile(ctx, path); err != nil {
		return err
	}

	it.log.Debug().Str("path", path).Int("offset", it.offset).Msg("opening slice for replay")

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening slice %q: %w", path, err)
	}

	scanner, err := slicefile.NewScanner(f)
	if err != nil {
		f.Close()

		return fmt.Errorf("error reading slice %q: %w", path, err)
	}

	it.file = f
	it.scanner = scanner

	return nil
}

// awaitFile polls, at pollInterval, until path exists, ctx is cancelled, or
// the orchestrator reports a terminal error.
func (it *Iterator) awaitFile(ctx context.Context, path string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}

		if it.opts.Await != nil {
			if err := it.opts.Await(ctx); err != nil {
				return fmt.Errorf("download failed while awaiting slice %q: %w", path, err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (it *Iterator) decode(line []byte) bool {
	if it.opts.Raw {
		raw, err := slicefile.DecodeRawLine(line)
		if err != nil {
			it.fail(err)

			return false
		}

		it.cur = Message{Raw: &raw}

		return true
	}

	resp, err := slicefile.DecodeLine(line)
	if err != nil {
		it.fail(err)

		return false
	}

	it.cur = Message{LocalTimestamp: resp.LocalTimestamp, Payload: resp.Message}

	return true
}

func (it *Iterator) fail(err error) {
	it.err = err
	it.done = true

	it.closeCurrent()
}

func (it *Iterator) closeCurrent() {
	if it.scanner != nil {
		it.scanner.Close()
		it.scanner = nil
	}

	if it.file != nil {
		it.file.Close()
		it.file = nil
	}
}

// Message returns the record most recently yielded by a successful Next.
func (it *Iterator) Message() Message { return it.cur }

// Err returns the first error encountered, if any. It must be checked after
// Next returns false.
func (it *Iterator) Err() error {
	if it.err != nil {
		return it.err
	}

	return nil
}

// Close releases any open file handle. Safe to call after Next has returned
// false, and safe to call multiple times.
func (it *Iterator) Close() error {
	it.closeCurrent()

	return nil
}
