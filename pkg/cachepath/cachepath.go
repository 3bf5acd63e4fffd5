// Package cachepath resolves the deterministic on-disk location of a cached
// slice and the crash-safe temporary path used while it is being written.
package cachepath

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/tardis-dev/tardis-go/pkg/helper"
)

// ErrMinuteNotAligned is returned when a minute timestamp carries non-zero
// seconds or sub-second components.
var ErrMinuteNotAligned = errors.New("minute must be aligned to a minute boundary")

// Coordinate uniquely identifies one cached slice: a venue, a minute-aligned
// UTC instant, and the fingerprint of the requested filter set.
type Coordinate struct {
	Venue       string
	Minute      time.Time
	Fingerprint string
}

// Truncate returns the Coordinate with Minute truncated down to the minute
// boundary and normalized to UTC, matching the producer and consumer side so
// both compute the same path regardless of the precision the caller passed
// in.
func (c Coordinate) Truncate() Coordinate {
	c.Minute = c.Minute.UTC().Truncate(time.Minute)

	return c
}

// Validate returns ErrMinuteNotAligned if Minute is not exactly on a minute
// boundary (non-zero seconds or nanoseconds).
func (c Coordinate) Validate() error {
	m := c.Minute.UTC()
	if m.Second() != 0 || m.Nanosecond() != 0 {
		return fmt.Errorf("%w: %s", ErrMinuteNotAligned, m.Format(time.RFC3339Nano))
	}

	return nil
}

// Resolve computes the final, committed path of a slice under cacheRoot:
//
//	<cache_root>/feeds/<venue>/<fingerprint-hex>/<YYYY>/<MM>/<DD>/<HH>/<mm>.json.gz
//
// Resolve is a pure function; it performs no I/O and never creates
// directories — callers create parent directories lazily on write.
func Resolve(cacheRoot string, c Coordinate) (string, error) {
	c = c.Truncate()
	if err := c.Validate(); err != nil {
		return "", err
	}

	m := c.Minute

	return filepath.Join(
		cacheRoot,
		"feeds",
		c.Venue,
		c.Fingerprint,
		fmt.Sprintf("%04d", m.Year()),
		fmt.Sprintf("%02d", int(m.Month())),
		fmt.Sprintf("%02d", m.Day()),
		fmt.Sprintf("%02d", m.Hour()),
		fmt.Sprintf("%02d.json.gz", m.Minute()),
	), nil
}

// TempPath returns a fresh, unique temporary path alongside the final path
// that a writer should stream the download into before an atomic rename;
// see pkg/upstream for the write discipline. The nonce is 16 lowercase hex
// characters from helper.RandHex.
func TempPath(finalPath string) (string, error) {
	nonce, err := helper.RandHex(16)
	if err != nil {
		return "", fmt.Errorf("error generating a temp file nonce: %w", err)
	}

	return finalPath + nonce + ".unconfirmed", nil
}

// IsUnconfirmed reports whether name looks like a leftover temp file
// produced by TempPath, regardless of which final path it belongs to.
func IsUnconfirmed(name string) bool {
	const suffix = ".unconfirmed"

	return len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix
}
