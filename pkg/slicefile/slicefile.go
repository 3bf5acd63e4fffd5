// Package slicefile decodes the on-disk record format of one cached slice:
// a gzip-compressed sequence of newline-terminated
// "<timestamp><sep><json>\n" records.
package slicefile

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
)

// timestampLen is the width, in bytes, of the ISO-8601 timestamp prefix on
// every record, e.g. "2019-08-01T08:52:00.0324272Z".
const timestampLen = 28

// payloadStart is the byte offset of the JSON payload: one separator byte
// follows the timestamp.
const payloadStart = timestampLen + 1

// ErrShortRecord is returned when a non-empty record is too short to contain
// a timestamp and separator.
var ErrShortRecord = errors.New("record shorter than the timestamp prefix")

// Response is one decoded record: a microsecond-precision UTC timestamp and
// its parsed JSON payload.
type Response struct {
	LocalTimestamp time.Time
	Message        json.RawMessage
}

// RawResponse is one record in raw mode: the exact byte spans for the
// timestamp and payload, unparsed.
type RawResponse struct {
	Timestamp []byte
	Payload   []byte
}

// timeLayout mirrors the source timestamp once its trailing two 100ns
// digits and 'Z' are dropped, leaving microsecond precision.
const timeLayout = "2006-01-02T15:04:05.000000"

// ParseTimestamp parses the first 26 bytes of a 28-byte record timestamp
// (the trailing two 100ns digits and the 'Z' are dropped) as a
// microsecond-precision UTC instant.
func ParseTimestamp(b []byte) (time.Time, error) {
	if len(b) < 26 {
		return time.Time{}, fmt.Errorf("%w: need at least 26 bytes, got %d", ErrShortRecord, len(b))
	}

	t, err := time.Parse(timeLayout, string(b[:26]))
	if err != nil {
		return time.Time{}, fmt.Errorf("error parsing timestamp %q: %w", b[:26], err)
	}

	return t.UTC(), nil
}

// DecodeLine parses one non-empty record line (without its trailing
// newline) into a decoded Response.
func DecodeLine(line []byte) (Response, error) {
	if len(line) < payloadStart {
		return Response{}, fmt.Errorf("%w: got %d bytes", ErrShortRecord, len(line))
	}

	ts, err := ParseTimestamp(line[:timestampLen])
	if err != nil {
		return Response{}, err
	}

	return Response{
		LocalTimestamp: ts,
		Message:        json.RawMessage(line[payloadStart:]),
	}, nil
}

// DecodeRawLine splits one non-empty record line into its raw timestamp and
// payload byte spans without parsing either.
func DecodeRawLine(line []byte) (RawResponse, error) {
	if len(line) < payloadStart {
		return RawResponse{}, fmt.Errorf("%w: got %d bytes", ErrShortRecord, len(line))
	}

	return RawResponse{
		Timestamp: line[:timestampLen],
		Payload:   line[payloadStart:],
	}, nil
}

// Scanner iterates the non-empty records of one gzip-compressed slice file,
// in file order. Empty lines (length <= 1, i.e. just the newline) are
// skipped transparently.
type Scanner struct {
	gz  *gzip.Reader
	buf *bufio.Scanner
}

// NewScanner wraps r (the raw, still-compressed slice file contents) with a
// gzip decompressor and line scanner. The caller must call Close when done.
func NewScanner(r io.Reader) (*Scanner, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("error opening the gzip stream: %w", err)
	}

	buf := bufio.NewScanner(gz)
	buf.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	return &Scanner{gz: gz, buf: buf}, nil
}

// Next advances to the next non-empty record and returns its raw line bytes
// (without the trailing newline). It returns io.EOF when the slice is
// exhausted.
func (s *Scanner) Next() ([]byte, error) {
	for s.buf.Scan() {
		line := s.buf.Bytes()
		if len(line) <= 1 {
			continue
		}

		return line, nil
	}

	if err := s.buf.Err(); err != nil {
		return nil, fmt.Errorf("error scanning the slice: %w", err)
	}

	return nil, io.EOF
}

// Close releases the underlying gzip reader.
func (s *Scanner) Close() error {
	return s.gz.Close()
}
