// Package filter canonicalizes channel/symbol filter sets and derives the
// stable content fingerprint used to key the on-disk slice cache.
package filter

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"slices"
	"strings"
)

// Filter selects one channel and, optionally, the symbols to narrow it to.
// An empty Symbols list means "all symbols for this channel". Filter is
// immutable once constructed; Normalize returns a new, sorted copy rather
// than mutating in place.
type Filter struct {
	Channel string   `json:"channel"`
	Symbols []string `json:"symbols"`
}

// emptyListFingerprint is the fixed fingerprint of a nil/empty filter list:
// SHA-256("[]") in lowercase hex, computed once rather than hand-copied, since
// a stale hand-copied constant is a documented hazard in one source variant
// (spec §3 open question).
var emptyListFingerprint = func() string { //nolint:gochecknoglobals
	sum := sha256.Sum256([]byte("[]"))

	return hex.EncodeToString(sum[:])
}()

// Normalize returns a sorted, deep copy of filters: the list is sorted by
// channel name ascending, and each filter's symbols are sorted ascending.
// A nil or empty input returns a nil slice.
func Normalize(filters []Filter) []Filter {
	if len(filters) == 0 {
		return nil
	}

	out := make([]Filter, len(filters))

	for i, f := range filters {
		symbols := slices.Clone(f.Symbols)
		slices.Sort(symbols)

		out[i] = Filter{Channel: f.Channel, Symbols: symbols}
	}

	slices.SortFunc(out, func(a, b Filter) int {
		return strings.Compare(a.Channel, b.Channel)
	})

	return out
}

// Canonical returns the exact byte sequence used both for hashing and for
// the server's `filters` query parameter: a compact JSON array with no
// whitespace, keys in the literal order channel then symbols, channels
// sorted ascending, and symbols sorted ascending within each filter.
//
// The nil/empty case serializes to the literal "[]" — this is part of the
// external wire contract (spec §4.1) and must not change.
func Canonical(filters []Filter) []byte {
	normalized := Normalize(filters)
	if len(normalized) == 0 {
		return []byte("[]")
	}

	var b strings.Builder

	b.WriteByte('[')

	for i, f := range normalized {
		if i > 0 {
			b.WriteByte(',')
		}

		b.WriteString(`{"channel":`)

		chanJSON, _ := json.Marshal(f.Channel)
		b.Write(chanJSON)

		b.WriteString(`,"symbols":[`)

		for j, s := range f.Symbols {
			if j > 0 {
				b.WriteByte(',')
			}

			symJSON, _ := json.Marshal(s)
			b.Write(symJSON)
		}

		b.WriteString(`]}`)
	}

	b.WriteByte(']')

	return []byte(b.String())
}

// Fingerprint returns the lowercase hex SHA-256 digest of Canonical(filters).
// It depends only on the filter-set multiset: any permutation of filters, or
// of symbols within a filter, yields an identical fingerprint.
func Fingerprint(filters []Filter) string {
	if len(filters) == 0 {
		return emptyListFingerprint
	}

	sum := sha256.Sum256(Canonical(filters))

	return hex.EncodeToString(sum[:])
}

// queryUnescaped is the set of characters the server contract leaves
// unescaped when URL-encoding the canonical filters JSON for the `filters`
// query parameter (spec §6).
const queryUnescaped = "~()*!.'"

// QueryEscape URL-encodes the canonical filters JSON the way the remote
// service expects: every byte that isn't unreserved under RFC 3986 is
// percent-encoded, except the extra characters in queryUnescaped which the
// wire contract leaves bare.
func QueryEscape(filters []Filter) string {
	escaped := url.QueryEscape(string(Canonical(filters)))

	// url.QueryEscape is stricter than the wire contract requires: put back
	// the characters the contract says must stay unescaped.
	for _, c := range queryUnescaped {
		encoded := "%" + strings.ToUpper(hex.EncodeToString([]byte{byte(c)}))
		escaped = strings.ReplaceAll(escaped, encoded, string(c))
	}

	return escaped
}

// Equal reports whether two filters are equal: same channel and the same
// symbol multiset (order-independent).
func Equal(a, b Filter) bool {
	if a.Channel != b.Channel {
		return false
	}

	as, bs := slices.Clone(a.Symbols), slices.Clone(b.Symbols)
	slices.Sort(as)
	slices.Sort(bs)

	return slices.Equal(as, bs)
}
