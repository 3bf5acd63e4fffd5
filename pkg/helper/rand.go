package helper

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// RandHex returns a random lowercase hex string of length n, used for the
// unique temp-file nonce in the cache's atomic write discipline. n must be
// even.
func RandHex(n int) (string, error) {
	if n%2 != 0 {
		return "", fmt.Errorf("RandHex: length must be even, got %d", n)
	}

	buf := make([]byte, n/2)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	return hex.EncodeToString(buf), nil
}
