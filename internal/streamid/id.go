// Package streamid generates the 6-character opaque stream identifiers used
// as keys into a Stream Table. Ids are drawn uniformly at random from a
// 64-symbol alphabet, giving 2^36 possible values — collision is negligible
// for realistic stream counts but is still checked by the caller (see
// streamtable.Table.Insert).
package streamid

import (
	"crypto/rand"
	"fmt"

	"github.com/quietbridge/p2ptunnel/internal/protocol"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"

// Generate returns a fresh 6-character id drawn uniformly from the alphabet
// [A-Za-z0-9_-]. It never returns an error in practice (crypto/rand.Read on
// a small buffer fails only if the OS entropy source is broken), but the
// error is surfaced rather than swallowed so callers can fail loudly instead
// of tunneling a zero-value id.
func Generate() (string, error) {
	var raw [protocol.IDLen]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("streamid: read random bytes: %w", err)
	}

	id := make([]byte, protocol.IDLen)
	for i, b := range raw {
		id[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(id), nil
}
