// Package rand exposes the process-wide cryptographic random source used
// for the schedule-downlink relay jitter (packet nonces are derived
// deterministically and do not draw from it).
package rand

import "crypto/rand"

// Reader is the shared cryptographic random source.
var Reader = rand.Reader

// Bytes returns n cryptographically random bytes, panicking if the
// underlying source fails (which on every supported platform indicates a
// broken kernel entropy source, not a recoverable condition).
func Bytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}
