// Package keychain implements the hash-chained master-key rotation of
// spec.md §4.10: the master key advances one step per rekey, masterIndex is
// the monotone step count, and an in-flight rekey is held as a pending
// candidate until a challenge/response inside the next schedule commits it.
package keychain

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the master key length in bytes.
const KeySize = 32

var stepSalt = []byte("tdmh-keychain-step")

// ErrIndexDecreased is returned when a claimed new index is not greater
// than the current one; spec.md §4.10 requires rejecting decreases.
var ErrIndexDecreased = errors.New("keychain: claimed index did not increase")

// Chain holds the current committed master key/index and, optionally, a
// pending rekey awaiting activation-time commit.
type Chain struct {
	key   [KeySize]byte
	index uint64

	pending    bool
	pendingKey [KeySize]byte
	pendingIdx uint64
}

// New seeds a chain with its initial (index 0) key.
func New(initialKey [KeySize]byte) *Chain {
	return &Chain{key: initialKey, index: 0}
}

// Key returns the current committed master key and its index.
func (c *Chain) Key() ([KeySize]byte, uint64) {
	return c.key, c.index
}

// CurrentIndex returns the committed masterIndex, with no pending resync
// considered.
func (c *Chain) CurrentIndex() uint64 {
	return c.index
}

// Advance derives the next key in the chain from the current one: one
// SHA-256-based hash-chain step, matching the HKDF-salted derivation idiom
// stream/stream.go uses in exchange() to derive per-role sub-keys from a
// shared secret.
func Advance(key [KeySize]byte) [KeySize]byte {
	h := hkdf.New(sha256.New, key[:], stepSalt, nil)
	var next [KeySize]byte
	if _, err := io.ReadFull(h, next[:]); err != nil {
		panic(err) // hkdf over sha256 cannot fail for a 32-byte read
	}
	return next
}

// BeginResync advances the local chain to the claimed newIndex and holds
// the resulting key as a pending candidate, rejecting any claim that does
// not strictly increase the index (spec.md §4.10).
func (c *Chain) BeginResync(newIndex uint64) error {
	if newIndex <= c.index {
		return ErrIndexDecreased
	}
	key := c.key
	for i := c.index; i < newIndex; i++ {
		key = Advance(key)
	}
	c.pending = true
	c.pendingKey = key
	c.pendingIdx = newIndex
	return nil
}

// Pending returns the tentative key/index set by BeginResync, if any.
func (c *Chain) Pending() (key [KeySize]byte, index uint64, ok bool) {
	return c.pendingKey, c.pendingIdx, c.pending
}

// Commit installs the pending key as current, at schedule activation, per
// spec.md §4.10 ("Rekeying in-flight ... applies it only at schedule
// activation").
func (c *Chain) Commit() {
	if !c.pending {
		return
	}
	c.key = c.pendingKey
	c.index = c.pendingIdx
	c.pending = false
}

// Rollback discards the pending candidate after a failed challenge/response,
// per spec.md §4.10 ("failure rolls back to DISCONNECTED").
func (c *Chain) Rollback() {
	c.pending = false
}

// Respond computes this chain's proof-of-possession tag over challenge,
// using the pending key if a resync is in flight (the master side of
// spec.md §4.10's challenge/response: the master proves it actually holds
// the key it claims newIndex advanced to) and the committed key otherwise.
func (c *Chain) Respond(challenge []byte) []byte {
	key := c.key
	if c.pending {
		key = c.pendingKey
	}
	return respond(key, challenge)
}

// Verify reports whether response authenticates challenge under the
// pending key this chain currently holds (spec.md §4.10: "verifies a
// challenge-response inside the next schedule; success commits, failure
// rolls back"). It is always false with nothing pending, since there is
// nothing to commit.
func (c *Chain) Verify(challenge, response []byte) bool {
	if !c.pending {
		return false
	}
	return hmac.Equal(respond(c.pendingKey, challenge), response)
}

// respond is the shared HMAC-SHA256 proof-of-possession primitive Respond
// and Verify both build on.
func respond(key [KeySize]byte, challenge []byte) []byte {
	mac := hmac.New(sha256.New, key[:])
	mac.Write(challenge)
	return mac.Sum(nil)
}
