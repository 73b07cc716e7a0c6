// Package auth implements the authenticated-wrapper pipeline stage
// described in spec.md §4.2 and DESIGN NOTES §9: frame -> optional
// authentication tag -> optional encryption, as independently toggleable
// stages keyed from the current master key.
//
// True OCB is not available among the grounding examples' dependencies;
// this package substitutes XChaCha20-Poly1305 (golang.org/x/crypto), an
// AEAD already in the teacher's dependency set, keeping the same
// (tileNumber, sequenceNumber, masterIndex) nonce-derivation contract
// spec.md §4.2 specifies. See DESIGN.md "core/crypto/auth".
package auth

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// TagSize is the trailing authentication tag size spec.md §4.2 reserves on
// every authenticated control/data packet.
const TagSize = 16

// ErrAuthFailed is returned when a tag or decryption check fails; callers
// must treat this identically to a CRC failure (spec.md §4.2, §7).
var ErrAuthFailed = errors.New("auth: verification failed")

// Nonce derives the XChaCha20-Poly1305 nonce from (tileNumber,
// sequenceNumber, masterIndex) by hashing the triple and truncating to the
// cipher's 24-byte nonce size, the same "hash-then-truncate" idiom the
// teacher uses to derive per-frame keys in stream/stream.go's rxFrameKey.
func Nonce(tileNumber uint64, sequenceNumber uint32, masterIndex uint64) [chacha20poly1305.NonceSizeX]byte {
	var buf [20]byte
	binary.BigEndian.PutUint64(buf[0:8], tileNumber)
	binary.BigEndian.PutUint32(buf[8:12], sequenceNumber)
	binary.BigEndian.PutUint64(buf[12:20], masterIndex)
	sum := sha256.Sum256(buf[:])
	var nonce [chacha20poly1305.NonceSizeX]byte
	copy(nonce[:], sum[:len(nonce)])
	return nonce
}

// Seal authenticates (and, if encrypt is true, encrypts) plaintext under
// key, returning plaintext|tag when encrypt is false (AAD-only "authenticate
// but don't hide the payload" mode used for control floods that must remain
// sniffable by passive monitors but not forgeable) or ciphertext|tag when
// encrypt is true.
func Seal(key *[32]byte, nonce [chacha20poly1305.NonceSizeX]byte, plaintext []byte, encrypt bool) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	if encrypt {
		return aead.Seal(nil, nonce[:], plaintext, nil), nil
	}
	sealed := aead.Seal(nil, nonce[:], nil, plaintext)
	return append(append([]byte{}, plaintext...), sealed...), nil
}

// Open reverses Seal. When encrypt is false it verifies the trailing tag
// against the leading plaintext (which Open returns unchanged); when
// encrypt is true it returns the decrypted payload in a new buffer.
func Open(key *[32]byte, nonce [chacha20poly1305.NonceSizeX]byte, sealed []byte, encrypt bool) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	if encrypt {
		pt, err := aead.Open(nil, nonce[:], sealed, nil)
		if err != nil {
			return nil, ErrAuthFailed
		}
		return pt, nil
	}
	if len(sealed) < TagSize {
		return nil, ErrAuthFailed
	}
	plaintext := sealed[:len(sealed)-TagSize]
	tag := sealed[len(sealed)-TagSize:]
	if _, err := aead.Open(nil, nonce[:], tag, plaintext); err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}
