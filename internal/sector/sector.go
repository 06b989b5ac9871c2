// Package sector encrypts and decrypts individual disk sectors.
//
// Two ciphers are supported:
//
//   - AES256GCM is authenticated. Every write uses a fresh random nonce and
//     the sector index is bound as additional data, so a modified slot or a
//     slot copied to another index fails to decrypt with an Integrity error.
//   - LegacyStream is ChaCha20 keyed by the sector key with the sector index
//     as nonce. It exists only to read and write containers created with the
//     old stream mode. It has no tamper detection: corrupted ciphertext
//     decrypts to wrong plaintext without any error, and rewriting a sector
//     reuses its keystream. This is a known weakness of the format, not a bug.
//
// All functions are pure and safe for concurrent use as long as each call
// uses its own buffers.
package sector

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/nace/ved/internal/errs"
	"golang.org/x/crypto/chacha20"
)

// Cipher selects the sector transform. Values are persisted in the header.
type Cipher uint8

const (
	AES256GCM    Cipher = 1
	LegacyStream Cipher = 2
)

const (
	KeySize   = 32
	nonceSize = 12
	tagSize   = 16
)

const (
	MinSectorSize     = 512
	MaxSectorSize     = 64 * 1024
	DefaultSectorSize = 4096
)

var aadPrefix = []byte("ved sector")

func (c Cipher) String() string {
	switch c {
	case AES256GCM:
		return "aes-256-gcm"
	case LegacyStream:
		return "legacy-chacha20"
	}
	return fmt.Sprintf("cipher(%d)", uint8(c))
}

// Authenticated reports whether the cipher detects tampering.
func (c Cipher) Authenticated() bool {
	return c == AES256GCM
}

// Valid reports whether c is a known cipher.
func (c Cipher) Valid() bool {
	return c == AES256GCM || c == LegacyStream
}

// ParseCipher accepts the names used on the command line and in the API.
func ParseCipher(name string) (Cipher, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "aes", "aes-256-gcm", "aes256gcm", "authenticated":
		return AES256GCM, nil
	case "legacy", "legacy-chacha20", "chacha20", "stream", "rc4":
		return LegacyStream, nil
	}
	return 0, errs.New(errs.KindInput, errs.UnknownCipher, "unknown cipher %q (use aes or legacy)", name)
}

// Overhead is the number of extra bytes a slot carries beyond the sector.
func (c Cipher) Overhead() int {
	if c == AES256GCM {
		return nonceSize + tagSize
	}
	return 0
}

// SlotSize is the on-disk size of one encrypted sector.
func SlotSize(c Cipher, sectorSize int) int {
	return sectorSize + c.Overhead()
}

// ValidSectorSize reports whether n is a supported sector size.
func ValidSectorSize(n int) bool {
	return n >= MinSectorSize && n <= MaxSectorSize && n&(n-1) == 0
}

// IsUnwritten reports whether a slot has never been written (all zero).
func IsUnwritten(slot []byte) bool {
	for _, b := range slot {
		if b != 0 {
			return false
		}
	}
	return true
}

// Encrypt appends the encrypted slot for plaintext at sector index to dst.
func Encrypt(dst, key []byte, c Cipher, index uint64, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, errs.New(errs.KindInput, errs.InvalidParams, "sector key must be %d bytes", KeySize)
	}
	switch c {
	case AES256GCM:
		aead, err := newGCM(key)
		if err != nil {
			return nil, err
		}
		nonce := make([]byte, nonceSize)
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("sector nonce: %w", err)
		}
		dst = append(dst, nonce...)
		return aead.Seal(dst, nonce, plaintext, additionalData(index)), nil
	case LegacyStream:
		ret, out := grow(dst, len(plaintext))
		if err := xorKeyStream(out, plaintext, key, index); err != nil {
			return nil, err
		}
		return ret, nil
	}
	return nil, errs.New(errs.KindInput, errs.UnknownCipher, "unknown cipher %d", uint8(c))
}

// Decrypt appends the plaintext of slot at sector index to dst.
// For AES256GCM a failed authentication check returns errs.ErrAuthFailed.
func Decrypt(dst, key []byte, c Cipher, index uint64, slot []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, errs.New(errs.KindInput, errs.InvalidParams, "sector key must be %d bytes", KeySize)
	}
	switch c {
	case AES256GCM:
		if len(slot) < nonceSize+tagSize {
			return nil, errs.New(errs.KindIntegrity, errs.AuthFailed, "sector %d: slot too short", index)
		}
		aead, err := newGCM(key)
		if err != nil {
			return nil, err
		}
		out, err := aead.Open(dst, slot[:nonceSize], slot[nonceSize:], additionalData(index))
		if err != nil {
			return nil, errs.Wrap(errs.KindIntegrity, errs.AuthFailed, err, "sector %d failed authentication", index)
		}
		return out, nil
	case LegacyStream:
		ret, out := grow(dst, len(slot))
		if err := xorKeyStream(out, slot, key, index); err != nil {
			return nil, err
		}
		return ret, nil
	}
	return nil, errs.New(errs.KindInput, errs.UnknownCipher, "unknown cipher %d", uint8(c))
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return aead, nil
}

func additionalData(index uint64) []byte {
	ad := make([]byte, len(aadPrefix)+8)
	copy(ad, aadPrefix)
	binary.BigEndian.PutUint64(ad[len(aadPrefix):], index)
	return ad
}

func xorKeyStream(dst, src, key []byte, index uint64) error {
	var nonce [chacha20.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], index)
	stream, err := chacha20.NewUnauthenticatedCipher(key, nonce[:])
	if err != nil {
		return fmt.Errorf("chacha20: %w", err)
	}
	stream.XORKeyStream(dst, src)
	return nil
}

// grow extends dst by n bytes, returning the new slice and the tail to fill.
func grow(dst []byte, n int) (ret, tail []byte) {
	total := len(dst) + n
	if cap(dst) >= total {
		ret = dst[:total]
	} else {
		ret = make([]byte, total)
		copy(ret, dst)
	}
	return ret, ret[len(dst):]
}
