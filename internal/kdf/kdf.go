// Package kdf turns a password and a per-container salt into key material.
//
// The master key is derived with a memory-hard function (argon2id by
// default, scrypt as an alternative). Two independent values are expanded
// from it with HKDF-SHA3-256: the verification token stored in the container
// header and the sector key handed to the cipher engine. Neither reveals the
// master key or the other.
package kdf

import (
	"fmt"
	"io"

	"github.com/nace/ved/internal/errs"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/crypto/sha3"
)

const (
	KeySize     = 32
	SaltSize    = 32
	MinSaltSize = 16
	TokenSize   = 32
)

const (
	infoToken  = "ved verification token v1"
	infoSector = "ved sector key v1"
)

// Algorithm identifies the password hashing function stored in the header.
type Algorithm uint8

const (
	Argon2id Algorithm = 1
	Scrypt   Algorithm = 2
)

func (a Algorithm) String() string {
	switch a {
	case Argon2id:
		return "argon2id"
	case Scrypt:
		return "scrypt"
	}
	return fmt.Sprintf("kdf(%d)", uint8(a))
}

// ParseAlgorithm maps a config name to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "argon2id", "argon2":
		return Argon2id, nil
	case "scrypt":
		return Scrypt, nil
	}
	return 0, errs.New(errs.KindInput, errs.InvalidParams, "unknown kdf algorithm %q", name)
}

// Params are the cost parameters persisted with each container.
//
// For Argon2id: Time is the number of passes, Memory is in KiB, Threads is
// the lane count. For Scrypt: Time is log2(N), Memory is r, Threads is p.
type Params struct {
	Algorithm Algorithm
	Time      uint32
	Memory    uint32
	Threads   uint8
}

// DefaultParams is used for new containers unless configured otherwise.
func DefaultParams() Params {
	return Params{Algorithm: Argon2id, Time: 3, Memory: 64 * 1024, Threads: 4}
}

// DefaultScryptParams mirrors interactive scrypt settings (N=2^15, r=8, p=1).
func DefaultScryptParams() Params {
	return Params{Algorithm: Scrypt, Time: 15, Memory: 8, Threads: 1}
}

// Validate rejects parameters that would be unsafe or unusable.
func (p Params) Validate() error {
	switch p.Algorithm {
	case Argon2id:
		if p.Time < 1 || p.Threads < 1 || p.Memory < 8*uint32(p.Threads) {
			return errs.New(errs.KindInput, errs.InvalidParams,
				"invalid argon2id parameters (time=%d memory=%d threads=%d)", p.Time, p.Memory, p.Threads)
		}
	case Scrypt:
		if p.Time < 1 || p.Time > 30 || p.Memory < 1 || p.Threads < 1 {
			return errs.New(errs.KindInput, errs.InvalidParams,
				"invalid scrypt parameters (logN=%d r=%d p=%d)", p.Time, p.Memory, p.Threads)
		}
	default:
		return errs.New(errs.KindInput, errs.InvalidParams, "unknown kdf algorithm %d", uint8(p.Algorithm))
	}
	return nil
}

// DeriveKey derives the master key. It is deterministic for a given
// (password, salt, params). The caller owns the returned slice and must wipe it.
func DeriveKey(password, salt []byte, p Params) ([]byte, error) {
	if len(password) == 0 {
		return nil, errs.New(errs.KindPassword, errs.EmptyPassword, "password must not be empty")
	}
	if len(salt) < MinSaltSize {
		return nil, errs.New(errs.KindInput, errs.WeakSalt, "salt must be at least %d bytes, got %d", MinSaltSize, len(salt))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	switch p.Algorithm {
	case Scrypt:
		key, err := scrypt.Key(password, salt, 1<<p.Time, int(p.Memory), int(p.Threads), KeySize)
		if err != nil {
			return nil, errs.Wrap(errs.KindInput, errs.InvalidParams, err, "scrypt")
		}
		return key, nil
	default:
		return argon2.IDKey(password, salt, p.Time, p.Memory, p.Threads, KeySize), nil
	}
}

// VerificationToken is the value stored in the header to test a candidate
// password without touching the payload.
func VerificationToken(key, salt []byte) ([]byte, error) {
	return expand(key, salt, infoToken, TokenSize)
}

// SectorKey is the key the cipher engine encrypts sectors with.
func SectorKey(key, salt []byte) ([]byte, error) {
	return expand(key, salt, infoSector, KeySize)
}

func expand(key, salt []byte, info string, n int) ([]byte, error) {
	if len(key) != KeySize {
		return nil, errs.New(errs.KindInput, errs.InvalidParams, "key must be %d bytes, got %d", KeySize, len(key))
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha3.New256, key, salt, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
