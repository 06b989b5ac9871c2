package system

import (
	"crypto/subtle"

	"github.com/awnumar/memguard"
)

// SecureBytes holds sensitive data (passwords, derived keys) in a guarded,
// mlocked allocation that is wiped on Zeroize.
type SecureBytes struct {
	buf *memguard.LockedBuffer
}

// NewSecureBytes moves data into guarded memory. The source slice is wiped,
// so callers must not use it afterwards.
func NewSecureBytes(data []byte) *SecureBytes {
	return &SecureBytes{buf: memguard.NewBufferFromBytes(data)}
}

// NewSecureString copies a string into guarded memory. The string itself
// cannot be wiped; use NewSecureBytes where the caller owns a byte slice.
func NewSecureString(s string) *SecureBytes {
	return NewSecureBytes([]byte(s))
}

// Bytes returns the guarded slice. It is only valid until Zeroize.
// The caller must not retain it or copy it elsewhere.
func (s *SecureBytes) Bytes() []byte {
	if s == nil || s.buf == nil || !s.buf.IsAlive() {
		return nil
	}
	return s.buf.Bytes()
}

// Zeroize wipes and releases the memory. Safe to call more than once.
func (s *SecureBytes) Zeroize() {
	if s == nil || s.buf == nil {
		return
	}
	s.buf.Destroy()
	s.buf = nil
}

// Len returns the length of the guarded data.
func (s *SecureBytes) Len() int {
	return len(s.Bytes())
}

// Equal compares in constant time.
func (s *SecureBytes) Equal(other *SecureBytes) bool {
	return subtle.ConstantTimeCompare(s.Bytes(), other.Bytes()) == 1
}

// PurgeSecrets destroys every guarded allocation in the process. Called on
// the way out of long-running commands.
func PurgeSecrets() {
	memguard.Purge()
}
