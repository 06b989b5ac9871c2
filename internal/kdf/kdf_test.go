package kdf

import (
	"bytes"
	"testing"

	"github.com/nace/ved/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Cheap parameters keep the tests fast; production defaults are far higher.
var (
	fastArgon  = Params{Algorithm: Argon2id, Time: 1, Memory: 64, Threads: 1}
	fastScrypt = Params{Algorithm: Scrypt, Time: 4, Memory: 8, Threads: 1}
)

func salt(b byte) []byte {
	return bytes.Repeat([]byte{b}, SaltSize)
}

func TestDeriveKey_Deterministic(t *testing.T) {
	for _, p := range []Params{fastArgon, fastScrypt} {
		t.Run(p.Algorithm.String(), func(t *testing.T) {
			k1, err := DeriveKey([]byte("abc123"), salt(1), p)
			require.NoError(t, err)
			k2, err := DeriveKey([]byte("abc123"), salt(1), p)
			require.NoError(t, err)
			assert.Len(t, k1, KeySize)
			assert.Equal(t, k1, k2)

			other, err := DeriveKey([]byte("abc123"), salt(2), p)
			require.NoError(t, err)
			assert.NotEqual(t, k1, other, "salt changes the key")

			wrong, err := DeriveKey([]byte("wrong"), salt(1), p)
			require.NoError(t, err)
			assert.NotEqual(t, k1, wrong)
		})
	}
}

func TestDeriveKey_AlgorithmsDiffer(t *testing.T) {
	a, err := DeriveKey([]byte("pw"), salt(1), fastArgon)
	require.NoError(t, err)
	s, err := DeriveKey([]byte("pw"), salt(1), fastScrypt)
	require.NoError(t, err)
	assert.NotEqual(t, a, s)
}

func TestDeriveKey_Rejects(t *testing.T) {
	_, err := DeriveKey([]byte("pw"), make([]byte, MinSaltSize-1), fastArgon)
	assert.Equal(t, errs.WeakSalt, errs.CodeOf(err))

	_, err = DeriveKey(nil, salt(1), fastArgon)
	assert.Equal(t, errs.EmptyPassword, errs.CodeOf(err))
	assert.True(t, errs.IsKind(err, errs.KindPassword))

	_, err = DeriveKey([]byte("pw"), salt(1), Params{Algorithm: Argon2id})
	assert.Equal(t, errs.InvalidParams, errs.CodeOf(err))

	_, err = DeriveKey([]byte("pw"), salt(1), Params{Algorithm: 9, Time: 1, Memory: 64, Threads: 1})
	assert.Equal(t, errs.InvalidParams, errs.CodeOf(err))
}

func TestTokenAndSectorKeyAreIndependent(t *testing.T) {
	key, err := DeriveKey([]byte("abc123"), salt(1), fastArgon)
	require.NoError(t, err)

	token, err := VerificationToken(key, salt(1))
	require.NoError(t, err)
	sectorKey, err := SectorKey(key, salt(1))
	require.NoError(t, err)

	assert.Len(t, token, TokenSize)
	assert.Len(t, sectorKey, KeySize)
	assert.NotEqual(t, key, token)
	assert.NotEqual(t, key, sectorKey)
	assert.NotEqual(t, token, sectorKey)

	again, err := VerificationToken(key, salt(1))
	require.NoError(t, err)
	assert.Equal(t, token, again)

	_, err = VerificationToken(key[:16], salt(1))
	assert.Error(t, err)
}

func TestParseAlgorithm(t *testing.T) {
	a, err := ParseAlgorithm("argon2id")
	require.NoError(t, err)
	assert.Equal(t, Argon2id, a)
	a, err = ParseAlgorithm("scrypt")
	require.NoError(t, err)
	assert.Equal(t, Scrypt, a)
	_, err = ParseAlgorithm("md5")
	assert.Error(t, err)
}

func TestDefaultsValidate(t *testing.T) {
	assert.NoError(t, DefaultParams().Validate())
	assert.NoError(t, DefaultScryptParams().Validate())
}

func TestWipe(t *testing.T) {
	b := []byte{1, 2, 3}
	Wipe(b)
	assert.Equal(t, []byte{0, 0, 0}, b)
}
