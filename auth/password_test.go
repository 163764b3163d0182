package auth

import (
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func bcryptHash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func TestVerifyPassword(t *testing.T) {
	bc := bcryptHash(t, "secret")

	salt := []byte("saltsalt")
	h := sha512.New()
	h.Write([]byte("secret"))
	h.Write(salt)
	ssha := append(h.Sum(nil), salt...)

	plain := sha512.Sum512([]byte("secret"))

	tests := []struct {
		name string
		hash string
	}{
		{"bcrypt", bc},
		{"blf-crypt", schemeBlfCrypt + bc},
		{"ssha512 base64", schemeSSHA512 + base64.StdEncoding.EncodeToString(ssha)},
		{"ssha512 explicit base64", schemeSSHA512B64 + base64.StdEncoding.EncodeToString(ssha)},
		{"ssha512 hex", schemeSSHA512Hex + hex.EncodeToString(ssha)},
		{"sha512 base64", schemeSHA512 + base64.StdEncoding.EncodeToString(plain[:])},
		{"sha512 hex", schemeSHA512Hex + hex.EncodeToString(plain[:])},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, VerifyPassword(tt.hash, "secret"))
			assert.ErrorIs(t, VerifyPassword(tt.hash, "wrong"), ErrPasswordMismatch)
		})
	}
}

func TestVerifyPasswordRejectsGarbage(t *testing.T) {
	for _, hash := range []string{"", "plaintext", "{MD5}abc", schemeSSHA512 + "!!!", schemeSHA512Hex + "abcd"} {
		err := VerifyPassword(hash, "secret")
		assert.Error(t, err, hash)
		assert.NotErrorIs(t, err, ErrPasswordMismatch, hash)
	}
}

func TestSaltedDigestAndHashPassword(t *testing.T) {
	d1, err := saltedDigest("pw")
	require.NoError(t, err)
	d2, err := saltedDigest("pw")
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2, "salt differs per call")
	assert.NoError(t, VerifyPassword(d1, "pw"))
	assert.ErrorIs(t, VerifyPassword(d2, "px"), ErrPasswordMismatch)

	h, err := HashPassword("pw")
	require.NoError(t, err)
	assert.NoError(t, VerifyPassword(h, "pw"))
}
