package auth

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Hash scheme prefixes as written by Dovecot's doveadm pw.
const (
	schemeSSHA512    = "{SSHA512}"
	schemeSSHA512B64 = "{SSHA512.b64}"
	schemeSSHA512Hex = "{SSHA512.HEX}"
	schemeSHA512     = "{SHA512}"
	schemeSHA512B64  = "{SHA512.b64}"
	schemeSHA512Hex  = "{SHA512.HEX}"
	schemeBlfCrypt   = "{BLF-CRYPT}"
)

var ErrPasswordMismatch = errors.New("password does not match")

// VerifyPassword checks password against a stored hash. Bare bcrypt hashes
// ($2a$, $2b$, $2y$) and the Dovecot-style {BLF-CRYPT}, {SHA512} and
// {SSHA512} schemes are understood; the SHA variants accept base64 or hex
// payloads.
func VerifyPassword(hash, password string) error {
	switch {
	case strings.HasPrefix(hash, schemeBlfCrypt):
		return compareBcrypt(strings.TrimPrefix(hash, schemeBlfCrypt), password)
	case strings.HasPrefix(hash, "$2a$"), strings.HasPrefix(hash, "$2b$"), strings.HasPrefix(hash, "$2y$"):
		return compareBcrypt(hash, password)
	}

	if payload, hexed, ok := cutScheme(hash, schemeSSHA512, schemeSSHA512B64, schemeSSHA512Hex); ok {
		raw, err := decodePayload(payload, hexed)
		if err != nil {
			return err
		}
		if len(raw) <= sha512.Size {
			return errors.New("SSHA512 hash too short")
		}
		return compareDigest(raw[:sha512.Size], password, raw[sha512.Size:])
	}

	if payload, hexed, ok := cutScheme(hash, schemeSHA512, schemeSHA512B64, schemeSHA512Hex); ok {
		raw, err := decodePayload(payload, hexed)
		if err != nil {
			return err
		}
		if len(raw) != sha512.Size {
			return errors.New("SHA512 hash has wrong length")
		}
		return compareDigest(raw, password, nil)
	}

	return fmt.Errorf("unknown password hash scheme %q", hash[:min(10, len(hash))])
}

func compareBcrypt(hash, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrPasswordMismatch
	}
	return err
}

func compareDigest(want []byte, password string, salt []byte) error {
	h := sha512.New()
	h.Write([]byte(password))
	h.Write(salt)
	if subtle.ConstantTimeCompare(want, h.Sum(nil)) != 1 {
		return ErrPasswordMismatch
	}
	return nil
}

// cutScheme strips whichever of the base64, explicit-base64 or hex prefixes
// hash carries.
func cutScheme(hash, b64, b64Explicit, hexPrefix string) (payload string, hexed, ok bool) {
	if rest, found := strings.CutPrefix(hash, hexPrefix); found {
		return rest, true, true
	}
	if rest, found := strings.CutPrefix(hash, b64Explicit); found {
		return rest, false, true
	}
	if rest, found := strings.CutPrefix(hash, b64); found {
		return rest, false, true
	}
	return "", false, false
}

func decodePayload(payload string, hexed bool) ([]byte, error) {
	var (
		raw []byte
		err error
	)
	if hexed {
		raw, err = hex.DecodeString(payload)
	} else {
		raw, err = base64.StdEncoding.DecodeString(payload)
	}
	if err != nil {
		return nil, fmt.Errorf("malformed password hash: %w", err)
	}
	return raw, nil
}

// HashPassword returns a bcrypt hash suitable for a users file.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("error generating bcrypt hash: %w", err)
	}
	return string(h), nil
}

// saltedDigest returns an {SSHA512.HEX} hash of password with a fresh salt.
func saltedDigest(password string) (string, error) {
	salt := make([]byte, 8)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("error generating salt: %w", err)
	}
	h := sha512.New()
	h.Write([]byte(password))
	h.Write(salt)
	return schemeSSHA512Hex + hex.EncodeToString(append(h.Sum(nil), salt...)), nil
}
