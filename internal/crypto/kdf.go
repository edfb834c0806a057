package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// SaltSize is the per-vault salt length. The salt is generated once at vault
// creation and stored cleartext next to the ciphertext; it is not a secret.
const SaltSize = 32

var ErrKeyDerivation = errors.New("crypto: invalid KDF salt length")

type KDFParams struct {
	M    uint32 // memory in KiB
	T    uint32 // iterations
	P    uint8  // parallelism
	Salt []byte
}

func DefaultKDF() KDFParams {
	salt := make([]byte, SaltSize)
	_, _ = rand.Read(salt)
	return KDFParams{M: 64 * 1024, T: 3, P: 4, Salt: salt}
}

// DeriveKey stretches a low-entropy secret (vault password or emergency PIN)
// into a 32-byte key with argon2id.
func DeriveKey(secret []byte, p KDFParams) ([KeySize]byte, error) {
	var out [KeySize]byte
	if len(p.Salt) != SaltSize {
		return out, ErrKeyDerivation
	}
	key := argon2.IDKey(secret, p.Salt, p.T, p.M, p.P, KeySize)
	copy(out[:], key)
	Zero(key)
	return out, nil
}

// ExpandToken derives a 32-byte key from an already high-entropy unlock token
// (e.g. the secret released by a biometric enclave). HKDF is used instead of
// argon2id: the token is not guessable, so stretching buys nothing.
func ExpandToken(token, salt []byte, info string) ([KeySize]byte, error) {
	var out [KeySize]byte
	if len(salt) != SaltSize {
		return out, ErrKeyDerivation
	}
	stream := hkdf.New(sha256.New, token, salt, []byte(info))
	if _, err := io.ReadFull(stream, out[:]); err != nil {
		return out, err
	}
	return out, nil
}

func EncodeSalt(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
