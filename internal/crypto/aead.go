package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	xchacha "golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize   = xchacha.KeySize
	NonceSize = xchacha.NonceSizeX
	TagSize   = xchacha.Overhead
)

var (
	ErrTagMismatch   = errors.New("crypto: authentication tag mismatch")
	ErrBlobTruncated = errors.New("crypto: blob too short")
	ErrBadKeyLength  = errors.New("crypto: key must be 32 bytes")
)

// Blob is a single AEAD-sealed payload. The nonce is drawn from crypto/rand
// on every Seal call; a counter-based nonce could repeat after a crash or
// restore, which under the same key breaks the cipher completely.
type Blob struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	Tag        []byte `json:"tag"`
}

// Seal encrypts plaintext under key with XChaCha20-Poly1305, binding aad to
// the ciphertext. The returned Blob carries the nonce and the Poly1305 tag
// split out from the ciphertext body.
func Seal(key, plaintext, aad []byte) (Blob, error) {
	if len(key) != KeySize {
		return Blob{}, ErrBadKeyLength
	}
	aead, err := xchacha.NewX(key)
	if err != nil {
		return Blob{}, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Blob{}, fmt.Errorf("crypto: nonce generation: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, aad)
	body := sealed[:len(sealed)-TagSize]
	tag := sealed[len(sealed)-TagSize:]
	return Blob{Nonce: nonce, Ciphertext: body, Tag: tag}, nil
}

// Open decrypts a Blob sealed with Seal. Any bit flip in the ciphertext, tag,
// nonce or aad yields ErrTagMismatch and no plaintext.
func Open(key []byte, b Blob, aad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrBadKeyLength
	}
	if len(b.Nonce) != NonceSize || len(b.Tag) != TagSize {
		return nil, ErrBlobTruncated
	}
	aead, err := xchacha.NewX(key)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(b.Ciphertext)+TagSize)
	sealed = append(sealed, b.Ciphertext...)
	sealed = append(sealed, b.Tag...)
	pt, err := aead.Open(nil, b.Nonce, sealed, aad)
	if err != nil {
		return nil, ErrTagMismatch
	}
	return pt, nil
}

// Encode flattens a Blob into its wire layout [nonce||ciphertext||tag] for
// blob-store persistence.
func (b Blob) Encode() []byte {
	out := make([]byte, 0, len(b.Nonce)+len(b.Ciphertext)+len(b.Tag))
	out = append(out, b.Nonce...)
	out = append(out, b.Ciphertext...)
	out = append(out, b.Tag...)
	return out
}

// DecodeBlob splits the wire layout produced by Encode back into a Blob.
func DecodeBlob(raw []byte) (Blob, error) {
	if len(raw) < NonceSize+TagSize {
		return Blob{}, ErrBlobTruncated
	}
	return Blob{
		Nonce:      append([]byte(nil), raw[:NonceSize]...),
		Ciphertext: append([]byte(nil), raw[NonceSize:len(raw)-TagSize]...),
		Tag:        append([]byte(nil), raw[len(raw)-TagSize:]...),
	}, nil
}
