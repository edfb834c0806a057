package storage

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("blob not found")

// BlobStore persists opaque ciphertext blobs. The security core never hands a
// store plaintext: everything written through this interface has already been
// sealed by the encryption layer.
type BlobStore interface {
	Put(ctx context.Context, id string, data []byte) error
	Get(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
}

// Eraser is implemented by stores that can overwrite a blob's backing bytes
// with random data before deleting it. This is best-effort scrubbing:
// wear-leveling flash and copy-on-write filesystems may retain remnants of
// earlier writes regardless, so callers must not treat a successful Erase as
// cryptographic proof of unrecoverability.
type Eraser interface {
	Erase(ctx context.Context, id string) error
}

// SecureErase scrubs then deletes a blob. When the store cannot overwrite in
// place it falls back to a plain delete.
func SecureErase(ctx context.Context, store BlobStore, id string) error {
	if e, ok := store.(Eraser); ok {
		return e.Erase(ctx, id)
	}
	return store.Delete(ctx, id)
}
