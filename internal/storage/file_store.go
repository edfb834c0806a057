package storage

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
)

const blobExt = ".blob"

type FileBlobStore struct{ dir string }

func NewFileBlobStore(dir string) *FileBlobStore {
	_ = os.MkdirAll(dir, 0700)
	return &FileBlobStore{dir: dir}
}

func (f *FileBlobStore) path(id string) string {
	return filepath.Join(f.dir, id+blobExt)
}

func (f *FileBlobStore) Put(_ context.Context, id string, data []byte) error {
	return os.WriteFile(f.path(id), data, 0600)
}

func (f *FileBlobStore) Get(_ context.Context, id string) ([]byte, error) {
	b, err := os.ReadFile(f.path(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return b, err
}

func (f *FileBlobStore) Delete(_ context.Context, id string) error {
	err := os.Remove(f.path(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *FileBlobStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, blobExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, blobExt))
	}
	return ids, nil
}

// Erase overwrites the blob file with random bytes, flushes the overwrite to
// the device, then unlinks it. The overwrite is best-effort on journaling or
// flash media; see Eraser.
func (f *FileBlobStore) Erase(_ context.Context, id string) error {
	path := f.path(id)
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	fd, err := os.OpenFile(path, os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	junk := make([]byte, fi.Size())
	if _, err := rand.Read(junk); err != nil {
		_ = fd.Close()
		return err
	}
	if _, err := fd.WriteAt(junk, 0); err != nil {
		_ = fd.Close()
		return err
	}
	if err := fd.Sync(); err != nil {
		_ = fd.Close()
		return err
	}
	if err := fd.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
