package storage

import (
	"context"
	"crypto/rand"
	"time"

	"go.etcd.io/bbolt"
)

var blobsBucket = []byte("blobs")

// BoltBlobStore keeps ciphertext blobs in a single-file bbolt database.
// Handy for installs that want one vault file instead of a blob directory.
type BoltBlobStore struct {
	db *bbolt.DB
}

func NewBoltBlobStore(path string) (*BoltBlobStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blobsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltBlobStore{db: db}, nil
}

// NewBoltBlobStoreWithDB wraps an already-open database so blobs can share
// the file with other buckets, e.g. the audit sink.
func NewBoltBlobStoreWithDB(db *bbolt.DB) (*BoltBlobStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blobsBucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &BoltBlobStore{db: db}, nil
}

// DB exposes the underlying handle for co-located buckets.
func (b *BoltBlobStore) DB() *bbolt.DB { return b.db }

func (b *BoltBlobStore) Put(_ context.Context, id string, data []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(blobsBucket).Put([]byte(id), data)
	})
}

func (b *BoltBlobStore) Get(_ context.Context, id string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(blobsBucket).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (b *BoltBlobStore) Delete(_ context.Context, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(blobsBucket).Delete([]byte(id))
	})
}

func (b *BoltBlobStore) List(_ context.Context) ([]string, error) {
	var ids []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(blobsBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

// Erase overwrites the stored value with random bytes before deleting the
// key. bbolt's copy-on-write pages mean the old value may survive until the
// freelist page is reused; best-effort, per Eraser.
func (b *BoltBlobStore) Erase(_ context.Context, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(blobsBucket)
		v := bkt.Get([]byte(id))
		if v == nil {
			return nil
		}
		junk := make([]byte, len(v))
		if _, err := rand.Read(junk); err != nil {
			return err
		}
		if err := bkt.Put([]byte(id), junk); err != nil {
			return err
		}
		return bkt.Delete([]byte(id))
	})
}

func (b *BoltBlobStore) Close() error { return b.db.Close() }
