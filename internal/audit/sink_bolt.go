package audit

import (
	"encoding/binary"
	"encoding/json"

	"go.etcd.io/bbolt"
)

var auditBucket = []byte("audit")

// BoltSink keeps the chain in a bbolt bucket keyed by big-endian sequence
// number, so Load iterates in append order.
type BoltSink struct {
	db *bbolt.DB
}

func NewBoltSink(db *bbolt.DB) (*BoltSink, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(auditBucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &BoltSink{db: db}, nil
}

func (s *BoltSink) Append(e Entry) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(auditBucket)
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		val, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return bkt.Put(key, val)
	})
}

func (s *BoltSink) Load() ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(auditBucket).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}
