package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	bolterrors "go.etcd.io/bbolt/errors"
)

// BoltBacking keeps one bucket per namespace in a local bbolt file.
type BoltBacking struct {
	db *bolt.DB
}

func OpenBolt(path string) (*BoltBacking, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	return &BoltBacking{db: db}, nil
}

func (b *BoltBacking) Load(_ context.Context, namespace string) (map[string]json.RawMessage, error) {
	items := make(map[string]json.RawMessage)
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(key, value []byte) error {
			items[string(key)] = append(json.RawMessage(nil), value...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (b *BoltBacking) Save(_ context.Context, namespace string, items map[string]json.RawMessage) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(namespace)); err != nil && !errors.Is(err, bolterrors.ErrBucketNotFound) {
			return err
		}
		bucket, err := tx.CreateBucket([]byte(namespace))
		if err != nil {
			return err
		}
		for key, value := range items {
			if err := bucket.Put([]byte(key), value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltBacking) Close() error {
	return b.db.Close()
}
