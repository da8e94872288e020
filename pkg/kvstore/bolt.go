package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bolt is a device-local store backed by a bbolt file.
// Each store owns one bucket, so several namespaces can share a file.
type Bolt struct {
	db     *bolt.DB
	bucket []byte
}

// OpenBolt opens (or creates) the bbolt database at path and ensures the
// bucket for namespace exists.
func OpenBolt(path, namespace string) (*Bolt, error) {
	if namespace == "" {
		return nil, fmt.Errorf("bolt namespace cannot be empty")
	}
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}
	bucket := []byte(namespace)
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize bucket %q: %w", namespace, err)
	}
	return &Bolt{db: db, bucket: bucket}, nil
}

// Close closes the underlying database. Implements io.Closer.
func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) Get(_ context.Context, key string) (json.RawMessage, error) {
	var value json.RawMessage
	err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(b.bucket).Get([]byte(key)); v != nil {
			// bolt memory is only valid inside the transaction
			value = cloneRaw(v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	return value, nil
}

func (b *Bolt) Set(_ context.Context, key string, value json.RawMessage) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Put([]byte(key), normalize(value))
	})
	if err != nil {
		return fmt.Errorf("failed to write key %q: %w", key, err)
	}
	return nil
}

func (b *Bolt) GetAll(context.Context) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).ForEach(func(k, v []byte) error {
			out[string(k)] = cloneRaw(v)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read bucket: %w", err)
	}
	return out, nil
}
