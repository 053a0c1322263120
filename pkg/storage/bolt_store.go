// Package storage provides the coordination store shared by every process
// of a fleet on one host.
//
// # Cross-process guarantees
//
// The store is a single BoltDB file. BoltDB takes an exclusive flock on the
// file for read-write opens and a shared flock for read-only opens, so the
// file is opened for the duration of one transaction only:
//
//   - Update opens read-write, runs the transaction and closes. Updates from
//     different processes are serialized by the flock; a read, compare and
//     write inside one Update is therefore an atomic compare-and-set for the
//     whole fleet.
//   - View opens read-only. Concurrent Views share the lock; a View never
//     observes a partially applied Update.
//
// Within one process the flock of a second open would block against the
// first, so a local RWMutex orders transactions before they reach the file.
//
// Values are CBOR encoded (see Marshal).
//
// References:
//   - BoltDB documentation: https://github.com/etcd-io/bbolt#transactions
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// Bucket names.
const (
	BucketInstances = "instances"
	BucketRoles     = "roles"
	BucketFleet     = "fleet"
)

var buckets = []string{BucketInstances, BucketRoles, BucketFleet}

// defaultLockTimeout bounds the wait for another process's transaction.
const defaultLockTimeout = 5 * time.Second

// Error types
var (
	ErrKeyNotFound    = errors.New("key not found")
	ErrBucketNotFound = errors.New("bucket not found")
	ErrReadOnly       = errors.New("write in read-only transaction")
	// ErrLocked is returned when another process held the file past the
	// lock timeout.
	ErrLocked = errors.New("coordination store locked by another process")
)

// Txn is one transaction on the store. Values are encoded with Marshal.
type Txn interface {
	// Get decodes the value at bucket/key into v. It returns false when
	// the key is absent.
	Get(bucket, key string, v any) (bool, error)
	Put(bucket, key string, v any) error
	Delete(bucket, key string) error
	// ForEach calls fn for every key of bucket in key order. decode
	// unmarshals the value of the current key.
	ForEach(bucket string, fn func(key string, decode func(v any) error) error) error
}

// BoltStore is the file-backed coordination store.
//
// BoltStore is safe for concurrent use by multiple goroutines and by
// multiple processes opening the same path.
type BoltStore struct {
	path        string
	lockTimeout time.Duration
	mu          sync.RWMutex
}

// NewBoltStore creates the store file at path if needed and makes sure the
// buckets exist.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	b := &BoltStore{path: path, lockTimeout: defaultLockTimeout}

	err := b.Update(context.Background(), func(Txn) error { return nil })
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Path returns the store file location.
func (b *BoltStore) Path() string {
	return b.path
}

// Close exists for symmetry with long-lived stores; the file is only held
// open during transactions.
func (b *BoltStore) Close() error {
	return nil
}

func (b *BoltStore) open(ctx context.Context, readOnly bool) (*bbolt.DB, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timeout := b.lockTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = max(until, time.Millisecond)
		}
	}
	db, err := bbolt.Open(b.path, 0600, &bbolt.Options{Timeout: timeout, ReadOnly: readOnly})
	if errors.Is(err, bbolt.ErrTimeout) {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}
	return db, nil
}

// Update runs fn in a read-write transaction. If fn returns an error nothing
// is written.
func (b *BoltStore) Update(ctx context.Context, fn func(tx Txn) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	db, err := b.open(ctx, false)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return fn(&boltTxn{tx: tx})
	})
}

// View runs fn in a read-only transaction.
func (b *BoltStore) View(ctx context.Context, fn func(tx Txn) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	db, err := b.open(ctx, true)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.View(func(tx *bbolt.Tx) error {
		return fn(&boltTxn{tx: tx, readOnly: true})
	})
}

// ============================================================================
// Txn Implementation
// ============================================================================

type boltTxn struct {
	tx       *bbolt.Tx
	readOnly bool
}

func (t *boltTxn) bucket(name string) (*bbolt.Bucket, error) {
	bkt := t.tx.Bucket([]byte(name))
	if bkt == nil {
		return nil, fmt.Errorf("%w: %s", ErrBucketNotFound, name)
	}
	return bkt, nil
}

func (t *boltTxn) Get(bucket, key string, v any) (bool, error) {
	bkt, err := t.bucket(bucket)
	if err != nil {
		return false, err
	}
	val := bkt.Get([]byte(key))
	if val == nil {
		return false, nil
	}
	if err := Unmarshal(val, v); err != nil {
		return false, fmt.Errorf("failed to decode %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func (t *boltTxn) Put(bucket, key string, v any) error {
	if t.readOnly {
		return ErrReadOnly
	}
	bkt, err := t.bucket(bucket)
	if err != nil {
		return err
	}
	val, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", bucket, key, err)
	}
	if err := bkt.Put([]byte(key), val); err != nil {
		return fmt.Errorf("failed to store %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (t *boltTxn) Delete(bucket, key string) error {
	if t.readOnly {
		return ErrReadOnly
	}
	bkt, err := t.bucket(bucket)
	if err != nil {
		return err
	}
	if bkt.Get([]byte(key)) == nil {
		return ErrKeyNotFound
	}
	return bkt.Delete([]byte(key))
}

func (t *boltTxn) ForEach(bucket string, fn func(key string, decode func(v any) error) error) error {
	bkt, err := t.bucket(bucket)
	if err != nil {
		return err
	}
	return bkt.ForEach(func(k, val []byte) error {
		return fn(string(k), func(v any) error {
			if err := Unmarshal(val, v); err != nil {
				return fmt.Errorf("failed to decode %s/%s: %w", bucket, k, err)
			}
			return nil
		})
	})
}
