package tips

import (
	"errors"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// tipBucket is the top level bucket holding one entry per key.
	tipBucket = []byte("tips")

	// ErrCorruptedTipStore indicates that the on-disk bucketing structure
	// has altered since the store was initialized.
	ErrCorruptedTipStore = errors.New("tip store has been corrupted")
)

// Store is the key-value persistence the tips are kept in.
type Store interface {
	// Load returns the value stored under key, or None if there is none.
	Load(key string) (fn.Option[[]byte], error)

	// Save stores value under key.
	Save(key string, value []byte) error
}

// DBStore is a Store backed by a kvdb backend.
type DBStore struct {
	db kvdb.Backend
}

// A compile-time check to ensure DBStore satisfies the Store interface.
var _ Store = (*DBStore)(nil)

// NewDBStore returns a store backed by db, creating its bucket if needed.
func NewDBStore(db kvdb.Backend) (*DBStore, error) {
	err := kvdb.Update(db, func(tx kvdb.RwTx) error {
		_, err := tx.CreateTopLevelBucket(tipBucket)
		return err
	}, func() {})
	if err != nil {
		return nil, err
	}

	return &DBStore{db: db}, nil
}

// Load returns the value stored under key.
func (s *DBStore) Load(key string) (fn.Option[[]byte], error) {
	var value []byte
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(tipBucket)
		if bucket == nil {
			return ErrCorruptedTipStore
		}

		if v := bucket.Get([]byte(key)); v != nil {
			value = append([]byte{}, v...)
		}

		return nil
	}, func() {
		value = nil
	})
	if err != nil {
		return fn.None[[]byte](), err
	}

	if value == nil {
		return fn.None[[]byte](), nil
	}

	return fn.Some(value), nil
}

// Save stores value under key.
func (s *DBStore) Save(key string, value []byte) error {
	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(tipBucket)
		if bucket == nil {
			return ErrCorruptedTipStore
		}

		return bucket.Put([]byte(key), value)
	}, func() {})
}

// MemStore is a Store kept in memory.
type MemStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

// A compile-time check to ensure MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{values: make(map[string][]byte)}
}

// Load returns the value stored under key.
func (s *MemStore) Load(key string) (fn.Option[[]byte], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.values[key]
	if !ok {
		return fn.None[[]byte](), nil
	}

	return fn.Some(append([]byte{}, v...)), nil
}

// Save stores value under key.
func (s *MemStore) Save(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = append([]byte{}, value...)

	return nil
}
