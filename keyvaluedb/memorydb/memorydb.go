package memorydb

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/alphabill-org/gpbft/keyvaluedb"
)

// MemoryDB keeps the values CBOR encoded in memory.
type MemoryDB struct {
	db   map[string][]byte
	lock sync.RWMutex
}

func New() *MemoryDB {
	return &MemoryDB{db: make(map[string][]byte)}
}

// Read retrieves the given key if it's present in the key-value store.
func (db *MemoryDB) Read(key []byte, value any) (bool, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()

	if err := keyvaluedb.CheckKeyAndValue(key, value); err != nil {
		return false, err
	}
	if data, ok := db.db[string(key)]; ok {
		if err := cbor.Unmarshal(data, value); err != nil {
			return true, fmt.Errorf("decoding value: %w", err)
		}
		return true, nil
	}
	return false, nil
}

// Write inserts the given value into the key-value store.
func (db *MemoryDB) Write(key []byte, value any) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	if err := keyvaluedb.CheckKeyAndValue(key, value); err != nil {
		return err
	}
	b, err := cbor.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding value: %w", err)
	}
	db.db[string(key)] = b
	return nil
}

// First returns iterator positioned to the first element in DB
func (db *MemoryDB) First() keyvaluedb.Iterator {
	db.lock.RLock()
	defer db.lock.RUnlock()
	it := newIterator(db.db)
	it.first()
	return it
}

// Find returns iterator positioned to the closest binary search match
func (db *MemoryDB) Find(key []byte) keyvaluedb.Iterator {
	db.lock.RLock()
	defer db.lock.RUnlock()
	it := newIterator(db.db)
	it.seek(key)
	return it
}

func (db *MemoryDB) Close() error { return nil }
