package boltdb

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/alphabill-org/gpbft/keyvaluedb"
)

// single bucket per file, node's block store is a file of its own
var bucketName = []byte("blocks")

var errNoBucket = errors.New("blocks bucket not found")

type (
	// BoltDB is a key-value store backed by bolt file, values are CBOR encoded.
	BoltDB struct {
		db *bolt.DB
	}

	Option func(*bolt.Options)
)

// ReadOnly opens existing file for reading only, writes fail.
func ReadOnly() Option {
	return func(o *bolt.Options) {
		o.ReadOnly = true
	}
}

func New(dbFile string, opts ...Option) (*BoltDB, error) {
	bo := &bolt.Options{Timeout: 3 * time.Second}
	for _, opt := range opts {
		opt(bo)
	}
	db, err := bolt.Open(dbFile, 0600, bo)
	if err != nil {
		return nil, fmt.Errorf("opening bolt db %q: %w", dbFile, err)
	}

	if bo.ReadOnly {
		err = db.View(func(tx *bolt.Tx) error {
			if tx.Bucket(bucketName) == nil {
				return errNoBucket
			}
			return nil
		})
	} else {
		err = db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketName)
			return err
		})
	}
	if err != nil {
		return nil, errors.Join(fmt.Errorf("initializing %q: %w", dbFile, err), db.Close())
	}
	return &BoltDB{db: db}, nil
}

func (db *BoltDB) Read(key []byte, v any) (found bool, err error) {
	if err := keyvaluedb.CheckKeyAndValue(key, v); err != nil {
		return false, err
	}
	err = db.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketName).Get(key)
		if found = data != nil; !found {
			return nil
		}
		return cbor.Unmarshal(data, v)
	})
	if err != nil {
		return found, fmt.Errorf("reading key %X: %w", key, err)
	}
	return found, nil
}

func (db *BoltDB) Write(key []byte, v any) error {
	if err := keyvaluedb.CheckKeyAndValue(key, v); err != nil {
		return err
	}
	data, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding value: %w", err)
	}
	if err := db.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(key, data)
	}); err != nil {
		return fmt.Errorf("writing key %X: %w", key, err)
	}
	return nil
}

func (db *BoltDB) First() keyvaluedb.Iterator {
	return newIterator(db.db, (*bolt.Cursor).First)
}

// Find returns iterator positioned at "key" or the next key after it.
func (db *BoltDB) Find(key []byte) keyvaluedb.Iterator {
	return newIterator(db.db, func(c *bolt.Cursor) ([]byte, []byte) { return c.Seek(key) })
}

func (db *BoltDB) Close() error {
	return db.db.Close()
}
