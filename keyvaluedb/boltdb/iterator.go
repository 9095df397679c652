package boltdb

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

/*
Itr walks the bucket inside read-only transaction which is held open until
the iterator is closed. Writing into the DB from the goroutine holding an
open iterator may deadlock when bolt needs to remap the file.
*/
type Itr struct {
	tx     *bolt.Tx
	cursor *bolt.Cursor
	key    []byte
	value  []byte
	err    error
}

func newIterator(db *bolt.DB, position func(*bolt.Cursor) ([]byte, []byte)) *Itr {
	tx, err := db.Begin(false)
	if err != nil {
		return &Itr{err: err}
	}
	it := &Itr{tx: tx, cursor: tx.Bucket(bucketName).Cursor()}
	it.key, it.value = position(it.cursor)
	return it
}

func (it *Itr) Next() {
	if it.Valid() {
		it.key, it.value = it.cursor.Next()
	}
}

func (it *Itr) Valid() bool {
	return it.tx != nil && it.key != nil
}

func (it *Itr) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.key
}

func (it *Itr) Value(v any) error {
	if it.err != nil {
		return it.err
	}
	if !it.Valid() {
		return errors.New("iterator invalid")
	}
	return cbor.Unmarshal(it.value, v)
}

// Close releases the read transaction, safe to call repeatedly.
func (it *Itr) Close() error {
	if it.tx == nil {
		return nil
	}
	err := it.tx.Rollback()
	it.tx, it.cursor, it.key, it.value = nil, nil, nil, nil
	return err
}
