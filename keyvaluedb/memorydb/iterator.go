package memorydb

import (
	"bytes"
	"errors"
	"slices"

	"github.com/fxamacker/cbor/v2"
)

/*
Itr iterates over the snapshot of the DB taken when the iterator was
created, changes made to the DB later are not visible to the iterator.
*/
type Itr struct {
	keys   [][]byte
	values [][]byte
	index  int
}

func newIterator(db map[string][]byte) *Itr {
	keys := make([][]byte, 0, len(db))
	for key := range db {
		keys = append(keys, []byte(key))
	}
	slices.SortFunc(keys, bytes.Compare)

	values := make([][]byte, 0, len(keys))
	for _, key := range keys {
		values = append(values, db[string(key)])
	}
	return &Itr{index: -1, keys: keys, values: values}
}

func (it *Itr) Close() error {
	return nil
}

func (it *Itr) Next() {
	if !it.Valid() {
		return
	}
	if it.index++; it.index >= len(it.keys) {
		it.index = -1
	}
}

func (it *Itr) Valid() bool {
	return it.index >= 0
}

func (it *Itr) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.keys[it.index]
}

func (it *Itr) Value(v any) error {
	if !it.Valid() {
		return errors.New("iterator invalid")
	}
	return cbor.Unmarshal(it.values[it.index], v)
}

func (it *Itr) first() {
	if len(it.keys) > 0 {
		it.index = 0
	}
}

func (it *Itr) seek(key []byte) {
	idx, _ := slices.BinarySearchFunc(it.keys, key, bytes.Compare)
	if idx < len(it.keys) {
		it.index = idx
	}
}
