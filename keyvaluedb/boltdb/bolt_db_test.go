package boltdb

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/alphabill-org/gpbft/keyvaluedb"
)

var _ keyvaluedb.KeyValueDB = (*BoltDB)(nil)

type testValue struct {
	Name  string
	Depth uint64
}

func key(i uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, i)
}

func newTestDB(t *testing.T) *BoltDB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func TestBoltDB_ReadWrite(t *testing.T) {
	db := newTestDB(t)

	var v testValue
	found, err := db.Read(key(1), &v)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, db.Write(key(1), &testValue{Name: "one", Depth: 1}))
	found, err = db.Read(key(1), &v)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, testValue{Name: "one", Depth: 1}, v)

	require.NoError(t, db.Write(key(1), &testValue{Name: "uno", Depth: 1}))
	found, err = db.Read(key(1), &v)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "uno", v.Name)

	// value of wrong type
	var s string
	found, err = db.Read(key(1), &s)
	require.True(t, found)
	require.ErrorContains(t, err, "reading key 0000000000000001")
}

func TestBoltDB_InvalidInput(t *testing.T) {
	db := newTestDB(t)
	var v testValue
	_, err := db.Read(nil, &v)
	require.EqualError(t, err, "invalid key")
	_, err = db.Read(key(1), nil)
	require.EqualError(t, err, "value is nil")
	require.EqualError(t, db.Write([]byte{}, &v), "invalid key")
	var nilPtr *testValue
	require.EqualError(t, db.Write(key(1), nilPtr), "value is nil")
}

func TestBoltDB_Iterator(t *testing.T) {
	db := newTestDB(t)

	it := db.First()
	require.False(t, it.Valid())
	require.Nil(t, it.Key())
	require.EqualError(t, it.Value(&testValue{}), "iterator invalid")
	require.NoError(t, it.Close())

	for _, i := range []uint64{3, 1, 2} {
		require.NoError(t, db.Write(key(i), &testValue{Depth: i}))
	}

	t.Run("forward", func(t *testing.T) {
		var depths []uint64
		it := db.First()
		defer func() { require.NoError(t, it.Close()) }()
		for ; it.Valid(); it.Next() {
			var v testValue
			require.NoError(t, it.Value(&v))
			require.Equal(t, key(v.Depth), it.Key())
			depths = append(depths, v.Depth)
		}
		require.Equal(t, []uint64{1, 2, 3}, depths)
		// moving past the end is no-op
		it.Next()
		require.False(t, it.Valid())
	})

	t.Run("find", func(t *testing.T) {
		it := db.Find(key(2))
		require.True(t, it.Valid())
		require.Equal(t, key(2), it.Key())
		require.NoError(t, it.Close())
		// closing twice is fine
		require.NoError(t, it.Close())
		require.False(t, it.Valid())

		it = db.Find(key(10))
		require.False(t, it.Valid())
		require.NoError(t, it.Close())
	})
}

func TestBoltDB_ReadOnly(t *testing.T) {
	file := filepath.Join(t.TempDir(), "blocks.db")
	_, err := New(file, ReadOnly())
	require.ErrorContains(t, err, "opening bolt db")

	db, err := New(file)
	require.NoError(t, err)
	require.NoError(t, db.Write(key(7), &testValue{Name: "seven"}))
	require.NoError(t, db.Close())

	db, err = New(file, ReadOnly())
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()
	var v testValue
	found, err := db.Read(key(7), &v)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "seven", v.Name)
	require.ErrorIs(t, db.Write(key(8), &v), bolt.ErrDatabaseReadOnly)
}

func TestBoltDB_ReadOnly_NotBlockStore(t *testing.T) {
	file := filepath.Join(t.TempDir(), "other.db")
	db, err := bolt.Open(file, 0600, nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = New(file, ReadOnly())
	require.ErrorIs(t, err, errNoBucket)
}
