package memorydb

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alphabill-org/gpbft/keyvaluedb"
)

type testValue struct {
	Depth uint64
}

func key(i uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, i)
}

var _ keyvaluedb.KeyValueDB = (*MemoryDB)(nil)

func TestMemoryDB_ReadWrite(t *testing.T) {
	db := New()
	var v testValue
	found, err := db.Read(key(1), &v)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, db.Write(key(1), &testValue{Depth: 1}))
	found, err = db.Read(key(1), &v)
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 1, v.Depth)

	// overwrite
	require.NoError(t, db.Write(key(1), &testValue{Depth: 2}))
	found, err = db.Read(key(1), &v)
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 2, v.Depth)

	require.EqualError(t, db.Write(nil, &v), "invalid key")
	require.EqualError(t, db.Write(key(1), nil), "value is nil")
	require.NoError(t, db.Close())
}

func TestMemoryDB_Iterator(t *testing.T) {
	db := New()
	it := db.First()
	require.False(t, it.Valid())
	require.Nil(t, it.Key())
	require.EqualError(t, it.Value(&testValue{}), "iterator invalid")

	for _, i := range []uint64{5, 1, 3} {
		require.NoError(t, db.Write(key(i), &testValue{Depth: i}))
	}

	var depths []uint64
	for it := db.First(); it.Valid(); it.Next() {
		var v testValue
		require.NoError(t, it.Value(&v))
		depths = append(depths, v.Depth)
	}
	require.Equal(t, []uint64{1, 3, 5}, depths)

	// closest match
	it = db.Find(key(2))
	require.True(t, it.Valid())
	require.Equal(t, key(3), it.Key())
	require.NoError(t, it.Close())

	require.False(t, db.Find(key(6)).Valid())

	// iterator works on snapshot
	it = db.First()
	require.NoError(t, db.Write(key(0), &testValue{}))
	require.Equal(t, key(1), it.Key())
}
