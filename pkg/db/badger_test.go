package db

import (
	"testing"

	"github.com/dgraph-io/badger/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenBadger_InMemory(t *testing.T) {
	bdb, err := OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { bdb.Close() })

	err = bdb.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("k"), []byte("v"))
	})
	require.NoError(t, err)

	var got []byte
	err = bdb.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("k"))
		if err != nil {
			return err
		}
		got, err = item.ValueCopy(nil)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
}

func TestOpenBadger_OnDisk(t *testing.T) {
	bdb, err := OpenBadger(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, bdb.Close())
}
