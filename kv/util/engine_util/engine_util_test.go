package engine_util

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/Connor1996/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteBatchAndIterator(t *testing.T) {
	dir, err := ioutil.TempDir("", "engine_util")
	require.Nil(t, err)
	defer os.RemoveAll(dir)
	db, err := CreateDB(dir)
	require.Nil(t, err)
	defer db.Close()

	batch := new(WriteBatch)
	batch.SetCF(CfRow, []byte("a"), []byte("a1"))
	batch.SetCF(CfRow, []byte("b"), []byte("b1"))
	batch.SetCF(CfRow, []byte("c"), []byte("c1"))
	batch.SetCF(CfLog, []byte("a"), []byte("a2"))
	batch.SetCF(CfRow, []byte("e"), []byte("e1"))
	batch.DeleteCF(CfRow, []byte("e"))
	batch.DeleteCF(CfRow, []byte("b"))
	assert.Equal(t, 7, batch.Len())
	assert.Equal(t, 17, batch.Size())
	require.Nil(t, batch.WriteToDB(db))
	require.Nil(t, new(WriteBatch).WriteToDB(db))

	txn := db.NewTransaction(false)
	defer txn.Discard()
	_, err = GetCFFromTxn(txn, CfRow, []byte("e"))
	require.Equal(t, badger.ErrKeyNotFound, err)
	val, err := GetCFFromTxn(txn, CfLog, []byte("a"))
	require.Nil(t, err)
	assert.Equal(t, []byte("a2"), val)

	it := NewCFIterator(CfRow, txn)
	defer it.Close()
	var keys, vals []string
	for ; it.Valid(); it.Next() {
		item := it.Item()
		v, err := item.ValueCopy(nil)
		require.Nil(t, err)
		keys = append(keys, string(item.KeyCopy(nil)))
		vals = append(vals, string(v))
	}
	assert.Equal(t, []string{"a", "c"}, keys)
	assert.Equal(t, []string{"a1", "c1"}, vals)

	it.Seek([]byte("b"))
	require.True(t, it.Valid())
	assert.Equal(t, []byte("c"), it.Item().Key())
}
