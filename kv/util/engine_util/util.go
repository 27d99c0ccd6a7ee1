package engine_util

import (
	"os"

	"github.com/Connor1996/badger"
	"github.com/pingcap/errors"
)

const (
	// CfRow holds the latest committed image of every row.
	CfRow string = "row"
	// CfLog holds commit log records.
	CfLog string = "log"
)

var CFs = [2]string{CfRow, CfLog}

func KeyWithCF(cf string, key []byte) []byte {
	return append([]byte(cf+"_"), key...)
}

func GetCFFromTxn(txn *badger.Txn, cf string, key []byte) (val []byte, err error) {
	item, err := txn.Get(KeyWithCF(cf, key))
	if err != nil {
		return nil, err
	}
	val, err = item.ValueCopy(val)
	return
}

// CreateDB opens (creating when missing) a badger DB stored in dir.
func CreateDB(dir string) (*badger.DB, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, errors.WithStack(err)
	}
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Annotatef(err, "open badger at %s", dir)
	}
	return db, nil
}
