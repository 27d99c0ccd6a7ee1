package engine_util

import (
	"github.com/Connor1996/badger"
)

// DBIterator walks the keys of one column family in ascending order. Item is only valid while Valid is true.
type DBIterator interface {
	Item() DBItem
	Valid() bool
	Next()
	// Seek positions at the first key >= the given key.
	Seek([]byte)
	Close()
}

// DBItem is one key-value pair of a column family, with the column family prefix stripped from the key.
type DBItem interface {
	Key() []byte
	KeyCopy(dst []byte) []byte
	Value() ([]byte, error)
	ValueCopy(dst []byte) ([]byte, error)
}

type CFItem struct {
	item      *badger.Item
	prefixLen int
}

func (i *CFItem) Key() []byte {
	return i.item.Key()[i.prefixLen:]
}

func (i *CFItem) KeyCopy(dst []byte) []byte {
	key := i.item.Key()[i.prefixLen:]
	return append(dst[:0], key...)
}

func (i *CFItem) Value() ([]byte, error) {
	return i.item.Value()
}

func (i *CFItem) ValueCopy(dst []byte) ([]byte, error) {
	return i.item.ValueCopy(dst)
}

// BadgerIterator iterates over the keys of one column family.
type BadgerIterator struct {
	iter   *badger.Iterator
	prefix string
}

func NewCFIterator(cf string, txn *badger.Txn) *BadgerIterator {
	opts := badger.DefaultIteratorOptions
	it := &BadgerIterator{
		iter:   txn.NewIterator(opts),
		prefix: cf + "_",
	}
	it.iter.Seek([]byte(it.prefix))
	return it
}

func (it *BadgerIterator) Item() DBItem {
	return &CFItem{
		item:      it.iter.Item(),
		prefixLen: len(it.prefix),
	}
}

func (it *BadgerIterator) Valid() bool { return it.iter.ValidForPrefix([]byte(it.prefix)) }

func (it *BadgerIterator) Close() {
	it.iter.Close()
}

func (it *BadgerIterator) Next() {
	it.iter.Next()
}

func (it *BadgerIterator) Seek(key []byte) {
	it.iter.Seek(append([]byte(it.prefix), key...))
}
