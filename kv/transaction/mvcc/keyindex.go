package mvcc

import (
	"bytes"
	"sync"

	"github.com/google/btree"
)

const indexDegree = 32

type indexItem []byte

func (i indexItem) Less(than btree.Item) bool {
	return bytes.Compare(i, than.(indexItem)) < 0
}

// keyIndex keeps the keys of every table in order. A key is indexed while it has a version chain or a row image in
// storage.
type keyIndex struct {
	mu     sync.RWMutex
	tables map[uint32]*btree.BTree
}

func newKeyIndex() *keyIndex {
	return &keyIndex{tables: make(map[uint32]*btree.BTree)}
}

func (ki *keyIndex) insert(table uint32, key []byte) {
	ki.mu.Lock()
	defer ki.mu.Unlock()
	tree, ok := ki.tables[table]
	if !ok {
		tree = btree.New(indexDegree)
		ki.tables[table] = tree
	}
	tree.ReplaceOrInsert(indexItem(append([]byte(nil), key...)))
}

func (ki *keyIndex) remove(table uint32, key []byte) {
	ki.mu.Lock()
	defer ki.mu.Unlock()
	if tree, ok := ki.tables[table]; ok {
		tree.Delete(indexItem(key))
	}
}

func (ki *keyIndex) has(table uint32, key []byte) bool {
	ki.mu.RLock()
	defer ki.mu.RUnlock()
	tree, ok := ki.tables[table]
	return ok && tree.Has(indexItem(key))
}

// successor returns the smallest key greater than key, nil when there is none.
func (ki *keyIndex) successor(table uint32, key []byte) []byte {
	ki.mu.RLock()
	defer ki.mu.RUnlock()
	tree, ok := ki.tables[table]
	if !ok {
		return nil
	}
	var next []byte
	tree.AscendGreaterOrEqual(indexItem(key), func(item btree.Item) bool {
		if bytes.Equal(item.(indexItem), key) {
			return true
		}
		next = item.(indexItem)
		return false
	})
	return next
}

// keys returns the keys in [start, end) in order. A nil end is unbounded. The key after the range, the first key
// >= end, is returned separately (nil when there is none).
func (ki *keyIndex) keys(table uint32, start, end []byte) ([][]byte, []byte) {
	ki.mu.RLock()
	defer ki.mu.RUnlock()
	tree, ok := ki.tables[table]
	if !ok {
		return nil, nil
	}
	var (
		keys  [][]byte
		after []byte
	)
	tree.AscendGreaterOrEqual(indexItem(start), func(item btree.Item) bool {
		key := item.(indexItem)
		if end != nil && bytes.Compare(key, end) >= 0 {
			after = key
			return false
		}
		keys = append(keys, key)
		return true
	})
	return keys, after
}

func (ki *keyIndex) len() int {
	ki.mu.RLock()
	defer ki.mu.RUnlock()
	n := 0
	for _, tree := range ki.tables {
		n += tree.Len()
	}
	return n
}
