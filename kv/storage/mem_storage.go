package storage

import (
	"bytes"
	"sync"

	"github.com/google/btree"
	"github.com/pingcap-incubator/tinytxn/kv/util/engine_util"
	"github.com/pingcap/errors"
)

const memBtreeDegree = 32

// MemStorage is a simple storage backed by memory for testing. Data is not written to disk. Readers see a
// copy-on-write snapshot of the trees taken when Reader is called.
type MemStorage struct {
	mu     sync.RWMutex
	CfRow  *btree.BTree
	CfLog  *btree.BTree
	writes int
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		CfRow: btree.New(memBtreeDegree),
		CfLog: btree.New(memBtreeDegree),
	}
}

func (s *MemStorage) Start() error {
	return nil
}

func (s *MemStorage) Stop() error {
	return nil
}

func (s *MemStorage) tree(cf string) *btree.BTree {
	switch cf {
	case engine_util.CfRow:
		return s.CfRow
	case engine_util.CfLog:
		return s.CfLog
	}
	return nil
}

func (s *MemStorage) Reader() (StorageReader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &memReader{row: s.CfRow.Clone(), log: s.CfLog.Clone()}, nil
}

func (s *MemStorage) Write(batch []Modify) error {
	for _, m := range batch {
		if s.tree(m.Cf()) == nil {
			return errors.Errorf("mem-storage: bad CF %s", m.Cf())
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range batch {
		tree := s.tree(m.Cf())
		switch data := m.Data.(type) {
		case Put:
			tree.ReplaceOrInsert(memItem{key: data.Key, value: data.Value})
		case Delete:
			tree.Delete(memItem{key: data.Key})
		}
	}
	s.writes++
	return nil
}

// Get returns the value of key in cf, or nil.
func (s *MemStorage) Get(cf string, key []byte) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tree := s.tree(cf)
	if tree == nil {
		return nil
	}
	result := tree.Get(memItem{key: key})
	if result == nil {
		return nil
	}
	return result.(memItem).value
}

func (s *MemStorage) Len(cf string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tree := s.tree(cf); tree != nil {
		return tree.Len()
	}
	return -1
}

// WriteCount is the number of successful Write calls.
func (s *MemStorage) WriteCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// memReader is a StorageReader which reads from a snapshot of MemStorage.
type memReader struct {
	row *btree.BTree
	log *btree.BTree
}

func (mr *memReader) tree(cf string) *btree.BTree {
	switch cf {
	case engine_util.CfRow:
		return mr.row
	case engine_util.CfLog:
		return mr.log
	}
	return nil
}

func (mr *memReader) GetCF(cf string, key []byte) ([]byte, error) {
	tree := mr.tree(cf)
	if tree == nil {
		return nil, errors.Errorf("mem-storage: bad CF %s", cf)
	}
	result := tree.Get(memItem{key: key})
	if result == nil {
		return nil, nil
	}
	return result.(memItem).value, nil
}

func (mr *memReader) IterCF(cf string) engine_util.DBIterator {
	tree := mr.tree(cf)
	if tree == nil {
		tree = btree.New(2)
	}
	it := &memIter{data: tree}
	if min := tree.Min(); min != nil {
		it.item = min.(memItem)
	}
	return it
}

func (mr *memReader) Close() {}

type memIter struct {
	data *btree.BTree
	item memItem
}

func (it *memIter) Item() engine_util.DBItem {
	return it.item
}

func (it *memIter) Valid() bool {
	return it.item.key != nil
}

func (it *memIter) Next() {
	old := it.item
	it.item = memItem{}
	it.data.AscendGreaterOrEqual(old, func(item btree.Item) bool {
		// Skip the current item.
		if !old.Less(item) {
			return true
		}
		it.item = item.(memItem)
		return false
	})
}

func (it *memIter) Seek(key []byte) {
	it.item = memItem{}
	it.data.AscendGreaterOrEqual(memItem{key: key}, func(item btree.Item) bool {
		it.item = item.(memItem)
		return false
	})
}

func (it *memIter) Close() {}

type memItem struct {
	key   []byte
	value []byte
}

func (it memItem) Key() []byte {
	return it.key
}

func (it memItem) KeyCopy(dst []byte) []byte {
	return append(dst[:0], it.key...)
}

func (it memItem) Value() ([]byte, error) {
	return it.value, nil
}

func (it memItem) ValueCopy(dst []byte) ([]byte, error) {
	return append(dst[:0], it.value...), nil
}

func (it memItem) Less(than btree.Item) bool {
	return bytes.Compare(it.key, than.(memItem).key) < 0
}
