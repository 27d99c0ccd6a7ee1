package mvcc

import (
	"sync"

	farm "github.com/dgryski/go-farm"
	units "github.com/docker/go-units"
	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/latches"
	"github.com/pingcap-incubator/tinytxn/kv/util/codec"
	"github.com/pingcap-incubator/tinytxn/kv/util/engine_util"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type Config struct {
	Shards int
	// Soft limit on the bytes held by versions. Exceeding it calls the over budget hook.
	Budget uint64
	// Panic on a broken chain invariant instead of logging it.
	DebugInvariants bool
}

// RowKey addresses one row.
type RowKey struct {
	Table uint32
	Key   []byte
}

func (k RowKey) encode() string {
	return string(codec.EncodeRowKey(k.Table, k.Key))
}

// Encode returns the storage key of the row. Committers and the collector latch rows by this key.
func (k RowKey) Encode() []byte {
	return codec.EncodeRowKey(k.Table, k.Key)
}

// ViewKind selects which version of a row a read returns.
type ViewKind int

const (
	// ViewLatest returns the newest version, committed or not.
	ViewLatest ViewKind = iota
	// ViewCommitted returns the newest committed version.
	ViewCommitted
	// ViewSnapshot returns the version committed as of View.Seq.
	ViewSnapshot
)

// View describes a read. The reading transaction always sees its own uncommitted writes.
type View struct {
	Kind  ViewKind
	Seq   uint64
	TxnID uint64
}

func LatestView(txnID uint64) View {
	return View{Kind: ViewLatest, TxnID: txnID}
}

func CommittedView(txnID uint64) View {
	return View{Kind: ViewCommitted, TxnID: txnID}
}

func SnapshotView(txnID, seq uint64) View {
	return View{Kind: ViewSnapshot, Seq: seq, TxnID: txnID}
}

// Image is the uncommitted write of a transaction on one row.
type Image struct {
	Key       RowKey
	Data      []byte
	Tombstone bool
}

type shard struct {
	mu     sync.RWMutex
	arena  arena
	chains map[string]VersionIndex
}

// Store keeps row version chains in memory on top of a Storage holding the newest durable image of each row. A
// row without a chain is read from storage. Chains are sharded by a hash of the encoded row key.
type Store struct {
	conf    Config
	storage storage.Storage
	shards  []*shard
	index   *keyIndex
	latches *latches.Latches

	bytes    *atomic.Int64
	versions *atomic.Int64

	overBudget func()
}

func NewStore(conf Config, st storage.Storage) *Store {
	if conf.Shards <= 0 {
		conf.Shards = 1
	}
	s := &Store{
		conf:     conf,
		storage:  st,
		shards:   make([]*shard, conf.Shards),
		index:    newKeyIndex(),
		latches:  latches.NewLatches(),
		bytes:    atomic.NewInt64(0),
		versions: atomic.NewInt64(0),
	}
	for i := range s.shards {
		s.shards[i] = &shard{chains: make(map[string]VersionIndex)}
	}
	return s
}

// SetOverBudgetHook installs f to run after a write pushes the store over its budget.
func (s *Store) SetOverBudgetHook(f func()) {
	s.overBudget = f
}

// Latches are held by committers from stamping until the row images are durable.
func (s *Store) Latches() *latches.Latches {
	return s.latches
}

func (s *Store) shardFor(enc string) *shard {
	return s.shards[farm.Fingerprint64([]byte(enc))%uint64(len(s.shards))]
}

// Load indexes the rows in storage and returns the highest commit sequence number found in their images.
func (s *Store) Load() (uint64, error) {
	reader, err := s.storage.Reader()
	if err != nil {
		return 0, errors.Trace(err)
	}
	defer reader.Close()
	it := reader.IterCF(engine_util.CfRow)
	defer it.Close()
	var maxSeq uint64
	rows := 0
	for ; it.Valid(); it.Next() {
		item := it.Item()
		table, key, err := codec.DecodeRowKey(item.KeyCopy(nil))
		if err != nil {
			return 0, errors.Annotate(err, "decode row key")
		}
		value, err := item.Value()
		if err != nil {
			return 0, errors.Trace(err)
		}
		seq, _, err := DecodeImage(value)
		if err != nil {
			return 0, errors.Annotatef(err, "decode image of table %d key %q", table, key)
		}
		if seq > maxSeq {
			maxSeq = seq
		}
		s.index.insert(table, key)
		rows++
	}
	log.Info("version store loaded rows", zap.Int("rows", rows), zap.Uint64("max-seq", maxSeq))
	return maxSeq, nil
}

func (s *Store) readStorage(enc string) (seq uint64, data []byte, found bool, err error) {
	reader, err := s.storage.Reader()
	if err != nil {
		return 0, nil, false, errors.Trace(err)
	}
	defer reader.Close()
	value, err := reader.GetCF(engine_util.CfRow, []byte(enc))
	if err != nil {
		return 0, nil, false, errors.Trace(err)
	}
	if value == nil {
		return 0, nil, false, nil
	}
	seq, data, err = DecodeImage(value)
	if err != nil {
		return 0, nil, false, errors.Trace(err)
	}
	return seq, append([]byte(nil), data...), true, nil
}

func visible(v *Version) ([]byte, bool, error) {
	if v.Tombstone {
		return nil, false, nil
	}
	return v.Data, true, nil
}

// Read returns the row data selected by view. found is false when the selected version is a deletion or no
// version is visible.
func (s *Store) Read(key RowKey, view View) (data []byte, found bool, err error) {
	enc := key.encode()
	sh := s.shardFor(enc)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	head, ok := sh.chains[enc]
	if !ok {
		seq, data, found, err := s.readStorage(enc)
		if err != nil || !found {
			return nil, false, err
		}
		if view.Kind == ViewSnapshot && seq > view.Seq {
			s.invariant("stored image is newer than a live snapshot",
				zap.Uint32("table", key.Table), zap.Binary("key", key.Key), zap.Uint64("image-seq", seq), zap.Uint64("snapshot", view.Seq))
			return nil, false, nil
		}
		return data, true, nil
	}
	for idx := head; idx != nilIndex; {
		v := sh.arena.get(idx)
		idx = v.next
		if !v.committed() {
			if view.Kind == ViewLatest || v.Creator == view.TxnID {
				return visible(v)
			}
			continue
		}
		if view.Kind != ViewSnapshot {
			return visible(v)
		}
		if v.CreatedSeq <= view.Seq && (v.DeletedSeq == 0 || v.DeletedSeq > view.Seq) {
			return visible(v)
		}
	}
	return nil, false, nil
}

// Write appends an uncommitted version of key created by txnID. A second write by the same transaction replaces
// its own uncommitted version. The caller must hold an exclusive lock on the row.
func (s *Store) Write(txnID uint64, key RowKey, data []byte, tombstone bool) error {
	enc := key.encode()
	sh := s.shardFor(enc)
	sh.mu.Lock()
	head, ok := sh.chains[enc]
	if ok {
		if h := sh.arena.get(head); !h.committed() {
			if h.Creator != txnID {
				sh.mu.Unlock()
				return errors.Errorf("row %d:%q has an uncommitted version of txn %d", key.Table, key.Key, h.Creator)
			}
			s.bytes.Add(int64(len(data) - len(h.Data)))
			h.Data = append([]byte(nil), data...)
			h.Tombstone = tombstone
			sh.mu.Unlock()
			s.checkBudget()
			return nil
		}
	} else {
		head = nilIndex
		seq, base, found, err := s.readStorage(enc)
		if err != nil {
			sh.mu.Unlock()
			return err
		}
		if found {
			head = sh.arena.alloc()
			*sh.arena.get(head) = Version{Data: base, CreatedSeq: seq}
			s.account(sh.arena.get(head), 1)
		}
	}
	idx := sh.arena.alloc()
	v := sh.arena.get(idx)
	*v = Version{Data: append([]byte(nil), data...), Tombstone: tombstone, Creator: txnID, next: head}
	s.account(v, 1)
	sh.chains[enc] = idx
	s.index.insert(key.Table, key.Key)
	sh.mu.Unlock()
	versionWriteCounter.Inc()
	s.checkBudget()
	return nil
}

func (s *Store) account(v *Version, sign int64) {
	s.bytes.Add(sign * v.size())
	s.versions.Add(sign)
}

func (s *Store) checkBudget() {
	if s.conf.Budget > 0 && uint64(s.bytes.Load()) > s.conf.Budget && s.overBudget != nil {
		s.overBudget()
	}
}

// Pending returns the uncommitted images txnID wrote on keys.
func (s *Store) Pending(txnID uint64, keys []RowKey) ([]Image, error) {
	images := make([]Image, 0, len(keys))
	for _, key := range keys {
		enc := key.encode()
		sh := s.shardFor(enc)
		sh.mu.RLock()
		head, ok := sh.chains[enc]
		var v *Version
		if ok {
			v = sh.arena.get(head)
		}
		if v == nil || v.committed() || v.Creator != txnID {
			sh.mu.RUnlock()
			return nil, errors.Errorf("txn %d has no uncommitted version of row %d:%q", txnID, key.Table, key.Key)
		}
		images = append(images, Image{Key: key, Data: v.Data, Tombstone: v.Tombstone})
		sh.mu.RUnlock()
	}
	return images, nil
}

// CheckConflict fails with *ErrUpdateConflict when a version of key was committed after startSeq.
func (s *Store) CheckConflict(txnID uint64, key RowKey, startSeq uint64) error {
	enc := key.encode()
	sh := s.shardFor(enc)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	var newest uint64
	if head, ok := sh.chains[enc]; ok {
		for idx := head; idx != nilIndex; {
			v := sh.arena.get(idx)
			idx = v.next
			if v.committed() {
				newest = v.CreatedSeq
				break
			}
		}
	} else {
		seq, _, found, err := s.readStorage(enc)
		if err != nil {
			return err
		}
		if found {
			newest = seq
		}
	}
	if newest > startSeq {
		updateConflictCounter.Inc()
		return &ErrUpdateConflict{TxnID: txnID, Table: key.Table, Key: key.Key, StartSeq: startSeq, ConflictSeq: newest}
	}
	return nil
}

// Commit stamps the uncommitted versions of txnID on keys with seq, and the versions they supersede as deleted at
// seq. Both stamps of a row happen under its shard lock.
func (s *Store) Commit(txnID uint64, keys []RowKey, seq uint64) {
	for _, key := range keys {
		enc := key.encode()
		sh := s.shardFor(enc)
		sh.mu.Lock()
		head, ok := sh.chains[enc]
		if !ok {
			sh.mu.Unlock()
			s.invariant("commit of a row without a chain", zap.Uint64("txn", txnID), zap.Binary("key", key.Key))
			continue
		}
		v := sh.arena.get(head)
		if v.committed() || v.Creator != txnID {
			sh.mu.Unlock()
			s.invariant("commit of a row whose head is not the committer's",
				zap.Uint64("txn", txnID), zap.Uint64("creator", v.Creator), zap.Binary("key", key.Key))
			continue
		}
		v.CreatedSeq = seq
		if v.next != nilIndex {
			sh.arena.get(v.next).DeletedSeq = seq
		}
		sh.mu.Unlock()
	}
}

// Abort unlinks the uncommitted versions txnID created on keys. It is idempotent.
func (s *Store) Abort(txnID uint64, keys []RowKey) {
	for _, key := range keys {
		enc := key.encode()
		sh := s.shardFor(enc)
		sh.mu.Lock()
		head, ok := sh.chains[enc]
		if !ok {
			sh.mu.Unlock()
			continue
		}
		v := sh.arena.get(head)
		if v.committed() || v.Creator != txnID {
			sh.mu.Unlock()
			continue
		}
		next := v.next
		s.account(v, -1)
		sh.arena.release(head)
		if next != nilIndex {
			sh.chains[enc] = next
		} else {
			delete(sh.chains, enc)
			if _, _, found, err := s.readStorage(enc); err == nil && !found {
				s.index.remove(key.Table, key.Key)
			}
		}
		sh.mu.Unlock()
	}
}

// Contains reports whether key is indexed, which holds for every row that exists or has a version.
func (s *Store) Contains(table uint32, key []byte) bool {
	return s.index.has(table, key)
}

// Successor returns the smallest indexed key of table greater than key, nil when there is none.
func (s *Store) Successor(table uint32, key []byte) []byte {
	return s.index.successor(table, key)
}

// Keys returns the indexed keys of table in [start, end) and the first indexed key at or after end.
func (s *Store) Keys(table uint32, start, end []byte) ([][]byte, []byte) {
	return s.index.keys(table, start, end)
}

func (s *Store) invariant(msg string, fields ...zap.Field) {
	invariantCounter.Inc()
	if s.conf.DebugInvariants {
		log.Panic(msg, fields...)
	}
	log.Error(msg, fields...)
}

type Stats struct {
	Chains      int    `json:"chains"`
	Versions    int64  `json:"versions"`
	Uncommitted int    `json:"uncommitted"`
	Keys        int    `json:"keys"`
	Slabs       int    `json:"slabs"`
	Bytes       int64  `json:"bytes"`
	Size        string `json:"size"`
	Budget      string `json:"budget"`
}

func (s *Store) Stats() Stats {
	st := Stats{
		Versions: s.versions.Load(),
		Bytes:    s.bytes.Load(),
		Keys:     s.index.len(),
	}
	for _, sh := range s.shards {
		sh.mu.RLock()
		st.Chains += len(sh.chains)
		st.Slabs += sh.arena.slabCount()
		for _, head := range sh.chains {
			if !sh.arena.get(head).committed() {
				st.Uncommitted++
			}
		}
		sh.mu.RUnlock()
	}
	st.Size = units.HumanSize(float64(st.Bytes))
	if s.conf.Budget > 0 {
		st.Budget = units.HumanSize(float64(s.conf.Budget))
	}
	versionBytesGauge.Set(float64(st.Bytes))
	return st
}
