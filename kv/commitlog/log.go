package commitlog

import (
	"sort"
	"sync"

	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/util/codec"
	"github.com/pingcap-incubator/tinytxn/kv/util/engine_util"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Log is the durable commit log the transaction manager appends to before a commit becomes visible.
type Log interface {
	// Append durably stores record and returns its log sequence number.
	Append(record []byte) (lsn uint64, err error)
	// Records returns every stored record in ascending LSN order.
	Records() ([]Entry, error)
	// Truncate removes all records with an LSN lower than lsn.
	Truncate(lsn uint64) error
}

// Entry is a stored record together with its LSN.
type Entry struct {
	LSN    uint64
	Record []byte
}

// StorageLog keeps the commit log in the log column family of a Storage. Keys are LSNs encoded in descending
// order so that the newest record is the first one in the column family.
type StorageLog struct {
	store   storage.Storage
	nextLSN *atomic.Uint64
	// Serializes Truncate with Append so a truncation never removes a record written after it started.
	mu sync.RWMutex
}

// OpenStorageLog opens the log and recovers the next LSN from the newest stored record.
func OpenStorageLog(s storage.Storage) (*StorageLog, error) {
	l := &StorageLog{store: s, nextLSN: atomic.NewUint64(1)}
	reader, err := s.Reader()
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer reader.Close()
	it := reader.IterCF(engine_util.CfLog)
	defer it.Close()
	if it.Valid() {
		lsn, err := codec.DecodeUint64Desc(it.Item().KeyCopy(nil))
		if err != nil {
			return nil, errors.Annotate(err, "decode newest commit log key")
		}
		l.nextLSN.Store(lsn + 1)
	}
	log.Info("commit log opened", zap.Uint64("next-lsn", l.nextLSN.Load()))
	return l, nil
}

func (l *StorageLog) Append(record []byte) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lsn := l.nextLSN.Inc() - 1
	err := l.store.Write([]storage.Modify{{Data: storage.Put{
		Cf:    engine_util.CfLog,
		Key:   codec.EncodeUint64Desc(lsn),
		Value: record,
	}}})
	if err != nil {
		return 0, errors.Annotatef(err, "append commit log lsn %d", lsn)
	}
	return lsn, nil
}

func (l *StorageLog) Records() ([]Entry, error) {
	reader, err := l.store.Reader()
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer reader.Close()
	it := reader.IterCF(engine_util.CfLog)
	defer it.Close()
	var entries []Entry
	for ; it.Valid(); it.Next() {
		item := it.Item()
		lsn, err := codec.DecodeUint64Desc(item.KeyCopy(nil))
		if err != nil {
			return nil, errors.Trace(err)
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return nil, errors.Trace(err)
		}
		entries = append(entries, Entry{LSN: lsn, Record: val})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].LSN < entries[j].LSN })
	return entries, nil
}

func (l *StorageLog) Truncate(lsn uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, err := l.Records()
	if err != nil {
		return err
	}
	var batch []storage.Modify
	for _, e := range entries {
		if e.LSN >= lsn {
			break
		}
		batch = append(batch, storage.Modify{Data: storage.Delete{Cf: engine_util.CfLog, Key: codec.EncodeUint64Desc(e.LSN)}})
	}
	if len(batch) == 0 {
		return nil
	}
	log.Info("commit log truncated", zap.Uint64("below-lsn", lsn), zap.Int("records", len(batch)))
	return errors.Trace(l.store.Write(batch))
}
