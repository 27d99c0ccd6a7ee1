package transaction

import (
	"sort"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/isolation"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/lock"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/mvcc"
	"go.uber.org/atomic"
)

// Status is the lifecycle state of a transaction.
type Status int32

const (
	StatusActive Status = iota
	// Commit started: the write set is frozen.
	StatusPreparing
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusPreparing:
		return "preparing"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	}
	return "unknown"
}

// Txn is the handle of one transaction. A handle is used by one goroutine at a time; the deadlock detector may
// roll it back concurrently while it waits for a lock.
type Txn struct {
	ID    uint64
	Level isolation.Level
	// StartSeq is the last published commit sequence number when the transaction began. SNAPSHOT transactions read
	// as of this sequence number.
	StartSeq  uint64
	StartTime time.Time

	status    *atomic.Int32
	readSeq   *atomic.Uint64
	commitSeq *atomic.Uint64

	// mu guards the write set and the statement state; abort takes it to freeze the write set.
	mu       sync.Mutex
	writeSet map[string]mvcc.RowKey
	// Explicit statement opened with BeginStatement.
	inStatement bool
	stmtLocks   []*lock.Lease
	// Why the transaction was rolled back, if it was.
	abortCause error
	abortOnce  sync.Once
	// Closed once the transaction committed or rolled back.
	done chan struct{}
}

func newTxn(id uint64, level isolation.Level, startSeq uint64) *Txn {
	return &Txn{
		ID:        id,
		Level:     level,
		StartSeq:  startSeq,
		StartTime: time.Now(),
		status:    atomic.NewInt32(int32(StatusActive)),
		readSeq:   atomic.NewUint64(startSeq),
		commitSeq: atomic.NewUint64(0),
		writeSet:  make(map[string]mvcc.RowKey),
		done:      make(chan struct{}),
	}
}

func (txn *Txn) Status() Status {
	return Status(txn.status.Load())
}

// ReadSeq is the snapshot the transaction reads at: the start for SNAPSHOT, the current statement for READ
// COMMITTED SNAPSHOT.
func (txn *Txn) ReadSeq() uint64 {
	return txn.readSeq.Load()
}

// CommitSeq is zero until the transaction committed a write.
func (txn *Txn) CommitSeq() uint64 {
	return txn.commitSeq.Load()
}

// WriteSetSize is the number of rows the transaction wrote, its rollback cost.
func (txn *Txn) WriteSetSize() int {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return len(txn.writeSet)
}

// writeKeys returns the write set in key order. The caller holds txn.mu.
func (txn *Txn) writeKeys() []mvcc.RowKey {
	encoded := make([]string, 0, len(txn.writeSet))
	for enc := range txn.writeSet {
		encoded = append(encoded, enc)
	}
	sort.Strings(encoded)
	keys := make([]mvcc.RowKey, len(encoded))
	for i, enc := range encoded {
		keys[i] = txn.writeSet[enc]
	}
	return keys
}

// TxnInfo describes an active transaction for the status API.
type TxnInfo struct {
	ID        uint64          `json:"id"`
	Level     isolation.Level `json:"level"`
	Status    string          `json:"status"`
	StartSeq  uint64          `json:"start_seq"`
	ReadSeq   uint64          `json:"read_seq"`
	Writes    int             `json:"writes"`
	Locks     int             `json:"locks"`
	StartTime time.Time       `json:"start_time"`
	Elapsed   string          `json:"elapsed"`
}
