package transaction

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/commitlog"
	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/deadlock"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/isolation"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/lock"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/mvcc"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// KV is one row returned by Scan.
type KV struct {
	Key   []byte
	Value []byte
}

// Manager runs transactions over a lock manager and a version store. It owns the deadlock detector, the garbage
// collector of the version store and the commit log.
type Manager struct {
	conf      config.TxnConfig
	storage   storage.Storage
	log       commitlog.Log
	locks     *lock.Manager
	store     *mvcc.Store
	detector  *deadlock.Detector
	snapshots *snapshotRegistry

	txns   sync.Map
	active *atomic.Int64
	nextID *atomic.Uint64

	// commitMu is the only global critical section: it orders sequence number assignment with the log append.
	commitMu sync.Mutex
	nextSeq  uint64

	// Commits finish out of order; published only advances over a gap free prefix of finished sequence numbers.
	pubMu      sync.Mutex
	finished   map[uint64]uint64
	published  *atomic.Uint64
	appliedLSN uint64

	gc *collector

	started *atomic.Bool
	closed  *atomic.Bool
}

// NewManager replays the commit log into st, indexes the stored rows and returns a manager whose sequence numbers
// continue after the newest recovered commit. st must be started.
func NewManager(conf config.TxnConfig, st storage.Storage) (*Manager, error) {
	clog, err := commitlog.OpenStorageLog(st)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		conf:    conf,
		storage: st,
		log:     clog,
		locks: lock.NewManager(lock.Config{
			Shards:              conf.LockTableShards,
			EscalationThreshold: conf.LockEscalationThreshold,
			StarvationSkipLimit: conf.StarvationSkipLimit,
			WaitTimeout:         conf.LockWaitTimeout.Duration,
		}),
		store: mvcc.NewStore(mvcc.Config{
			Shards:          conf.VersionStoreShards,
			Budget:          uint64(conf.VersionStoreBudget),
			DebugInvariants: conf.DebugInvariants,
		}, st),
		snapshots: newSnapshotRegistry(),
		active:    atomic.NewInt64(0),
		nextID:    atomic.NewUint64(0),
		finished:  make(map[uint64]uint64),
		published: atomic.NewUint64(0),
		started:   atomic.NewBool(false),
		closed:    atomic.NewBool(false),
	}
	if err := m.recover(); err != nil {
		return nil, err
	}
	m.detector = deadlock.NewDetector(m.locks, m.cost, m.abortVictim)
	if conf.DeadlockDetectOnBlock {
		m.locks.SetBlockHook(func(uint64) { m.detector.Detect() })
	}
	m.gc = newCollector(m)
	m.store.SetOverBudgetHook(m.gc.trigger)
	return m, nil
}

// Start runs the periodic deadlock detector and the version store collector.
func (m *Manager) Start() {
	if !m.started.CAS(false, true) {
		return
	}
	m.detector.Start(m.conf.DeadlockCheckInterval.Duration)
	m.gc.start(m.conf.GCInterval.Duration)
	log.Info("transaction manager started",
		zap.Duration("deadlock-check-interval", m.conf.DeadlockCheckInterval.Duration),
		zap.Duration("gc-interval", m.conf.GCInterval.Duration),
		zap.Uint64("published-seq", m.published.Load()))
}

// Close stops the background workers and rolls back every transaction still active. Commits in flight are
// waited for.
func (m *Manager) Close() {
	if !m.closed.CAS(false, true) {
		return
	}
	if m.started.Load() {
		m.detector.Stop()
		m.gc.stop()
	}
	rolledBack := 0
	m.txns.Range(func(_, v interface{}) bool {
		txn := v.(*Txn)
		m.abort(txn, ErrClosed)
		<-txn.done
		if txn.Status() == StatusAborted {
			rolledBack++
		}
		return true
	})
	log.Info("transaction manager closed", zap.Int("rolled-back", rolledBack))
}

// Begin starts a transaction. READ COMMITTED runs as READ COMMITTED SNAPSHOT when the manager is configured so.
func (m *Manager) Begin(level isolation.Level) (*Txn, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	level = isolation.Effective(level, m.conf.ReadCommittedSnapshot)
	if level == isolation.Snapshot && !m.conf.SnapshotIsolationEnabled {
		return nil, ErrSnapshotDisabled
	}
	id := m.nextID.Inc()
	if id == 0 {
		return nil, ErrIDExhausted
	}
	var txn *Txn
	if isolation.UsesSnapshot(level) {
		seq := m.snapshots.register(id, m.published.Load)
		txn = newTxn(id, level, seq)
	} else {
		txn = newTxn(id, level, m.published.Load())
	}
	m.locks.Register(id)
	m.txns.Store(id, txn)
	m.active.Inc()
	activeTxnGauge.Inc()
	log.Debug("txn begin", zap.Uint64("txn", id), zap.Stringer("level", level), zap.Uint64("start-seq", txn.StartSeq))
	return txn, nil
}

// Get returns the active transaction with the given id.
func (m *Manager) Get(id uint64) (*Txn, error) {
	if v, ok := m.txns.Load(id); ok {
		return v.(*Txn), nil
	}
	return nil, ErrTxnNotFound(id)
}

// BeginStatement opens an explicit statement. Until EndStatement, READ COMMITTED keeps its statement locks and
// READ COMMITTED SNAPSHOT reads at one snapshot. Outside an explicit statement every operation is a statement of
// its own.
func (m *Manager) BeginStatement(txn *Txn) error {
	txn.mu.Lock()
	if txn.Status() != StatusActive {
		txn.mu.Unlock()
		return m.notActive(txn)
	}
	leases := txn.stmtLocks
	txn.stmtLocks = nil
	txn.inStatement = true
	txn.mu.Unlock()
	m.releaseStatementLocks(txn, leases)
	m.refreshSnapshot(txn)
	return nil
}

// EndStatement closes the explicit statement and releases its statement locks.
func (m *Manager) EndStatement(txn *Txn) {
	txn.mu.Lock()
	leases := txn.stmtLocks
	txn.stmtLocks = nil
	txn.inStatement = false
	txn.mu.Unlock()
	m.releaseStatementLocks(txn, leases)
}

// startOp checks txn is active and opens an implicit statement when no explicit one is open.
func (m *Manager) startOp(txn *Txn) (bool, error) {
	txn.mu.Lock()
	if txn.Status() != StatusActive {
		txn.mu.Unlock()
		return false, m.notActive(txn)
	}
	implicit := !txn.inStatement
	txn.mu.Unlock()
	if implicit {
		m.refreshSnapshot(txn)
	}
	return implicit, nil
}

func (m *Manager) endOp(txn *Txn, implicit bool) {
	if implicit {
		m.EndStatement(txn)
	}
}

func (m *Manager) refreshSnapshot(txn *Txn) {
	if !isolation.Lookup(txn.Level, isolation.OpRead).RefreshPerStatement {
		return
	}
	txn.readSeq.Store(m.snapshots.register(txn.ID, m.published.Load))
}

// releaseStatementLocks drops the row locks a statement took for its own duration. Intent locks stay until the
// end of the transaction, and a row lock the transaction since converted to a stronger mode is kept.
func (m *Manager) releaseStatementLocks(txn *Txn, leases []*lock.Lease) {
	for i := len(leases) - 1; i >= 0; i-- {
		for _, res := range leases[i].Resources {
			if res.Level == lock.LevelRow && m.locks.HeldMode(txn.ID, res) == lock.S {
				m.locks.Release(txn.ID, res)
			}
		}
	}
}

// acquire takes a lock for txn. A deadlock victim is rolled back before the error is returned.
func (m *Manager) acquire(ctx context.Context, txn *Txn, res lock.ResourceID, mode lock.Mode, d isolation.Duration) (*lock.Lease, error) {
	acquire := m.locks.Acquire
	if d == isolation.DurationStatement {
		acquire = m.locks.AcquireShort
	}
	lease, err := acquire(ctx, txn.ID, res, mode)
	if err != nil {
		switch Classify(err) {
		case KindDeadlockVictim:
			m.abort(txn, err)
			return nil, err
		case KindLockTimeout, KindCanceled:
			return nil, err
		}
		if txn.Status() != StatusActive {
			return nil, m.notActive(txn)
		}
		return nil, errors.Annotatef(err, "txn %d lock %s on %s", txn.ID, mode, res)
	}
	if d == isolation.DurationStatement && len(lease.Resources) > 0 {
		txn.mu.Lock()
		txn.stmtLocks = append(txn.stmtLocks, lease)
		txn.mu.Unlock()
	}
	return lease, nil
}

func (m *Manager) view(txn *Txn, p isolation.Policy) mvcc.View {
	switch p.View {
	case isolation.ViewLatest:
		return mvcc.LatestView(txn.ID)
	case isolation.ViewSnapshot:
		return mvcc.SnapshotView(txn.ID, txn.ReadSeq())
	}
	return mvcc.CommittedView(txn.ID)
}

// Read returns the row visible to txn under its isolation level. found is false when the row does not exist.
func (m *Manager) Read(ctx context.Context, txn *Txn, table uint32, key []byte) (value []byte, found bool, err error) {
	implicit, err := m.startOp(txn)
	if err != nil {
		return nil, false, err
	}
	defer m.endOp(txn, implicit)

	p := isolation.Lookup(txn.Level, isolation.OpRead)
	if p.Lock != lock.NoLock {
		if p.KeyRange {
			err = m.lockRange(ctx, txn, table, key, pointEnd(key), p)
		} else {
			_, err = m.acquire(ctx, txn, lock.RowResource(table, 0, key), p.Lock, p.Duration)
		}
		if err != nil {
			return nil, false, err
		}
	}
	value, found, err = m.store.Read(mvcc.RowKey{Table: table, Key: key}, m.view(txn, p))
	return value, found, errors.Trace(err)
}

// Write stores data as the new image of a row. The row lock is exclusive and held until the end of the
// transaction under every isolation level.
func (m *Manager) Write(ctx context.Context, txn *Txn, table uint32, key, data []byte) error {
	return m.write(ctx, txn, table, key, data, false)
}

// Delete removes a row by writing a tombstone.
func (m *Manager) Delete(ctx context.Context, txn *Txn, table uint32, key []byte) error {
	return m.write(ctx, txn, table, key, nil, true)
}

func (m *Manager) write(ctx context.Context, txn *Txn, table uint32, key, data []byte, tombstone bool) error {
	implicit, err := m.startOp(txn)
	if err != nil {
		return err
	}
	defer m.endOp(txn, implicit)

	p := isolation.Lookup(txn.Level, isolation.OpWrite)
	var insertGap *lock.ResourceID
	if !m.store.Contains(table, key) {
		gap, fresh, err := m.lockInsertGap(ctx, txn, table, key)
		if err != nil {
			return err
		}
		if fresh {
			insertGap = &gap
		}
	}
	// The insert lock on the gap is only held until the key is indexed; from then on the row lock protects it.
	defer func() {
		if insertGap != nil {
			m.locks.Release(txn.ID, *insertGap)
		}
	}()
	if _, err := m.acquire(ctx, txn, lock.RowResource(table, 0, key), p.Lock, p.Duration); err != nil {
		return err
	}

	rk := mvcc.RowKey{Table: table, Key: append([]byte(nil), key...)}
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if txn.Status() != StatusActive {
		return &ErrTxnNotActive{TxnID: txn.ID, Status: txn.Status(), Cause: txn.abortCause}
	}
	if err := m.store.Write(txn.ID, rk, data, tombstone); err != nil {
		return errors.Trace(err)
	}
	txn.writeSet[string(rk.Encode())] = rk
	return nil
}

// Scan returns the rows of table in [start, end) visible to txn, in key order. A nil end is unbounded. Under
// SERIALIZABLE the scanned range is locked so no row can be inserted into it before txn ends.
func (m *Manager) Scan(ctx context.Context, txn *Txn, table uint32, start, end []byte) ([]KV, error) {
	implicit, err := m.startOp(txn)
	if err != nil {
		return nil, err
	}
	defer m.endOp(txn, implicit)

	p := isolation.Lookup(txn.Level, isolation.OpScan)
	if p.KeyRange {
		if err := m.lockRange(ctx, txn, table, start, end, p); err != nil {
			return nil, err
		}
	}
	scan := m.store.NewScanner(table, start, end, m.view(txn, p))
	if p.Lock != lock.NoLock && !p.KeyRange {
		scan.BeforeRead = func(key []byte) error {
			_, err := m.acquire(ctx, txn, lock.RowResource(table, 0, key), p.Lock, p.Duration)
			return err
		}
	}
	var rows []KV
	for {
		key, value, err := scan.Next()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if key == nil {
			return rows, nil
		}
		rows = append(rows, KV{Key: key, Value: value})
	}
}

// Rollback discards the writes of txn and releases its locks. It is a no-op on a finished transaction. When a
// commit of txn is in flight Rollback waits for it; the commit decides the outcome.
func (m *Manager) Rollback(txn *Txn) {
	m.abort(txn, nil)
	<-txn.done
}

// abort rolls back an active transaction. It is shared by Rollback, Close and the deadlock detector; the first
// caller rolls txn back and concurrent callers return once it is done. A transaction that already started
// committing is left alone.
func (m *Manager) abort(txn *Txn, cause error) {
	txn.abortOnce.Do(func() {
		txn.mu.Lock()
		if !txn.status.CAS(int32(StatusActive), int32(StatusAborted)) {
			txn.mu.Unlock()
			return
		}
		m.rollbackLocked(txn, cause)
	})
}

// abortCommit rolls back a transaction whose commit failed. Only Commit calls it, while it owns the Preparing state.
func (m *Manager) abortCommit(txn *Txn, cause error) {
	txn.mu.Lock()
	txn.status.Store(int32(StatusAborted))
	m.rollbackLocked(txn, cause)
}

// rollbackLocked undoes txn after its status moved to Aborted. It is entered with txn.mu held and releases it.
func (m *Manager) rollbackLocked(txn *Txn, cause error) {
	txn.abortCause = cause
	keys := txn.writeKeys()
	// Versions go before the locks so the next writer of a row never finds them.
	m.store.Abort(txn.ID, keys)
	txn.stmtLocks = nil
	txn.mu.Unlock()

	released := m.locks.ReleaseAll(txn.ID)
	result := "rollback"
	switch Classify(cause) {
	case KindDeadlockVictim:
		result = "victim"
	case KindUpdateConflict:
		result = "conflict"
	}
	m.finish(txn, result)
	close(txn.done)
	log.Debug("txn rolled back", zap.Uint64("txn", txn.ID), zap.Int("writes", len(keys)),
		zap.Int("locks", released), zap.String("result", result))
}

func (m *Manager) abortVictim(txnID uint64, cycle []uint64) {
	v, ok := m.txns.Load(txnID)
	if !ok {
		return
	}
	m.abort(v.(*Txn), &lock.ErrDeadlockVictim{TxnID: txnID, Cycle: cycle})
}

func (m *Manager) cost(txnID uint64) int {
	v, ok := m.txns.Load(txnID)
	if !ok {
		return 0
	}
	return v.(*Txn).WriteSetSize()
}

// finish forgets a transaction that committed or rolled back.
func (m *Manager) finish(txn *Txn, result string) {
	m.snapshots.unregister(txn.ID)
	if _, loaded := m.txns.Load(txn.ID); loaded {
		m.txns.Delete(txn.ID)
		m.active.Dec()
		activeTxnGauge.Dec()
	}
	txnCounter.WithLabelValues(txn.Level.String(), result).Inc()
	txnDuration.WithLabelValues(result).Observe(time.Since(txn.StartTime).Seconds())
}

func (m *Manager) notActive(txn *Txn) error {
	txn.mu.Lock()
	cause := txn.abortCause
	txn.mu.Unlock()
	return &ErrTxnNotActive{TxnID: txn.ID, Status: txn.Status(), Cause: cause}
}

// Info describes txn.
func (m *Manager) Info(txn *Txn) TxnInfo {
	return TxnInfo{
		ID:        txn.ID,
		Level:     txn.Level,
		Status:    txn.Status().String(),
		StartSeq:  txn.StartSeq,
		ReadSeq:   txn.ReadSeq(),
		Writes:    txn.WriteSetSize(),
		Locks:     len(m.locks.HeldBy(txn.ID)),
		StartTime: txn.StartTime,
		Elapsed:   time.Since(txn.StartTime).String(),
	}
}

// ActiveTxns describes the active transactions, oldest first.
func (m *Manager) ActiveTxns() []TxnInfo {
	var infos []TxnInfo
	m.txns.Range(func(_, v interface{}) bool {
		infos = append(infos, m.Info(v.(*Txn)))
		return true
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Stats summarizes the manager for the status API.
type Stats struct {
	Active       int64         `json:"active"`
	Snapshots    int           `json:"snapshots"`
	PublishedSeq uint64        `json:"published_seq"`
	Watermark    uint64        `json:"watermark"`
	Locks        lock.Stats    `json:"locks"`
	VersionStore mvcc.Stats    `json:"version_store"`
	LastGC       mvcc.GCResult `json:"last_gc"`
	Deadlocks    int           `json:"deadlocks"`
}

func (m *Manager) Stats() Stats {
	return Stats{
		Active:       m.active.Load(),
		Snapshots:    m.snapshots.len(),
		PublishedSeq: m.published.Load(),
		Watermark:    m.snapshots.watermark(m.published.Load),
		Locks:        m.locks.Stats(),
		VersionStore: m.store.Stats(),
		LastGC:       m.gc.last(),
		Deadlocks:    len(m.detector.Recent()),
	}
}

// Locks is the lock manager of m.
func (m *Manager) Locks() *lock.Manager {
	return m.locks
}

// Store is the version store of m.
func (m *Manager) Store() *mvcc.Store {
	return m.store
}

// Detector is the deadlock detector of m.
func (m *Manager) Detector() *deadlock.Detector {
	return m.detector
}

// Config returns the configuration m was created with.
func (m *Manager) Config() config.TxnConfig {
	return m.conf
}
