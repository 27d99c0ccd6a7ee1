package lock

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type Status int

const (
	Granted Status = iota
	Waiting
)

func (s Status) String() string {
	if s == Granted {
		return "GRANT"
	}
	return "WAIT"
}

type Config struct {
	Shards int
	// Row grants under one table before escalation is attempted. Zero disables escalation.
	EscalationThreshold int
	// Row grants to wait for before retrying a skipped escalation.
	EscalationRetryStep int
	// Incompatible bypasses a waiting request tolerates before it blocks every later request.
	StarvationSkipLimit int
	// Zero waits forever.
	WaitTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Shards:              64,
		EscalationThreshold: 5000,
		EscalationRetryStep: 1250,
		StarvationSkipLimit: 8,
	}
}

var (
	errReleased   = errors.New("lock request cancelled, transaction released its locks")
	errUnknownTxn = errors.New("transaction is not registered with the lock manager")
)

// Request is one transaction's grant or pending request on one resource.
type Request struct {
	TxnID    uint64
	Resource ResourceID
	// Mode is the granted mode, Want the requested one.
	Mode       Mode
	Want       Mode
	Status     Status
	QueuedAt   time.Time
	skipped    int
	conversion bool
	// A statement lock: not counted toward escalation until a transaction long request converts it.
	short bool
	// Receives exactly one value when a waiting request leaves the queue. The request stays the pending request
	// of its transaction until the value is consumed.
	ch chan error
}

type lockHead struct {
	granted map[uint64]*Request
	waiting []*Request
}

func (h *lockHead) empty() bool {
	return len(h.granted) == 0 && len(h.waiting) == 0
}

type shard struct {
	mu    sync.Mutex
	heads map[string]*lockHead
}

// txnLocks indexes the locks of one transaction. Lock order is shard.mu before txnLocks.mu.
type txnLocks struct {
	mu             sync.Mutex
	held           map[string]*Request
	pending        *Request
	rows           map[uint32]int
	nextEscalation map[uint32]int
	closed         bool
}

// Manager owns the lock table. The table is split into shards selected by a hash of the resource id; each shard
// has its own mutex and there is no global lock.
type Manager struct {
	conf   Config
	shards []*shard
	txns   sync.Map
	// Called after a request starts waiting, outside every lock manager mutex.
	onBlock func(txnID uint64)
}

func NewManager(conf Config) *Manager {
	if conf.Shards <= 0 {
		conf.Shards = 1
	}
	if conf.StarvationSkipLimit <= 0 {
		conf.StarvationSkipLimit = DefaultConfig().StarvationSkipLimit
	}
	if conf.EscalationRetryStep <= 0 {
		conf.EscalationRetryStep = conf.EscalationThreshold/4 + 1
	}
	m := &Manager{conf: conf, shards: make([]*shard, conf.Shards)}
	for i := range m.shards {
		m.shards[i] = &shard{heads: make(map[string]*lockHead)}
	}
	return m
}

// SetBlockHook installs f to run whenever a request has to wait.
func (m *Manager) SetBlockHook(f func(txnID uint64)) {
	m.onBlock = f
}

// Register must be called before a transaction acquires its first lock.
func (m *Manager) Register(txnID uint64) {
	m.txns.Store(txnID, &txnLocks{
		held:           make(map[string]*Request),
		rows:           make(map[uint32]int),
		nextEscalation: make(map[uint32]int),
	})
}

func (m *Manager) txnLocks(txnID uint64) *txnLocks {
	if v, ok := m.txns.Load(txnID); ok {
		return v.(*txnLocks)
	}
	return nil
}

func (m *Manager) shardIndex(res ResourceID) int {
	return int(res.hash() % uint64(len(m.shards)))
}

func (m *Manager) shardFor(res ResourceID) *shard {
	return m.shards[m.shardIndex(res)]
}

// Lease lists the resources an Acquire call granted for the first time, so a statement-duration lock can be
// released without touching locks the transaction held before.
type Lease struct {
	TxnID     uint64
	Resources []ResourceID
}

// Acquire locks res in mode for txnID, first taking the matching intent locks on the covering page and table. It
// blocks while the request is incompatible and returns nil once granted, an *ErrLockTimeout when the lock wait
// timeout elapses, an *ErrDeadlockVictim when the transaction was chosen as a deadlock victim, or the context error.
func (m *Manager) Acquire(ctx context.Context, txnID uint64, res ResourceID, mode Mode) (*Lease, error) {
	return m.acquire(ctx, txnID, res, mode, false)
}

// AcquireShort is Acquire for a lock the caller releases at the end of the current statement. Short row locks
// neither count toward nor trigger escalation, so they are never traded for a table lock that would outlive the
// statement.
func (m *Manager) AcquireShort(ctx context.Context, txnID uint64, res ResourceID, mode Mode) (*Lease, error) {
	return m.acquire(ctx, txnID, res, mode, true)
}

func (m *Manager) acquire(ctx context.Context, txnID uint64, res ResourceID, mode Mode, short bool) (*Lease, error) {
	lease := &Lease{TxnID: txnID}
	path := res.path()
	for i, r := range path {
		want := mode
		if i < len(path)-1 {
			want = IntentFor(mode)
			if want == NoLock {
				continue
			}
		}
		if i > 0 && m.coveredByAncestors(txnID, path[:i], want) {
			return lease, nil
		}
		fresh, err := m.acquireOne(ctx, txnID, r, want, short, false)
		if err != nil {
			// A victim is rolled back as a whole.
			if _, victim := errors.Cause(err).(*ErrDeadlockVictim); !victim {
				m.ReleaseLease(lease)
			}
			return nil, err
		}
		if fresh {
			lease.Resources = append(lease.Resources, r)
		}
	}
	if res.Level == LevelRow && !short {
		m.maybeEscalate(txnID, res.Table)
	}
	return lease, nil
}

// TryAcquire is the non-blocking form of Acquire on a single resource, without intent locks. A Waiting request
// stays queued; the caller either calls Wait or Cancel next.
func (m *Manager) TryAcquire(txnID uint64, res ResourceID, mode Mode) (Status, error) {
	tl := m.txnLocks(txnID)
	if tl == nil {
		return Granted, errUnknownTxn
	}
	sh := m.shardFor(res)
	sh.mu.Lock()
	status, req, err := m.tryLocked(sh, tl, txnID, res, mode, false)
	sh.mu.Unlock()
	if err != nil || status == Granted {
		return status, err
	}
	lockRequestCounter.WithLabelValues(req.Want.String(), "wait").Inc()
	if m.onBlock != nil {
		m.onBlock(txnID)
	}
	return Waiting, nil
}

// Wait blocks until the pending request of txnID leaves the queue.
func (m *Manager) Wait(ctx context.Context, txnID uint64) error {
	tl := m.txnLocks(txnID)
	if tl == nil {
		return errUnknownTxn
	}
	tl.mu.Lock()
	req := tl.pending
	tl.mu.Unlock()
	if req == nil {
		return nil
	}
	_, err := m.wait(ctx, tl, req)
	return err
}

// Cancel withdraws the pending request of txnID. It returns false when there was nothing left to cancel.
func (m *Manager) Cancel(txnID uint64) bool {
	tl := m.txnLocks(txnID)
	if tl == nil {
		return false
	}
	tl.mu.Lock()
	req := tl.pending
	tl.mu.Unlock()
	if req == nil || !m.cancel(req) {
		return false
	}
	<-req.ch
	clearPending(tl, req)
	return true
}

// AcquireNoWait grants mode on a single resource or fails with *ErrBlocked without queueing.
func (m *Manager) AcquireNoWait(txnID uint64, res ResourceID, mode Mode) error {
	_, err := m.acquireOne(context.Background(), txnID, res, mode, false, true)
	return err
}

func (m *Manager) coveredByAncestors(txnID uint64, ancestors []ResourceID, want Mode) bool {
	tl := m.txnLocks(txnID)
	if tl == nil {
		return false
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	for _, a := range ancestors {
		if r, ok := tl.held[a.String()]; ok && CoversChild(r.Mode, want) {
			return true
		}
	}
	return false
}

func (m *Manager) acquireOne(ctx context.Context, txnID uint64, res ResourceID, mode Mode, short, noWait bool) (bool, error) {
	tl := m.txnLocks(txnID)
	if tl == nil {
		return false, errUnknownTxn
	}
	sh := m.shardFor(res)
	sh.mu.Lock()
	status, req, err := m.tryLocked(sh, tl, txnID, res, mode, short)
	if err != nil {
		sh.mu.Unlock()
		return false, err
	}
	if status == Granted {
		sh.mu.Unlock()
		lockRequestCounter.WithLabelValues(mode.String(), "grant").Inc()
		return req != nil, nil
	}
	if noWait {
		m.removeWaiterLocked(sh, req)
		sh.mu.Unlock()
		clearPending(tl, req)
		lockRequestCounter.WithLabelValues(mode.String(), "blocked").Inc()
		return false, &ErrBlocked{TxnID: txnID, Resource: res, Mode: mode}
	}
	sh.mu.Unlock()

	lockRequestCounter.WithLabelValues(mode.String(), "wait").Inc()
	log.Debug("lock request waiting",
		zap.Uint64("txn", txnID), zap.Stringer("resource", res), zap.Stringer("mode", mode))
	if m.onBlock != nil {
		m.onBlock(txnID)
	}
	return m.wait(ctx, tl, req)
}

// tryLocked grants or queues a request. It must be called with sh.mu held. The returned request is the new
// grant for a fresh grant, nil for a grant already covered or converted in place, and the queued request when
// waiting.
func (m *Manager) tryLocked(sh *shard, tl *txnLocks, txnID uint64, res ResourceID, mode Mode, short bool) (Status, *Request, error) {
	key := res.String()
	head, ok := sh.heads[key]
	if !ok {
		head = &lockHead{granted: make(map[uint64]*Request)}
		sh.heads[key] = head
	}

	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.closed {
		if head.empty() {
			delete(sh.heads, key)
		}
		return Granted, nil, errReleased
	}

	if held, ok := head.granted[txnID]; ok {
		target := Combine(held.Mode, mode)
		if target == held.Mode {
			if !short {
				lengthen(tl, held)
			}
			return Granted, nil, nil
		}
		if m.compatibleWithGranted(head, txnID, target) && m.mayBypass(head, target) {
			m.bumpSkipped(head, len(head.waiting), target)
			held.Mode = target
			held.Want = target
			if !short {
				lengthen(tl, held)
			}
			return Granted, nil, nil
		}
		req := m.newWaiter(txnID, res, target, true)
		req.short = short
		// Conversions queue ahead of fresh requests, in arrival order among themselves.
		pos := 0
		for pos < len(head.waiting) && head.waiting[pos].conversion {
			pos++
		}
		head.waiting = append(head.waiting, nil)
		copy(head.waiting[pos+1:], head.waiting[pos:])
		head.waiting[pos] = req
		tl.pending = req
		return Waiting, req, nil
	}

	if m.compatibleWithGranted(head, txnID, mode) && m.mayBypass(head, mode) {
		m.bumpSkipped(head, len(head.waiting), mode)
		req := &Request{TxnID: txnID, Resource: res, Mode: mode, Want: mode, Status: Granted, QueuedAt: time.Now(),
			short: short}
		head.granted[txnID] = req
		tl.held[key] = req
		if res.Level == LevelRow && !short {
			tl.rows[res.Table]++
		}
		return Granted, req, nil
	}
	req := m.newWaiter(txnID, res, mode, false)
	req.short = short
	head.waiting = append(head.waiting, req)
	tl.pending = req
	return Waiting, req, nil
}

// lengthen makes a short grant count toward escalation once a transaction long request holds it. The caller
// holds tl.mu.
func lengthen(tl *txnLocks, held *Request) {
	if !held.short {
		return
	}
	held.short = false
	if held.Resource.Level == LevelRow {
		tl.rows[held.Resource.Table]++
	}
}

func (m *Manager) newWaiter(txnID uint64, res ResourceID, want Mode, conversion bool) *Request {
	return &Request{
		TxnID:      txnID,
		Resource:   res,
		Want:       want,
		Status:     Waiting,
		QueuedAt:   time.Now(),
		conversion: conversion,
		ch:         make(chan error, 1),
	}
}

func (m *Manager) compatibleWithGranted(head *lockHead, txnID uint64, mode Mode) bool {
	for id, g := range head.granted {
		if id != txnID && !Compatible(g.Mode, mode) {
			return false
		}
	}
	return true
}

// mayBypass reports whether a request for mode may be granted ahead of every waiter of head. Waiters that were
// bypassed StarvationSkipLimit times must not be delayed any further.
func (m *Manager) mayBypass(head *lockHead, mode Mode) bool {
	return m.mayBypassFirst(head, len(head.waiting), mode)
}

func (m *Manager) mayBypassFirst(head *lockHead, n int, mode Mode) bool {
	for _, w := range head.waiting[:n] {
		if w.skipped >= m.conf.StarvationSkipLimit && !Compatible(w.Want, mode) {
			return false
		}
	}
	return true
}

func (m *Manager) bumpSkipped(head *lockHead, n int, mode Mode) {
	for _, w := range head.waiting[:n] {
		if !Compatible(w.Want, mode) {
			w.skipped++
		}
	}
}

// promoteLocked grants waiting requests in queue order. A waiter compatible with the current grants may pass
// earlier incompatible waiters, each of which counts the bypass; a waiter that reached the skip limit blocks
// every later incompatible waiter.
func (m *Manager) promoteLocked(sh *shard, key string, head *lockHead) {
	i := 0
	for i < len(head.waiting) {
		w := head.waiting[i]
		if !m.compatibleWithGranted(head, w.TxnID, w.Want) || !m.mayBypassFirst(head, i, w.Want) {
			i++
			continue
		}
		m.bumpSkipped(head, i, w.Want)
		head.waiting = append(head.waiting[:i], head.waiting[i+1:]...)
		m.grantLocked(head, w)
	}
	if head.empty() {
		delete(sh.heads, key)
	}
}

func (m *Manager) grantLocked(head *lockHead, w *Request) {
	tl := m.txnLocks(w.TxnID)
	if tl == nil {
		w.ch <- errReleased
		return
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.closed {
		w.ch <- errReleased
		return
	}
	if w.conversion {
		if held, ok := head.granted[w.TxnID]; ok {
			held.Mode = w.Want
			held.Want = w.Want
			if !w.short {
				lengthen(tl, held)
			}
		}
	} else {
		w.Mode = w.Want
		w.Status = Granted
		head.granted[w.TxnID] = w
		tl.held[w.Resource.String()] = w
		if w.Resource.Level == LevelRow && !w.short {
			tl.rows[w.Resource.Table]++
		}
	}
	w.ch <- nil
}

func (m *Manager) wait(ctx context.Context, tl *txnLocks, req *Request) (bool, error) {
	var timeout <-chan time.Time
	if m.conf.WaitTimeout > 0 {
		timer := time.NewTimer(m.conf.WaitTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	start := time.Now()
	defer func() {
		clearPending(tl, req)
		lockWaitHistogram.Observe(time.Since(start).Seconds())
	}()

	select {
	case err := <-req.ch:
		return m.waitResult(req, err)
	case <-timeout:
		if m.cancel(req) {
			<-req.ch
			lockRequestCounter.WithLabelValues(req.Want.String(), "timeout").Inc()
			log.Info("lock wait timeout",
				zap.Uint64("txn", req.TxnID), zap.Stringer("resource", req.Resource), zap.Stringer("mode", req.Want))
			return false, &ErrLockTimeout{TxnID: req.TxnID, Resource: req.Resource, Mode: req.Want, Waited: time.Since(start)}
		}
		return m.waitResult(req, <-req.ch)
	case <-ctx.Done():
		if m.cancel(req) {
			<-req.ch
			return false, errors.Trace(ctx.Err())
		}
		return m.waitResult(req, <-req.ch)
	}
}

func (m *Manager) waitResult(req *Request, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	return !req.conversion, nil
}

// cancel removes a waiting request from its queue and sends errReleased on its channel. It returns false when the
// request already left the queue.
func (m *Manager) cancel(req *Request) bool {
	return m.failWaiter(req, errReleased)
}

func (m *Manager) failWaiter(req *Request, err error) bool {
	sh := m.shardFor(req.Resource)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if !m.removeWaiterLocked(sh, req) {
		return false
	}
	req.ch <- err
	return true
}

// clearPending forgets req once its waiter consumed the result.
func clearPending(tl *txnLocks, req *Request) {
	if tl == nil {
		return
	}
	tl.mu.Lock()
	if tl.pending == req {
		tl.pending = nil
	}
	tl.mu.Unlock()
}

func (m *Manager) removeWaiterLocked(sh *shard, req *Request) bool {
	key := req.Resource.String()
	head, ok := sh.heads[key]
	if !ok {
		return false
	}
	found := false
	for i, w := range head.waiting {
		if w == req {
			head.waiting = append(head.waiting[:i], head.waiting[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return false
	}
	// The withdrawn request may have been holding back later waiters.
	m.promoteLocked(sh, key, head)
	return true
}

// Victimize fails the pending request of txnID with an *ErrDeadlockVictim. It returns false when the transaction
// was not waiting.
func (m *Manager) Victimize(txnID uint64, cycle []uint64) bool {
	tl := m.txnLocks(txnID)
	if tl == nil {
		return false
	}
	tl.mu.Lock()
	req := tl.pending
	tl.mu.Unlock()
	if req == nil {
		return false
	}
	ok := m.failWaiter(req, &ErrDeadlockVictim{TxnID: txnID, Cycle: cycle})
	if ok {
		lockRequestCounter.WithLabelValues(req.Want.String(), "victim").Inc()
	}
	return ok
}

// Release drops the grant txnID holds on res and wakes the waiters it was blocking.
func (m *Manager) Release(txnID uint64, res ResourceID) {
	key := res.String()
	sh := m.shardFor(res)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	head, ok := sh.heads[key]
	if !ok {
		return
	}
	g, ok := head.granted[txnID]
	if !ok {
		return
	}
	delete(head.granted, txnID)
	if tl := m.txnLocks(txnID); tl != nil {
		tl.mu.Lock()
		delete(tl.held, key)
		if res.Level == LevelRow && !g.short {
			tl.rows[res.Table]--
		}
		tl.mu.Unlock()
	}
	m.promoteLocked(sh, key, head)
}

// ReleaseLease releases the fresh grants of an Acquire call, finest first.
func (m *Manager) ReleaseLease(lease *Lease) {
	if lease == nil {
		return
	}
	for i := len(lease.Resources) - 1; i >= 0; i-- {
		m.Release(lease.TxnID, lease.Resources[i])
	}
	lease.Resources = nil
}

// ReleaseAll withdraws the pending request of txnID, releases every grant it holds and forgets the transaction.
// Later requests from txnID fail. It is idempotent and returns the number of released grants.
func (m *Manager) ReleaseAll(txnID uint64) int {
	tl := m.txnLocks(txnID)
	if tl == nil {
		return 0
	}
	tl.mu.Lock()
	if tl.closed {
		tl.mu.Unlock()
		return 0
	}
	tl.closed = true
	pending := tl.pending
	held := make([]ResourceID, 0, len(tl.held))
	for _, r := range tl.held {
		held = append(held, r.Resource)
	}
	tl.mu.Unlock()

	if pending != nil {
		m.cancel(pending)
	}
	// Visit shards in ascending order, one at a time.
	byShard := make([][]ResourceID, len(m.shards))
	for _, res := range held {
		idx := m.shardIndex(res)
		byShard[idx] = append(byShard[idx], res)
	}
	for _, resources := range byShard {
		for _, res := range resources {
			m.Release(txnID, res)
		}
	}
	m.txns.Delete(txnID)
	return len(held)
}
