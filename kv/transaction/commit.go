package transaction

import (
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/commitlog"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/isolation"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/mvcc"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Commit makes the writes of txn durable and visible, then releases its locks. Under SNAPSHOT the commit fails
// with *mvcc.ErrUpdateConflict when another transaction committed a row of the write set after txn started; txn
// is rolled back in that case, as it is on any other commit error.
func (m *Manager) Commit(txn *Txn) error {
	txn.mu.Lock()
	if !txn.status.CAS(int32(StatusActive), int32(StatusPreparing)) {
		txn.mu.Unlock()
		return m.notActive(txn)
	}
	keys := txn.writeKeys()
	txn.stmtLocks = nil
	txn.inStatement = false
	txn.mu.Unlock()

	if len(keys) > 0 {
		start := time.Now()
		if err := m.commitWrites(txn, keys); err != nil {
			m.abortCommit(txn, err)
			return err
		}
		commitDuration.Observe(time.Since(start).Seconds())
	}
	txn.status.Store(int32(StatusCommitted))
	m.locks.ReleaseAll(txn.ID)
	m.finish(txn, "commit")
	close(txn.done)
	log.Debug("txn committed", zap.Uint64("txn", txn.ID), zap.Int("writes", len(keys)),
		zap.Uint64("commit-seq", txn.CommitSeq()))
	return nil
}

// commitWrites runs the commit protocol for a non empty write set:
//  1. latch the rows, which keeps the collector away from them until their images are durable,
//  2. check for update conflicts when the isolation level asks for it,
//  3. assign the commit sequence number and append the commit record, together under commitMu,
//  4. stamp the versions,
//  5. write the row images to storage,
//  6. publish the sequence number once every smaller one is published.
func (m *Manager) commitWrites(txn *Txn, keys []mvcc.RowKey) error {
	latches := make([][]byte, len(keys))
	for i, k := range keys {
		latches[i] = k.Encode()
	}
	m.store.Latches().WaitForLatches(latches)
	defer m.store.Latches().ReleaseLatches(latches)

	if isolation.Lookup(txn.Level, isolation.OpWrite).ConflictCheck {
		for _, k := range keys {
			if err := m.store.CheckConflict(txn.ID, k, txn.StartSeq); err != nil {
				log.Info("update conflict", zap.Uint64("txn", txn.ID), zap.Error(err))
				return err
			}
		}
	}
	images, err := m.store.Pending(txn.ID, keys)
	if err != nil {
		return errors.Trace(err)
	}
	rec := &commitlog.Record{TxnID: txn.ID, Mutations: make([]commitlog.Mutation, len(images))}
	for i, img := range images {
		rec.Mutations[i] = commitlog.Mutation{Table: img.Key.Table, Key: img.Key.Key, Value: img.Data, Tombstone: img.Tombstone}
	}

	m.commitMu.Lock()
	if m.closed.Load() {
		m.commitMu.Unlock()
		return ErrClosed
	}
	seq := m.nextSeq
	rec.CommitSeq = seq
	lsn, err := m.log.Append(rec.Encode())
	if err != nil {
		m.commitMu.Unlock()
		return errors.Annotatef(err, "txn %d append commit record", txn.ID)
	}
	m.nextSeq++
	m.commitMu.Unlock()

	txn.commitSeq.Store(seq)
	m.store.Commit(txn.ID, keys, seq)
	if err := m.storage.Write(mvcc.Mutations(images, seq)); err != nil {
		// The commit record is durable, so the commit cannot be undone; recovery replays it.
		log.Panic("write committed rows failed", zap.Uint64("txn", txn.ID), zap.Uint64("commit-seq", seq), zap.Error(err))
	}
	m.publish(seq, lsn)
	return nil
}

func (m *Manager) publish(seq, lsn uint64) {
	m.pubMu.Lock()
	m.finished[seq] = lsn
	last := m.published.Load()
	for {
		next, ok := m.finished[last+1]
		if !ok {
			break
		}
		delete(m.finished, last+1)
		last++
		m.appliedLSN = next
	}
	m.published.Store(last)
	m.pubMu.Unlock()
	commitSeqGauge.Set(float64(last))
}

// PublishedSeq is the newest commit sequence number whose commit, and every commit before it, is visible.
func (m *Manager) PublishedSeq() uint64 {
	return m.published.Load()
}

// recover replays the commit log into storage, indexes the stored rows and seeds the sequence numbers. Replaying
// a record whose images already reached storage rewrites the same images.
func (m *Manager) recover() error {
	entries, err := m.log.Records()
	if err != nil {
		return errors.Annotate(err, "read commit log")
	}
	var maxSeq uint64
	for _, e := range entries {
		rec, err := commitlog.DecodeRecord(e.Record)
		if err != nil {
			return errors.Annotatef(err, "decode commit record lsn %d", e.LSN)
		}
		images := make([]mvcc.Image, len(rec.Mutations))
		for i, mut := range rec.Mutations {
			images[i] = mvcc.Image{Key: mvcc.RowKey{Table: mut.Table, Key: mut.Key}, Data: mut.Value, Tombstone: mut.Tombstone}
		}
		if err := m.storage.Write(mvcc.Mutations(images, rec.CommitSeq)); err != nil {
			return errors.Annotatef(err, "replay commit record lsn %d", e.LSN)
		}
		if rec.CommitSeq > maxSeq {
			maxSeq = rec.CommitSeq
		}
	}
	stored, err := m.store.Load()
	if err != nil {
		return err
	}
	if stored > maxSeq {
		maxSeq = stored
	}
	m.published.Store(maxSeq)
	m.nextSeq = maxSeq + 1
	commitSeqGauge.Set(float64(maxSeq))
	if len(entries) > 0 {
		// Keep the newest record so the log sequence keeps growing across restarts.
		m.appliedLSN = entries[len(entries)-1].LSN
		if err := m.log.Truncate(m.appliedLSN); err != nil {
			return errors.Annotate(err, "truncate replayed commit log")
		}
	}
	log.Info("transaction manager recovered", zap.Int("replayed", len(entries)), zap.Uint64("published-seq", maxSeq))
	return nil
}

// truncateLog drops the commit records whose row images are durable, keeping the newest of them.
func (m *Manager) truncateLog() error {
	m.pubMu.Lock()
	lsn := m.appliedLSN
	m.pubMu.Unlock()
	if lsn == 0 {
		return nil
	}
	return m.log.Truncate(lsn)
}
