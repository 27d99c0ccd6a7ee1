package lock

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// maybeEscalate trades the row and page locks txnID holds under table for a single table lock once their number
// exceeds the escalation threshold. The table lock is tried without waiting; when it is blocked the transaction
// keeps its fine grained locks and the next attempt is made after EscalationRetryStep more row grants.
func (m *Manager) maybeEscalate(txnID uint64, table uint32) {
	if m.conf.EscalationThreshold <= 0 {
		return
	}
	tl := m.txnLocks(txnID)
	if tl == nil {
		return
	}
	tl.mu.Lock()
	count := tl.rows[table]
	if count <= m.conf.EscalationThreshold || count < tl.nextEscalation[table] {
		tl.mu.Unlock()
		return
	}
	target := S
	for _, r := range tl.held {
		if r.Resource.Table != table || r.Resource.Level == LevelTable {
			continue
		}
		if r.Mode != S && r.Mode != IS {
			target = X
			break
		}
	}
	if held, ok := tl.held[TableResource(table).String()]; ok {
		target = Combine(held.Mode, target)
	}
	tl.mu.Unlock()

	if err := m.AcquireNoWait(txnID, TableResource(table), target); err != nil {
		tl.mu.Lock()
		tl.nextEscalation[table] = count + m.conf.EscalationRetryStep
		tl.mu.Unlock()
		lockEscalationCounter.WithLabelValues("skipped").Inc()
		log.Info("lock escalation skipped",
			zap.Uint64("txn", txnID), zap.Uint32("table", table), zap.Int("rows", count), zap.Error(err))
		return
	}

	tl.mu.Lock()
	var fine []ResourceID
	for _, r := range tl.held {
		if r.Resource.Table == table && r.Resource.Level != LevelTable {
			fine = append(fine, r.Resource)
		}
	}
	delete(tl.nextEscalation, table)
	tl.mu.Unlock()
	for _, res := range fine {
		m.Release(txnID, res)
	}
	lockEscalationCounter.WithLabelValues("escalated").Inc()
	log.Info("lock escalated",
		zap.Uint64("txn", txnID), zap.Uint32("table", table), zap.Stringer("mode", target), zap.Int("released", len(fine)))
}
