package transaction

import (
	"bytes"
	"context"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/isolation"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/lock"
)

// Key-range locking protects a range with locks on every indexed key in it, on the gap before each of those keys
// and on the gap before the first key past the range. An insert takes IX on the gap it splits, which conflicts
// with a range reader's S and not with other inserters.

// pointEnd is the exclusive end of the range holding only key.
func pointEnd(key []byte) []byte {
	end := make([]byte, len(key)+1)
	copy(end, key)
	return end
}

// lockRange locks [start, end) of table in p.Lock for txn. The key set is read again after locking; the locks
// are complete once it no longer changes.
func (m *Manager) lockRange(ctx context.Context, txn *Txn, table uint32, start, end []byte, p isolation.Policy) error {
	for {
		keys, after := m.store.Keys(table, start, end)
		for _, k := range keys {
			if _, err := m.acquire(ctx, txn, lock.RowResource(table, 0, k), p.Lock, p.Duration); err != nil {
				return err
			}
			if _, err := m.acquire(ctx, txn, lock.GapResource(table, k), p.Lock, p.Duration); err != nil {
				return err
			}
		}
		if _, err := m.acquire(ctx, txn, lock.GapResource(table, after), p.Lock, p.Duration); err != nil {
			return err
		}
		again, afterAgain := m.store.Keys(table, start, end)
		if sameKeys(keys, again) && bytes.Equal(after, afterAgain) {
			return nil
		}
	}
}

// lockInsertGap takes IX on the gap a new key falls into. It reports whether the lock is new to txn, and returns
// no lock when the key got indexed in the meantime.
func (m *Manager) lockInsertGap(ctx context.Context, txn *Txn, table uint32, key []byte) (lock.ResourceID, bool, error) {
	for {
		succ := m.store.Successor(table, key)
		gap := lock.GapResource(table, succ)
		lease, err := m.acquire(ctx, txn, gap, lock.IX, isolation.DurationTransaction)
		if err != nil {
			return gap, false, err
		}
		fresh := leaseHolds(lease, gap)
		indexed := m.store.Contains(table, key)
		if !indexed && bytes.Equal(m.store.Successor(table, key), succ) {
			return gap, fresh, nil
		}
		if fresh {
			m.locks.Release(txn.ID, gap)
		}
		if indexed {
			return gap, false, nil
		}
	}
}

func leaseHolds(lease *lock.Lease, res lock.ResourceID) bool {
	for _, r := range lease.Resources {
		if r == res {
			return true
		}
	}
	return false
}

func sameKeys(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}
