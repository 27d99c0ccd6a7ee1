package lock

import (
	"fmt"
	"time"
)

// ErrBlocked is returned by the no-wait acquire path when the request would have to wait.
type ErrBlocked struct {
	TxnID    uint64
	Resource ResourceID
	Mode     Mode
}

func (e *ErrBlocked) Error() string {
	return fmt.Sprintf("txn %d blocked requesting %s on %s", e.TxnID, e.Mode, e.Resource)
}

// ErrLockTimeout is returned when a lock wait exceeds the lock wait timeout. Only the statement fails, the
// transaction stays active.
type ErrLockTimeout struct {
	TxnID    uint64
	Resource ResourceID
	Mode     Mode
	Waited   time.Duration
}

func (e *ErrLockTimeout) Error() string {
	return fmt.Sprintf("lock request time out period exceeded, txn %d waited %s for %s on %s",
		e.TxnID, e.Waited, e.Mode, e.Resource)
}

// ErrDeadlockVictim is returned to a transaction chosen as a deadlock victim. The transaction has already been
// rolled back.
type ErrDeadlockVictim struct {
	TxnID uint64
	Cycle []uint64
}

func (e *ErrDeadlockVictim) Error() string {
	return fmt.Sprintf("txn %d was deadlocked on lock resources with another process and has been chosen as the deadlock victim, cycle %v",
		e.TxnID, e.Cycle)
}
