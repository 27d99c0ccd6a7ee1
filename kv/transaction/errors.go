package transaction

import (
	"context"
	"fmt"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/lock"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/mvcc"
	"github.com/pingcap/errors"
)

var (
	// ErrSnapshotDisabled is returned by Begin when SNAPSHOT is requested but snapshot isolation is turned off.
	ErrSnapshotDisabled = errors.New("snapshot isolation transaction failed, snapshot isolation is not allowed in this database")
	// ErrIDExhausted is returned by Begin once the transaction id space wrapped.
	ErrIDExhausted = errors.New("transaction id space exhausted")
	ErrClosed      = errors.New("transaction manager is closed")
)

// ErrTxnNotActive is returned when an operation is attempted on a transaction that committed, rolled back or is
// committing.
type ErrTxnNotActive struct {
	TxnID  uint64
	Status Status
	// Cause is set when the transaction was rolled back, e.g. as a deadlock victim.
	Cause error
}

func (e *ErrTxnNotActive) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("txn %d is %s: %v", e.TxnID, e.Status, e.Cause)
	}
	return fmt.Sprintf("txn %d is %s", e.TxnID, e.Status)
}

// ErrTxnNotFound is returned when no active transaction has the id.
type ErrTxnNotFound uint64

func (e ErrTxnNotFound) Error() string {
	return fmt.Sprintf("txn %d not found", uint64(e))
}

// Kind classifies an error returned by the manager.
type Kind int

const (
	KindNone Kind = iota
	KindBlocked
	KindLockTimeout
	KindDeadlockVictim
	KindUpdateConflict
	KindNotActive
	KindNotFound
	KindCanceled
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "ok"
	case KindBlocked:
		return "blocked"
	case KindLockTimeout:
		return "lock timeout"
	case KindDeadlockVictim:
		return "deadlock victim"
	case KindUpdateConflict:
		return "update conflict"
	case KindNotActive:
		return "not active"
	case KindNotFound:
		return "not found"
	case KindCanceled:
		return "canceled"
	}
	return "other"
}

// Retryable reports whether the whole transaction may succeed when run again.
func (k Kind) Retryable() bool {
	return k == KindDeadlockVictim || k == KindUpdateConflict
}

// Classify maps an error, possibly annotated, to its kind.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	switch e := errors.Cause(err).(type) {
	case *lock.ErrBlocked:
		return KindBlocked
	case *lock.ErrLockTimeout:
		return KindLockTimeout
	case *lock.ErrDeadlockVictim:
		return KindDeadlockVictim
	case *mvcc.ErrUpdateConflict:
		return KindUpdateConflict
	case *ErrTxnNotActive:
		return KindNotActive
	case ErrTxnNotFound:
		return KindNotFound
	default:
		if e == context.Canceled || e == context.DeadlineExceeded {
			return KindCanceled
		}
	}
	return KindOther
}
