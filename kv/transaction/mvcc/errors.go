package mvcc

import "fmt"

// ErrUpdateConflict is returned when a snapshot transaction tries to commit a row that another transaction
// committed after the snapshot was taken.
type ErrUpdateConflict struct {
	TxnID       uint64
	Table       uint32
	Key         []byte
	StartSeq    uint64
	ConflictSeq uint64
}

func (e *ErrUpdateConflict) Error() string {
	return fmt.Sprintf("snapshot isolation transaction %d aborted due to update conflict on table %d key %q, snapshot %d, conflicting commit %d",
		e.TxnID, e.Table, e.Key, e.StartSeq, e.ConflictSeq)
}
