package transaction

import "sync"

// snapshotRegistry tracks the read sequence numbers of transactions reading from snapshots. The collector never
// reclaims a version one of them can still see.
type snapshotRegistry struct {
	mu    sync.Mutex
	reads map[uint64]uint64
}

func newSnapshotRegistry() *snapshotRegistry {
	return &snapshotRegistry{reads: make(map[uint64]uint64)}
}

// register records the snapshot of txnID at the sequence number current returns. current is called under the
// registry mutex, so a concurrent watermark computation either sees the snapshot or ran before it was taken.
func (r *snapshotRegistry) register(txnID uint64, current func() uint64) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	seq := current()
	r.reads[txnID] = seq
	return seq
}

func (r *snapshotRegistry) unregister(txnID uint64) {
	r.mu.Lock()
	delete(r.reads, txnID)
	r.mu.Unlock()
}

// watermark returns the oldest registered snapshot, or one past current when there is none.
func (r *snapshotRegistry) watermark(current func() uint64) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	min := current() + 1
	for _, seq := range r.reads {
		if seq < min {
			min = seq
		}
	}
	return min
}

func (r *snapshotRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reads)
}
