package latches

import (
	"sync"
)

// Latches keep the physical steps of a commit atomic with respect to version store garbage collection. A commit
// latches every row of its write set from the moment its versions are stamped until the row images reach storage,
// so the collector never drops an in-memory chain whose committed image is not durable yet.
//
// A latch is a short per-key mutex, never held across statements and never visible to clients. Keys latched
// together share one release channel, so a caller must latch everything it needs in one call and release it in
// one call.
type Latches struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func NewLatches() *Latches {
	return &Latches{held: make(map[string]chan struct{})}
}

// AcquireLatches latches all keys and returns nil, or returns a channel that is closed once the holder of one of
// the keys releases it. Nothing is latched in the second case.
func (l *Latches) AcquireLatches(keys [][]byte) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, key := range keys {
		if released, ok := l.held[string(key)]; ok {
			return released
		}
	}
	released := make(chan struct{})
	for _, key := range keys {
		l.held[string(key)] = released
	}
	return nil
}

// TryLatch latches a single key if it is free.
func (l *Latches) TryLatch(key []byte) bool {
	return l.AcquireLatches([][]byte{key}) == nil
}

// ReleaseLatches releases keys latched together by one AcquireLatches call and wakes their waiters. Keys that are
// not latched are ignored.
func (l *Latches) ReleaseLatches(keys [][]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, key := range keys {
		released, ok := l.held[string(key)]
		if !ok {
			continue
		}
		delete(l.held, string(key))
		select {
		case <-released:
		default:
			close(released)
		}
	}
}

// WaitForLatches blocks until all keys are latched.
func (l *Latches) WaitForLatches(keys [][]byte) {
	for {
		released := l.AcquireLatches(keys)
		if released == nil {
			return
		}
		<-released
	}
}

// Len is the number of latched keys.
func (l *Latches) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
