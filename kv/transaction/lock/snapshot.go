package lock

import (
	"sort"
	"time"
)

// WaitEdge says Waiter cannot proceed until Holder releases or converts its lock on Resource.
type WaitEdge struct {
	Waiter   uint64
	Holder   uint64
	Resource ResourceID
	Mode     Mode
}

// WaitForEdges returns the current wait-for relation. A waiter waits for every other transaction holding an
// incompatible grant, and for every earlier incompatible waiter it is not allowed to bypass. All shards are locked
// in ascending order so the edges form one consistent snapshot.
func (m *Manager) WaitForEdges() []WaitEdge {
	for _, sh := range m.shards {
		sh.mu.Lock()
	}
	defer func() {
		for i := len(m.shards) - 1; i >= 0; i-- {
			m.shards[i].mu.Unlock()
		}
	}()
	var edges []WaitEdge
	for _, sh := range m.shards {
		for _, head := range sh.heads {
			for i, w := range head.waiting {
				for id, g := range head.granted {
					if id != w.TxnID && !Compatible(g.Mode, w.Want) {
						edges = append(edges, WaitEdge{Waiter: w.TxnID, Holder: id, Resource: w.Resource, Mode: w.Want})
					}
				}
				for _, a := range head.waiting[:i] {
					if a.TxnID == w.TxnID || Compatible(a.Want, w.Want) {
						continue
					}
					if a.skipped >= m.conf.StarvationSkipLimit {
						edges = append(edges, WaitEdge{Waiter: w.TxnID, Holder: a.TxnID, Resource: w.Resource, Mode: w.Want})
					}
				}
			}
		}
	}
	return edges
}

// Info describes one grant or waiting request.
type Info struct {
	TxnID    uint64        `json:"txn_id"`
	Resource string        `json:"resource"`
	Level    string        `json:"level"`
	Mode     string        `json:"mode"`
	Status   string        `json:"status"`
	Waiting  time.Duration `json:"waiting,omitempty"`
}

func newInfo(r *Request, now time.Time) Info {
	info := Info{
		TxnID:    r.TxnID,
		Resource: r.Resource.String(),
		Level:    r.Resource.Level.String(),
		Mode:     r.Mode.String(),
		Status:   r.Status.String(),
	}
	if r.Status == Waiting {
		info.Mode = r.Want.String()
		if r.conversion {
			info.Status = "CONVERT"
		}
		info.Waiting = now.Sub(r.QueuedAt)
	}
	return info
}

// Locks lists every grant and waiting request in the lock table, ordered by resource then transaction.
func (m *Manager) Locks() []Info {
	now := time.Now()
	var infos []Info
	for _, sh := range m.shards {
		sh.mu.Lock()
		for _, head := range sh.heads {
			for _, g := range head.granted {
				infos = append(infos, newInfo(g, now))
			}
			for _, w := range head.waiting {
				infos = append(infos, newInfo(w, now))
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Resource != infos[j].Resource {
			return infos[i].Resource < infos[j].Resource
		}
		return infos[i].TxnID < infos[j].TxnID
	})
	return infos
}

// HeldBy lists the grants of txnID.
func (m *Manager) HeldBy(txnID uint64) []Info {
	tl := m.txnLocks(txnID)
	if tl == nil {
		return nil
	}
	now := time.Now()
	tl.mu.Lock()
	infos := make([]Info, 0, len(tl.held))
	for _, r := range tl.held {
		info := newInfo(r, now)
		info.Mode = r.Mode.String()
		infos = append(infos, info)
	}
	tl.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Resource < infos[j].Resource })
	return infos
}

// HeldMode returns the mode txnID holds on res, NoLock when it holds nothing.
func (m *Manager) HeldMode(txnID uint64, res ResourceID) Mode {
	sh := m.shardFor(res)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if head, ok := sh.heads[res.String()]; ok {
		if g, ok := head.granted[txnID]; ok {
			return g.Mode
		}
	}
	return NoLock
}

type Stats struct {
	Resources int `json:"resources"`
	Granted   int `json:"granted"`
	Waiting   int `json:"waiting"`
}

func (m *Manager) Stats() Stats {
	var st Stats
	for _, sh := range m.shards {
		sh.mu.Lock()
		st.Resources += len(sh.heads)
		for _, head := range sh.heads {
			st.Granted += len(head.granted)
			st.Waiting += len(head.waiting)
		}
		sh.mu.Unlock()
	}
	return st
}
