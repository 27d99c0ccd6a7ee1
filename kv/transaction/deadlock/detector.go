package deadlock

import (
	"sync"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/lock"
	"github.com/pingcap-incubator/tinytxn/kv/util/worker"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// CostFunc returns the rollback cost of a transaction, the number of rows it wrote.
type CostFunc func(txnID uint64) int

// AbortFunc rolls back a victim after its pending lock request was failed.
type AbortFunc func(txnID uint64, cycle []uint64)

// Deadlock records one resolved cycle.
type Deadlock struct {
	Cycle     []uint64  `json:"cycle"`
	Resources []string  `json:"resources"`
	Victim    uint64    `json:"victim"`
	At        time.Time `json:"at"`
}

const historySize = 32

type detectTask struct{}

// Detector finds cycles in the wait-for relation of a lock manager and breaks each of them by failing the lock
// request of one victim and rolling it back.
type Detector struct {
	locks *lock.Manager
	cost  CostFunc
	abort AbortFunc

	// Serializes detection runs.
	runMu sync.Mutex

	histMu  sync.Mutex
	history []Deadlock

	wg     *sync.WaitGroup
	worker *worker.Worker
}

func NewDetector(locks *lock.Manager, cost CostFunc, abort AbortFunc) *Detector {
	wg := new(sync.WaitGroup)
	return &Detector{
		locks:  locks,
		cost:   cost,
		abort:  abort,
		wg:     wg,
		worker: worker.NewWorker("deadlock-detector", wg),
	}
}

// Start runs detection every interval until Stop.
func (d *Detector) Start(interval time.Duration) {
	d.worker.Start(d)
	d.worker.StartTicker(interval, func() worker.Task { return detectTask{} })
}

func (d *Detector) Stop() {
	d.worker.Stop()
	d.wg.Wait()
}

func (d *Detector) Handle(t worker.Task) {
	if _, ok := t.(detectTask); ok {
		d.Detect()
	}
}

// Detect snapshots the wait-for graph and resolves every cycle in it. It returns the deadlocks it broke.
func (d *Detector) Detect() []Deadlock {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	start := time.Now()
	g := NewGraph(d.locks.WaitForEdges())
	var found []Deadlock
	for {
		cycle := g.FindCycle()
		if cycle == nil {
			break
		}
		victim := d.chooseVictim(cycle)
		resources := g.Resources(cycle)
		g.Remove(victim)
		if !d.locks.Victimize(victim, cycle) {
			// The victim stopped waiting since the snapshot, the cycle is already gone.
			continue
		}
		dl := Deadlock{Cycle: cycle, Victim: victim, At: time.Now()}
		for _, r := range resources {
			dl.Resources = append(dl.Resources, r.String())
		}
		log.Warn("deadlock detected",
			zap.Uint64s("cycle", cycle), zap.Strings("resources", dl.Resources), zap.Uint64("victim", victim))
		if d.abort != nil {
			d.abort(victim, cycle)
		}
		deadlockCounter.Inc()
		d.record(dl)
		found = append(found, dl)
	}
	detectDuration.Observe(time.Since(start).Seconds())
	return found
}

// chooseVictim picks the member with the smallest write set. Ties go to the newest transaction, the one with the
// largest id.
func (d *Detector) chooseVictim(cycle []uint64) uint64 {
	victim := cycle[0]
	victimCost := d.costOf(victim)
	for _, txnID := range cycle[1:] {
		c := d.costOf(txnID)
		if c < victimCost || (c == victimCost && txnID > victim) {
			victim, victimCost = txnID, c
		}
	}
	return victim
}

func (d *Detector) costOf(txnID uint64) int {
	if d.cost == nil {
		return 0
	}
	return d.cost(txnID)
}

func (d *Detector) record(dl Deadlock) {
	d.histMu.Lock()
	defer d.histMu.Unlock()
	d.history = append(d.history, dl)
	if len(d.history) > historySize {
		d.history = d.history[len(d.history)-historySize:]
	}
}

// Recent returns the most recently resolved deadlocks, oldest first.
func (d *Detector) Recent() []Deadlock {
	d.histMu.Lock()
	defer d.histMu.Unlock()
	return append([]Deadlock(nil), d.history...)
}
