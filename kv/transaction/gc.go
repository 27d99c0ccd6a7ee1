package transaction

import (
	"sync"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/mvcc"
	"github.com/pingcap-incubator/tinytxn/kv/util/worker"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type gcTask struct{}

// collector sweeps the version store below the snapshot watermark and truncates the commit log. It runs on its
// own worker, on a ticker and whenever the version store goes over budget.
type collector struct {
	m      *Manager
	wg     *sync.WaitGroup
	worker *worker.Worker
	queued *atomic.Bool

	mu     sync.Mutex
	result mvcc.GCResult
}

func newCollector(m *Manager) *collector {
	wg := new(sync.WaitGroup)
	return &collector{
		m:      m,
		wg:     wg,
		worker: worker.NewWorker("version-gc", wg),
		queued: atomic.NewBool(false),
	}
}

func (c *collector) start(interval time.Duration) {
	c.worker.Start(c)
	c.worker.StartTicker(interval, func() worker.Task { return gcTask{} })
}

func (c *collector) stop() {
	c.worker.Stop()
	c.wg.Wait()
}

// trigger queues one sweep unless one is already queued.
func (c *collector) trigger() {
	if !c.queued.CAS(false, true) {
		return
	}
	select {
	case c.worker.Sender() <- gcTask{}:
	default:
		c.queued.Store(false)
	}
}

func (c *collector) Handle(t worker.Task) {
	if _, ok := t.(gcTask); ok {
		c.queued.Store(false)
		c.run()
	}
}

func (c *collector) run() mvcc.GCResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	watermark := c.m.snapshots.watermark(c.m.published.Load)
	res := c.m.store.Collect(watermark)
	gcWatermarkGauge.Set(float64(watermark))
	if err := c.m.truncateLog(); err != nil {
		log.Error("truncate commit log failed", zap.Error(err))
	}
	c.result = res
	return res
}

func (c *collector) last() mvcc.GCResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// GC runs one version store collection now and returns its result.
func (m *Manager) GC() mvcc.GCResult {
	return m.gc.run()
}
