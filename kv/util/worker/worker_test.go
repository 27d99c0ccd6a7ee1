package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countTask struct{ n int }

type recorder struct {
	mu      sync.Mutex
	started bool
	got     []int
}

func (r *recorder) Start() {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
}

func (r *recorder) Handle(t Task) {
	r.mu.Lock()
	r.got = append(r.got, t.(countTask).n)
	r.mu.Unlock()
}

func TestWorkerHandlesTasksInOrder(t *testing.T) {
	wg := new(sync.WaitGroup)
	w := NewWorker("test", wg)
	r := new(recorder)
	w.Start(r)
	for i := 0; i < 5; i++ {
		w.Sender() <- countTask{i}
	}
	w.Stop()
	wg.Wait()
	assert.True(t, r.started)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, r.got)
}

func TestWorkerTicker(t *testing.T) {
	wg := new(sync.WaitGroup)
	w := NewWorker("ticker", wg)
	r := new(recorder)
	w.Start(r)
	w.StartTicker(5*time.Millisecond, func() Task { return countTask{1} })
	time.Sleep(60 * time.Millisecond)
	w.Stop()
	wg.Wait()
	assert.True(t, len(r.got) >= 2)
}
