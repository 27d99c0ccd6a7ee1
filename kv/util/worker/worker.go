package worker

import (
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type TaskStop struct{}

type Task interface{}

type Worker struct {
	name     string
	sender   chan<- Task
	receiver <-chan Task
	closeCh  chan struct{}
	wg       *sync.WaitGroup
}

type TaskHandler interface {
	Handle(t Task)
}

type Starter interface {
	Start()
}

func (w *Worker) Start(handler TaskHandler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if s, ok := handler.(Starter); ok {
			s.Start()
		}
		for {
			Task := <-w.receiver
			if _, ok := Task.(TaskStop); ok {
				log.Debug("worker stopped", zap.String("name", w.name))
				return
			}
			handler.Handle(Task)
		}
	}()
}

// StartTicker sends the task returned by gen every interval until Stop is called. A tick is dropped when the task
// queue is full.
func (w *Worker) StartTicker(interval time.Duration, gen func() Task) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.closeCh:
				return
			case <-ticker.C:
				select {
				case w.sender <- gen():
				default:
					log.Debug("worker queue full, tick dropped", zap.String("name", w.name))
				}
			}
		}
	}()
}

func (w *Worker) Sender() chan<- Task {
	return w.sender
}

// Stop stops the tickers and the handler loop. Tasks queued before Stop are still handled.
func (w *Worker) Stop() {
	close(w.closeCh)
	w.sender <- TaskStop{}
}

const defaultWorkerCapacity = 128

func NewWorker(name string, wg *sync.WaitGroup) *Worker {
	ch := make(chan Task, defaultWorkerCapacity)
	return &Worker{
		sender:   (chan<- Task)(ch),
		receiver: (<-chan Task)(ch),
		closeCh:  make(chan struct{}),
		name:     name,
		wg:       wg,
	}
}
