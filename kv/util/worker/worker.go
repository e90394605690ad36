package worker

import (
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type TaskStop struct{}

type Task interface{}

// Worker runs tasks one at a time on a single goroutine, in the order they were sent.
type Worker struct {
	name     string
	sender   chan<- Task
	receiver <-chan Task
	closeCh  chan struct{}
	once     sync.Once
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
		log.Debug("worker started", zap.String("worker", w.name))
		for {
			task := <-w.receiver
			if _, ok := task.(TaskStop); ok {
				log.Debug("worker stopped", zap.String("worker", w.name))
				return
			}
			handler.Handle(task)
		}
	}()
}

// Send queues t. It returns false once the worker is stopped.
func (w *Worker) Send(t Task) bool {
	select {
	case <-w.closeCh:
		return false
	default:
	}
	select {
	case w.sender <- t:
		return true
	case <-w.closeCh:
		return false
	}
}

// Stop lets the worker finish every task queued so far and exit. Later sends are dropped.
func (w *Worker) Stop() {
	w.once.Do(func() {
		close(w.closeCh)
		w.sender <- TaskStop{}
	})
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
