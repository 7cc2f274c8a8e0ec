package service

import (
	"sync"

	"github.com/gammazero/workerpool"
)

// taskQueue is a workerpool that silently drops tasks once stopped.
type taskQueue struct {
	pool    *workerpool.WorkerPool
	mx      sync.RWMutex
	stopped bool
}

func newTaskQueue(workers int) *taskQueue {
	return &taskQueue{pool: workerpool.New(workers)}
}

func (q *taskQueue) submit(task func()) bool {
	q.mx.RLock()
	defer q.mx.RUnlock()
	if q.stopped {
		return false
	}
	q.pool.Submit(task)
	return true
}

// stop waits for queued tasks to finish.
func (q *taskQueue) stop() {
	q.mx.Lock()
	if q.stopped {
		q.mx.Unlock()
		return
	}
	q.stopped = true
	q.mx.Unlock()
	q.pool.StopWait()
}
