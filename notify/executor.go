package notify

import (
	"sync"
)

// Executor runs functions on a particular execution context.
type Executor interface {
	Dispatch(fn func())
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(fn func())

func (f ExecutorFunc) Dispatch(fn func()) { f(fn) }

// Inline runs functions on the caller's goroutine.
var Inline Executor = ExecutorFunc(func(fn func()) { fn() })

// Queue is a serial executor backed by a single goroutine. It stands in for a
// UI main loop: functions run one at a time, in dispatch order, and Dispatch
// never waits for them.
type Queue struct {
	fns  chan func()
	done chan struct{}
	once sync.Once
}

func NewQueue(size int) *Queue {
	q := &Queue{
		fns:  make(chan func(), size),
		done: make(chan struct{}),
	}
	go func() {
		defer close(q.done)
		for fn := range q.fns {
			fn()
		}
	}()
	return q
}

func (q *Queue) Dispatch(fn func()) {
	defer func() {
		// Dispatch after Close drops fn.
		_ = recover()
	}()
	q.fns <- fn
}

// Close drains pending functions and stops the queue goroutine.
func (q *Queue) Close() {
	q.once.Do(func() {
		close(q.fns)
	})
	<-q.done
}
