package util

import (
	"sync"
)

// Completion is a one-shot event carrying the error of the operation it
// tracks. Only the first call to Complete has any effect.
type Completion struct {
	done bool
	err  error
	c    *sync.Cond
}

func NewCompletion() *Completion {
	return &Completion{
		c: sync.NewCond(&sync.Mutex{}),
	}
}

func (e *Completion) Complete(err error) {
	e.c.L.Lock()
	defer e.c.L.Unlock()
	if !e.done {
		e.done = true
		e.err = err
		e.c.Broadcast()
	}
}

// Wait blocks until Complete has been called and returns its error.
func (e *Completion) Wait() error {
	e.c.L.Lock()
	defer e.c.L.Unlock()
	for !e.done {
		e.c.Wait()
	}
	return e.err
}

func (e *Completion) Done() bool {
	e.c.L.Lock()
	defer e.c.L.Unlock()
	return e.done
}
