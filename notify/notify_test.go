package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingEvent struct{ N int }

func (pingEvent) Type() uint32 { return 1 }

type pongEvent struct{ S string }

func (pongEvent) Type() uint32 { return 2 }

func TestBusDeliversInOrderByType(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var (
		l   sync.Mutex
		got []int
	)
	cancel := Subscribe(b, Inline, func(e pingEvent) {
		l.Lock()
		defer l.Unlock()
		got = append(got, e.N)
	})
	defer cancel()

	pongs := make(chan string, 1)
	defer Subscribe(b, Inline, func(e pongEvent) { pongs <- e.S })()

	for i := 0; i < 5; i++ {
		Publish(b, pingEvent{N: i})
	}
	Publish(b, pongEvent{S: "pong"})

	require.Eventually(t, func() bool {
		l.Lock()
		defer l.Unlock()
		return len(got) == 5
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
	assert.Equal(t, "pong", <-pongs)
}

func TestSubscribeRunsOnExecutor(t *testing.T) {
	b := NewBus()
	defer b.Close()

	q := NewQueue(8)
	defer q.Close()

	var dispatched sync.WaitGroup
	dispatched.Add(1)
	counting := ExecutorFunc(func(fn func()) {
		q.Dispatch(func() {
			fn()
			dispatched.Done()
		})
	})

	got := make(chan int, 1)
	defer Subscribe(b, counting, func(e pingEvent) { got <- e.N })()
	Publish(b, pingEvent{N: 7})

	dispatched.Wait()
	assert.Equal(t, 7, <-got)
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	b := NewBus()
	b.Close()
	b.Close()
	Publish(b, pingEvent{N: 1})
}

func TestQueueSerialOrder(t *testing.T) {
	q := NewQueue(0)
	var got []int
	for i := 0; i < 10; i++ {
		i := i
		q.Dispatch(func() { got = append(got, i) })
	}
	q.Close()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)

	// Dispatch after close is dropped.
	q.Dispatch(func() { got = append(got, -1) })
	assert.Len(t, got, 10)
}
