package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/miszen/internal/event"
)

func TestEventQueue_EnqueueDequeue(t *testing.T) {
	q := newEventQueue()

	ok := q.Enqueue(event.Event{ID: "evt-1", Kind: event.KindFileCreated})
	require.True(t, ok, "enqueue should succeed")

	got, ok := q.TryDequeue()
	require.True(t, ok, "dequeue should succeed")
	assert.Equal(t, "evt-1", got.ID)
	assert.Equal(t, event.KindFileCreated, got.Kind)
}

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue()

	for _, id := range []string{"A", "B", "C"} {
		q.Enqueue(event.Event{ID: id})
	}

	for _, want := range []string{"A", "B", "C"} {
		e, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, e.ID)
	}
}

func TestEventQueue_TryDequeue_Empty(t *testing.T) {
	q := newEventQueue()

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestEventQueue_WaitSignals(t *testing.T) {
	q := newEventQueue()

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue(event.Event{ID: "late"})
	}()

	select {
	case <-q.Wait():
	case <-time.After(time.Second):
		t.Fatal("no signal after enqueue")
	}
	e, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "late", e.ID)
}

func TestEventQueue_Close(t *testing.T) {
	q := newEventQueue()
	q.Enqueue(event.Event{ID: "queued"})
	q.Close()
	q.Close()

	assert.False(t, q.Enqueue(event.Event{ID: "after-close"}), "enqueue after close should return false")
	assert.False(t, q.Drained(), "queued events survive close")

	select {
	case <-q.Wait():
	default:
		t.Fatal("closed queue must signal")
	}

	e, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "queued", e.ID)
	assert.True(t, q.Drained())
}

func TestEventQueue_Len(t *testing.T) {
	q := newEventQueue()

	assert.Equal(t, 0, q.Len())

	q.Enqueue(event.Event{ID: "1"})
	assert.Equal(t, 1, q.Len())

	q.Enqueue(event.Event{ID: "2"})
	assert.Equal(t, 2, q.Len())

	q.TryDequeue()
	assert.Equal(t, 1, q.Len())

	q.TryDequeue()
	assert.Equal(t, 0, q.Len())
}

func TestEventQueue_ThreadSafe(t *testing.T) {
	q := newEventQueue()

	const producers = 10
	const eventsPerProducer = 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(producerID int) {
			defer wg.Done()
			for i := 0; i < eventsPerProducer; i++ {
				q.Enqueue(event.Event{ID: fmt.Sprintf("%d-%d", producerID, i)})
			}
		}(p)
	}

	received := make(map[string]bool)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for len(received) < producers*eventsPerProducer {
			e, ok := q.TryDequeue()
			if !ok {
				time.Sleep(time.Millisecond)
				continue
			}
			received[e.ID] = true
		}
	}()

	wg.Wait()

	select {
	case <-consumerDone:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer timeout")
	}

	assert.Len(t, received, producers*eventsPerProducer)
}
