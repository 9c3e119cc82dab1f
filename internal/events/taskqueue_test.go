package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskQueueRunsInSubmissionOrder(t *testing.T) {
	q := NewTaskQueue()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		q.Submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	require.True(t, q.Close(5*time.Second))

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestTaskQueueSurvivesPanics(t *testing.T) {
	q := NewTaskQueue()

	done := make(chan struct{})
	q.Submit(func() { panic("task exploded") })
	q.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queue stopped after a panicking task")
	}
	q.Close(time.Second)
}

func TestTaskQueueDropsAfterClose(t *testing.T) {
	q := NewTaskQueue()
	require.True(t, q.Close(time.Second))

	ran := false
	q.Submit(func() { ran = true })
	time.Sleep(50 * time.Millisecond)
	assert.False(t, ran)
}

func TestTaskQueueWorkerRestartsAfterDrain(t *testing.T) {
	q := NewTaskQueue()

	first := make(chan struct{})
	q.Submit(func() { close(first) })
	<-first
	// Give the worker time to exit after draining.
	time.Sleep(20 * time.Millisecond)

	second := make(chan struct{})
	q.Submit(func() { close(second) })
	select {
	case <-second:
	case <-time.After(5 * time.Second):
		t.Fatal("no worker picked up the task after a drain")
	}
	q.Close(time.Second)
}

// failingStore always errors; the publisher must log and continue.
type failingStore struct{ calls int }

func (s *failingStore) InsertEvent(ctx context.Context, ev Event) error {
	s.calls++
	return errors.New("disk full")
}

// memStore collects events.
type memStore struct {
	mu   sync.Mutex
	rows []Event
}

func (s *memStore) InsertEvent(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, ev)
	return nil
}

func TestPublisherPreservesPerCallOrder(t *testing.T) {
	store := &memStore{}
	p := NewPublisher(store, nil)

	for i := 0; i < 50; i++ {
		p.EmitNew("call-1", TypeIngressChunk, map[string]any{"seq": i})
	}
	p.Close(5 * time.Second)

	require.Len(t, store.rows, 50)
	for i, ev := range store.rows {
		assert.Equal(t, i, ev.Payload["seq"])
	}
}

func TestPublisherSinkFailureDoesNotStopDelivery(t *testing.T) {
	store := &failingStore{}
	p := NewPublisher(store, nil)

	p.EmitNew("call-1", TypeClientRequest, nil)
	p.EmitNew("call-1", TypeClientResponse, nil)
	p.Close(5 * time.Second)

	assert.Equal(t, 2, store.calls)
}

func TestPublisherNilReceiverIsSafe(t *testing.T) {
	var p *Publisher
	p.Emit(New("call-1", TypeWarning, nil))
	p.Close(time.Second)
}

func TestNewEventFields(t *testing.T) {
	ev := New("call-9", TypePolicyEvent, map[string]any{"name": "x"})
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "call-9", ev.CallID)
	assert.Equal(t, TypePolicyEvent, ev.Type)
	assert.WithinDuration(t, time.Now().UTC(), ev.Timestamp, time.Minute)
}
