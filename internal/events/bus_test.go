package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskloop/internal/scheduler"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)
	bus.Publish(TopicTask, TaskStateEvent{
		ID:   "t1",
		From: scheduler.StateReady,
		To:   scheduler.StateRunning,
	})

	ev := receive(t, ch)
	assert.Equal(t, "t1", ev.TaskID())
	assert.Equal(t, EventTypeTaskState, ev.EventType())
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicLoop, 10)
	ch2 := bus.Subscribe(TopicLoop, 10)

	bus.Publish(TopicLoop, RetryScheduledEvent{CritiqueID: "c1", Targets: []string{"t1"}, Round: 1})

	for _, ch := range []<-chan Event{ch1, ch2} {
		assert.Equal(t, "c1", receive(t, ch).TaskID())
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	tasks := bus.Subscribe(TopicTask, 10)
	board := bus.Subscribe(TopicBoard, 10)
	all := bus.SubscribeAll(10)

	bus.Publish(TopicTask, TaskCreatedEvent{ID: "t1"})
	bus.Publish(TopicBoard, BoardProgressEvent{Counts: map[scheduler.TaskState]int{scheduler.StateReady: 2}})

	assert.Equal(t, EventTypeTaskCreated, receive(t, tasks).EventType())
	assert.Equal(t, EventTypeBoardProgress, receive(t, board).EventType())
	assert.Empty(t, tasks)
	assert.Empty(t, board)

	assert.Equal(t, EventTypeTaskCreated, receive(t, all).EventType())
	assert.Equal(t, EventTypeBoardProgress, receive(t, all).EventType())
}

func TestNonBlockingSend(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TopicTask, TaskCreatedEvent{ID: "t"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	assert.Len(t, ch, 1)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)
	bus.Unsubscribe(ch)

	_, ok := <-ch
	assert.False(t, ok)

	// Publishing after unsubscribe must not panic on the closed channel
	bus.Publish(TopicTask, TaskCreatedEvent{ID: "t1"})
	bus.Unsubscribe(ch)
}

func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewEventBus()

	ch := bus.Subscribe(TopicTask, 10)
	all := bus.SubscribeAll(10)
	bus.Close()
	bus.Close()

	_, ok := <-ch
	assert.False(t, ok)
	_, ok = <-all
	assert.False(t, ok)

	late := bus.Subscribe(TopicTask, 1)
	_, ok = <-late
	assert.False(t, ok)

	bus.Publish(TopicTask, TaskCreatedEvent{ID: "t1"})
}

func TestBoardProgressTotal(t *testing.T) {
	ev := BoardProgressEvent{Counts: map[scheduler.TaskState]int{
		scheduler.StatePlanned: 3,
		scheduler.StateRunning: 1,
	}}
	assert.Equal(t, 4, ev.Total())
	assert.Empty(t, ev.TaskID())
}
