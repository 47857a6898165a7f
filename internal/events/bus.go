package events

import (
	"sync"
)

const defaultBuffer = 256

// allTopics is the internal key for SubscribeAll subscribers.
const allTopics = "*"

// EventBus is a channel-based pub-sub event bus.
// Supports topic-based subscriptions and SubscribeAll for cross-topic consumption.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string]map[<-chan Event]chan Event
	closed bool
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[string]map[<-chan Event]chan Event),
	}
}

// Subscribe creates a subscription to a specific topic.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.subscribe(topic, bufSize)
}

// SubscribeAll creates a subscription that receives events from every topic.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	return b.subscribe(allTopics, bufSize)
}

func (b *EventBus) subscribe(topic string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = defaultBuffer
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[<-chan Event]chan Event)
	}
	b.subs[topic][ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *EventBus) Unsubscribe(sub <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, chans := range b.subs {
		if ch, ok := chans[sub]; ok {
			delete(chans, sub)
			if len(chans) == 0 {
				delete(b.subs, topic)
			}
			close(ch)
			return
		}
	}
}

// Publish sends an event to all subscribers of the given topic and to
// every SubscribeAll channel. A full subscriber drops the event.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs[topic] {
		select {
		case ch <- event:
		default:
		}
	}
	for _, ch := range b.subs[allTopics] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	b.subs = nil
}
