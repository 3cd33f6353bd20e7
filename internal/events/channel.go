package events

import (
	"sync"
)

// Channel fans values out to subscriber channels without ever blocking
// the publisher. Background I/O goroutines publish; the owning control
// loop drains its subscription once per tick.
type Channel[T any] struct {
	mu            sync.RWMutex
	subscribers   map[uint64]chan<- T
	nextID        uint64
	replayLast    bool
	last          *T
	hasPublished  bool
}

// NewChannel creates a Channel. When replayLast is set, the most recent
// published value is delivered immediately to each new subscriber.
func NewChannel[T any](replayLast bool) *Channel[T] {
	return &Channel[T]{
		subscribers: make(map[uint64]chan<- T),
		replayLast:  replayLast,
	}
}

// Subscribe registers ch to receive published values and returns a
// function that removes the subscription. The caller chooses the channel
// capacity; a full channel is skipped rather than blocked on.
func (c *Channel[T]) Subscribe(ch chan<- T) func() {
	if ch == nil {
		panic("events: subscriber channel cannot be nil")
	}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subscribers[id] = ch
	replay := c.replayLast && c.hasPublished && c.last != nil
	var lastCopy *T
	if replay {
		lastCopy = new(T)
		*lastCopy = *c.last
	}
	c.mu.Unlock()

	// Deliver the replayed value outside the lock.
	if replay && lastCopy != nil {
		select {
		case ch <- *lastCopy:
		default:
		}
	}

	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

// Publish sends value to every subscriber. Sends are non-blocking; a
// subscriber that cannot keep up loses values rather than stalling the
// publisher.
func (c *Channel[T]) Publish(value T) {
	c.mu.Lock()
	if c.replayLast {
		if c.last == nil {
			c.last = new(T)
		}
		*c.last = value
		c.hasPublished = true
	}
	targets := make([]chan<- T, 0, len(c.subscribers))
	for _, ch := range c.subscribers {
		targets = append(targets, ch)
	}
	c.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- value:
		default:
		}
	}
}

// SubscriberCount returns the number of registered subscribers.
func (c *Channel[T]) SubscriberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscribers)
}
