// Package events broadcasts operation lifecycle notifications to any number
// of subscribers, such as connections that asked to watch the server.
package events

import (
	"sync"
	"time"

	"github.com/msageha/taskd/internal/model"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventOperationStarted is published when an operation enters running.
	EventOperationStarted EventType = "operation_started"
	// EventOperationFinished is published once per operation with its
	// terminal status.
	EventOperationFinished EventType = "operation_finished"
	// EventDaemonStopped is published after a daemon was killed by PID.
	EventDaemonStopped EventType = "daemon_stopped"
)

// Event is one lifecycle notification.
type Event struct {
	Type      EventType           `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	Kind      model.OperationKind `json:"kind"`
	Key       string              `json:"key,omitempty"`
	Status    model.Status        `json:"status,omitempty"`
	Message   string              `json:"message,omitempty"`
	PID       int                 `json:"pid,omitempty"`
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe hub. Each subscriber gets its own
// buffered channel and delivery goroutine; when that buffer is full the event
// is dropped for that subscriber only.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for the given event types (all types when none are
// given) and returns an unsubscribe function.
func (b *Bus) Subscribe(fn Subscriber, types ...EventType) func() {
	if len(types) == 0 {
		types = []EventType{EventOperationStarted, EventOperationFinished, EventDaemonStopped}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return func() {}
	}
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	go func() {
		for event := range ch {
			func() {
				defer func() {
					// A panicking subscriber must not take the bus down.
					_ = recover()
				}()
				fn(event)
			}()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			found := false
			for _, t := range types {
				subs := b.subscribers[t]
				for i, subCh := range subs {
					if subCh == ch {
						b.subscribers[t] = append(subs[:i:i], subs[i+1:]...)
						found = true
						break
					}
				}
			}
			if found {
				close(ch)
			}
		})
	}
}

// Publish stamps e and hands it to every subscriber of e.Type without
// blocking.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	for _, ch := range b.subscribers[e.Type] {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[chan Event]bool)
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			if !seen[ch] {
				seen[ch] = true
				close(ch)
			}
		}
		delete(b.subscribers, eventType)
	}
	b.closed = true
}
