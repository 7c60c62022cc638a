package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskd/internal/model"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) add(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var c collector
	unsub := bus.Subscribe(c.add, EventOperationStarted)
	defer unsub()

	bus.Publish(Event{Type: EventOperationStarted, Kind: model.KindRunTask, Key: "run-1"})

	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, 5*time.Millisecond)
	got := c.snapshot()[0]
	assert.Equal(t, EventOperationStarted, got.Type)
	assert.Equal(t, "run-1", got.Key)
	assert.False(t, got.Timestamp.IsZero())
}

func TestBus_FiltersByType(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var started, all collector
	defer bus.Subscribe(started.add, EventOperationStarted)()
	defer bus.Subscribe(all.add)()

	bus.Publish(Event{Type: EventOperationStarted, Key: "a"})
	bus.Publish(Event{Type: EventOperationFinished, Key: "a", Status: model.StatusSucceeded})
	bus.Publish(Event{Type: EventDaemonStopped, PID: 42})

	require.Eventually(t, func() bool { return all.len() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, started.len())
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var c collector
	unsub := bus.Subscribe(c.add)
	unsub()
	unsub()

	bus.Publish(Event{Type: EventOperationStarted})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, c.len())
}

func TestBus_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	block := make(chan struct{})
	defer close(block)
	defer bus.Subscribe(func(Event) { <-block }, EventOperationStarted)()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: EventOperationStarted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestBus_PanickingSubscriberKeepsReceiving(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var c collector
	defer bus.Subscribe(func(e Event) {
		c.add(e)
		panic("subscriber bug")
	})()

	bus.Publish(Event{Type: EventOperationStarted})
	bus.Publish(Event{Type: EventOperationFinished})

	require.Eventually(t, func() bool { return c.len() == 2 }, time.Second, 5*time.Millisecond)
}

func TestBus_SubscribeAfterClose(t *testing.T) {
	bus := NewBus(10)
	bus.Close()

	var c collector
	unsub := bus.Subscribe(c.add)
	unsub()
	bus.Publish(Event{Type: EventOperationStarted})
	assert.Equal(t, 0, c.len())
}
