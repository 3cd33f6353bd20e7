package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChannel(t *testing.T) {
	c := NewChannel[string](false)
	require.NotNil(t, c)
	assert.Equal(t, 0, c.SubscriberCount())
	assert.False(t, c.replayLast)

	c2 := NewChannel[int](true)
	require.NotNil(t, c2)
	assert.True(t, c2.replayLast)
}

func TestChannel_PublishSubscribe(t *testing.T) {
	c := NewChannel[string](false)

	ch := make(chan string, 10)
	unsubscribe := c.Subscribe(ch)
	assert.Equal(t, 1, c.SubscriberCount())

	c.Publish("reading-1")
	c.Publish("reading-2")

	received := make([]string, 0)
	for len(received) < 2 {
		select {
		case v := <-ch:
			received = append(received, v)
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for published values")
		}
	}
	assert.Contains(t, received, "reading-1")
	assert.Contains(t, received, "reading-2")

	unsubscribe()
	assert.Equal(t, 0, c.SubscriberCount())

	c.Publish("reading-3")
	select {
	case v := <-ch:
		t.Errorf("unexpected value after unsubscribe: %s", v)
	default:
	}
}

func TestChannel_MultipleSubscribers(t *testing.T) {
	c := NewChannel[int](false)

	ch1 := make(chan int, 10)
	ch2 := make(chan int, 10)
	un1 := c.Subscribe(ch1)
	un2 := c.Subscribe(ch2)
	assert.Equal(t, 2, c.SubscriberCount())

	c.Publish(42)

	for _, ch := range []chan int{ch1, ch2} {
		select {
		case v := <-ch:
			assert.Equal(t, 42, v)
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for value")
		}
	}

	un1()
	un2()
	assert.Equal(t, 0, c.SubscriberCount())
}

func TestChannel_NonBlockingWhenFull(t *testing.T) {
	c := NewChannel[int](false)

	// capacity 1, never drained: second publish must not block
	ch := make(chan int, 1)
	defer c.Subscribe(ch)()

	done := make(chan struct{})
	go func() {
		c.Publish(1)
		c.Publish(2)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}

	assert.Equal(t, 1, <-ch)
}

func TestChannel_ReplayLast(t *testing.T) {
	c := NewChannel[string](true)

	// no publish yet: nothing to replay
	early := make(chan string, 1)
	unEarly := c.Subscribe(early)
	select {
	case v := <-early:
		t.Errorf("unexpected replayed value: %s", v)
	case <-time.After(20 * time.Millisecond):
	}
	unEarly()

	c.Publish("first")
	c.Publish("latest")

	late := make(chan string, 1)
	defer c.Subscribe(late)()

	select {
	case v := <-late:
		assert.Equal(t, "latest", v)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected the last value to be replayed on subscribe")
	}
}

func TestChannel_SubscribeNilPanics(t *testing.T) {
	c := NewChannel[int](false)
	assert.Panics(t, func() { c.Subscribe(nil) })
}

func TestChannel_ConcurrentPublish(t *testing.T) {
	c := NewChannel[int](false)

	ch := make(chan int, 1000)
	defer c.Subscribe(ch)()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c.Publish(n*100 + j)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 500, len(ch))
}
