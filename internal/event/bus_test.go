package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestBus_PreservesOrderWithoutBlockingPublisher(t *testing.T) {
	b := NewBus[int]()
	ch, cancel := b.Subscribe()
	defer cancel()

	// Nobody reads while publishing; Publish must not block.
	for i := 0; i < 1000; i++ {
		b.Publish(i)
	}
	for i := 0; i < 1000; i++ {
		assert.Equal(t, i, recv(t, ch))
	}
}

func TestBus_FanOut(t *testing.T) {
	b := NewBus[string]()
	a, cancelA := b.Subscribe()
	defer cancelA()
	c, cancelC := b.Subscribe()
	defer cancelC()

	b.Publish("hello")
	assert.Equal(t, "hello", recv(t, a))
	assert.Equal(t, "hello", recv(t, c))
	assert.Equal(t, 2, b.Len())
}

func TestBus_CancelClosesChannel(t *testing.T) {
	b := NewBus[int]()
	ch, cancel := b.Subscribe()
	cancel()
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	assert.Equal(t, 0, b.Len())
	b.Publish(1)
}

func TestBus_CloseDrainsQueue(t *testing.T) {
	b := NewBus[int]()
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(1)
	b.Publish(2)
	b.Close()

	assert.Equal(t, 1, recv(t, ch))
	assert.Equal(t, 2, recv(t, ch))
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after bus close")
	}

	late, _ := b.Subscribe()
	_, ok := <-late
	assert.False(t, ok)
}
