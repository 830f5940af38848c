package wsx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelatorResolve(t *testing.T) {
	c := newCorrelator()
	done := make(chan struct{})

	ch := c.register("req-1")
	msg := &ClientMessage{InReplyTo: "req-1"}
	require.True(t, c.resolve("req-1", msg))

	reply, ok := c.wait(ch, "req-1", time.Second, done)
	require.True(t, ok)
	assert.Same(t, msg, reply.msg)
	assert.False(t, reply.pong)
	assert.Equal(t, 0, c.pendingCount(), "waiter must remove its key")
}

func TestCorrelatorResolvePong(t *testing.T) {
	c := newCorrelator()
	done := make(chan struct{})

	ch := c.register("ping-1")
	require.True(t, c.resolvePong("ping-1"))

	reply, ok := c.wait(ch, "ping-1", time.Second, done)
	require.True(t, ok)
	assert.True(t, reply.pong)
	assert.Nil(t, reply.msg)
}

func TestCorrelatorTimeoutCleansUpKey(t *testing.T) {
	c := newCorrelator()
	done := make(chan struct{})

	ch := c.register("req-slow")
	require.Equal(t, 1, c.pendingCount())

	start := time.Now()
	_, ok := c.wait(ch, "req-slow", 30*time.Millisecond, done)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 0, c.pendingCount(), "timed out key must not be leaked")
}

func TestCorrelatorResolveUnknownID(t *testing.T) {
	c := newCorrelator()
	assert.False(t, c.resolve("never-registered", &ClientMessage{}))
	assert.False(t, c.resolvePong("never-registered"))
}

func TestCorrelatorDoneUnblocksWaiter(t *testing.T) {
	c := newCorrelator()
	done := make(chan struct{})

	ch := c.register("req-1")

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(done)
	}()

	_, ok := c.wait(ch, "req-1", 5*time.Second, done)
	assert.False(t, ok)
	assert.Equal(t, 0, c.pendingCount())
}

func TestCorrelatorConcurrentWaiters(t *testing.T) {
	c := newCorrelator()
	done := make(chan struct{})

	const numWaiters = 20
	results := make(chan bool, numWaiters)

	for i := 0; i < numWaiters; i++ {
		id := newCID()
		ch := c.register(id)
		go func(id string, ch <-chan clientReply) {
			reply, ok := c.wait(ch, id, time.Second, done)
			results <- ok && reply.pong
		}(id, ch)
		require.True(t, c.resolvePong(id))
	}

	for i := 0; i < numWaiters; i++ {
		assert.True(t, <-results)
	}
	assert.Equal(t, 0, c.pendingCount())
}
