package ws

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bareClient builds a Client with no connection — enough for exercising
// the hub's registry, routing, and eviction without a network.
func bareClient(topics ...string) *Client {
	return &Client{
		queue:  make(chan Message, clientQueueSize),
		done:   make(chan struct{}),
		topics: topics,
	}
}

func TestValidTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  bool
	}{
		{"job:018f0000-0000-7000-8000-000000000000", true},
		{"runner:abc", true},
		{"pool:o/r", true},
		{"webhook:workflow_job", true},

		{"job:", false},
		{"jobs:abc", false},
		{"notifications:u1", false},
		{"", false},
		{"job", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidTopic(tt.topic))
		})
	}
}

func TestPublishRoutesByTopic(t *testing.T) {
	h := NewHub()

	jobSub := bareClient("job:1")
	poolSub := bareClient("pool:o/r")
	require.True(t, h.attach(jobSub))
	require.True(t, h.attach(poolSub))
	assert.Equal(t, 2, h.ConnectedCount())

	h.Publish("job:1", Message{Type: MsgJobStatus, Topic: "job:1"})

	select {
	case msg := <-jobSub.queue:
		assert.Equal(t, MsgJobStatus, msg.Type)
	default:
		t.Fatal("job subscriber did not receive the message")
	}
	select {
	case <-poolSub.queue:
		t.Fatal("pool subscriber received a foreign topic")
	default:
	}
}

func TestSlowSubscriberIsEvicted(t *testing.T) {
	h := NewHub()

	slow := bareClient("job:1")
	require.True(t, h.attach(slow))

	// Fill the queue, then one more: the overflow publish must evict the
	// client instead of blocking.
	for i := 0; i < clientQueueSize; i++ {
		h.Publish("job:1", Message{Type: MsgJobStatus, Topic: "job:1"})
	}
	h.Publish("job:1", Message{Type: MsgJobStatus, Topic: "job:1"})

	assert.Equal(t, 0, h.ConnectedCount())
	assert.Equal(t, uint64(1), h.EvictedCount())

	select {
	case <-slow.done:
	default:
		t.Fatal("evicted client was not shut down")
	}
}

func TestDetachIsIdempotent(t *testing.T) {
	h := NewHub()

	c := bareClient("runner:r1")
	require.True(t, h.attach(c))
	h.detach(c)
	h.detach(c)
	assert.Equal(t, 0, h.ConnectedCount())

	// Publishing to the vacated topic is a no-op.
	h.Publish("runner:r1", Message{Type: MsgRunnerStatus, Topic: "runner:r1"})
	select {
	case <-c.queue:
		t.Fatal("detached client received a message")
	default:
	}
}

func TestClosedHubRefusesAttach(t *testing.T) {
	h := NewHub()

	attached := bareClient("job:1")
	require.True(t, h.attach(attached))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.Run(ctx)

	select {
	case <-attached.done:
	default:
		t.Fatal("shutdown did not reach the attached client")
	}

	assert.False(t, h.attach(bareClient("job:2")))
	assert.Equal(t, 0, h.ConnectedCount())
}
