package eventbus

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscriber(t *testing.T) {
	bus := New()

	ch, unsubscribe := Subscribe[JobTransitioned](bus)
	defer unsubscribe()

	want := JobTransitioned{JobID: uuid.New(), Repository: "o/r", From: "pending", To: "assigned", At: time.Now()}
	Publish(bus, want)

	select {
	case got := <-ch:
		assert.Equal(t, want.JobID, got.JobID)
		assert.Equal(t, "assigned", got.To)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSubscribersAreTypeScoped(t *testing.T) {
	bus := New()

	jobs, unsubJobs := Subscribe[JobTransitioned](bus)
	defer unsubJobs()
	runners, unsubRunners := Subscribe[RunnerStateChanged](bus)
	defer unsubRunners()

	Publish(bus, RunnerStateChanged{RunnerID: uuid.New(), Status: "busy", At: time.Now()})

	select {
	case <-runners:
	case <-time.After(time.Second):
		t.Fatal("runner event not delivered")
	}

	select {
	case ev := <-jobs:
		t.Fatalf("job subscriber received foreign event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	bus := New()

	a, unsubA := Subscribe[PoolScaled](bus)
	defer unsubA()
	b, unsubB := Subscribe[PoolScaled](bus)
	defer unsubB()

	Publish(bus, PoolScaled{Repository: "o/r", Action: "scale-up", Delta: 2, At: time.Now()})

	for name, ch := range map[string]<-chan PoolScaled{"a": a, "b": b} {
		select {
		case got := <-ch:
			assert.Equal(t, 2, got.Delta)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s did not receive the event", name)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New()

	ch, unsubscribe := Subscribe[WebhookProcessed](bus)
	unsubscribe()

	Publish(bus, WebhookProcessed{DeliveryID: "d-1", At: time.Now()})

	// The relay goroutine closes the channel on unsubscribe; either a
	// closed channel or silence is acceptable, delivery is not.
	select {
	case ev, ok := <-ch:
		require.False(t, ok, "received event after unsubscribe: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := New()

	_, unsubscribe := Subscribe[JobTransitioned](bus)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		// Far more events than any buffer holds; Publish must not block
		// even though nobody drains the subscription.
		for i := 0; i < 1000; i++ {
			Publish(bus, JobTransitioned{JobID: uuid.New(), At: time.Now()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}
