// Package eventbus decouples the control plane's components from one
// another. Instead of calling across package boundaries (webhook
// ingestor -> orchestrator -> webhook ingestor, a cyclic shape), every
// component publishes a typed event and lets subscribers loop on a
// channel. Ordering per-subject is preserved because each subscriber
// drains its own buffered channel in a single relay goroutine.
package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobTransitioned is published whenever a Delegated Job's status changes.
type JobTransitioned struct {
	JobID      uuid.UUID
	Repository string
	From       string
	To         string
	At         time.Time
}

// ContainerTransitioned is published on every Container Lifecycle Manager
// state-machine transition.
type ContainerTransitioned struct {
	ContainerID string
	RunnerID    uuid.UUID
	From        string
	To          string
	At          time.Time
	Reason      string
}

// RunnerStateChanged is published when a Runner's status or container
// assignment changes.
type RunnerStateChanged struct {
	RunnerID uuid.UUID
	Status   string
	At       time.Time
}

// WebhookProcessed is published after the Webhook Ingestor finishes
// handling a delivery, successfully or not.
type WebhookProcessed struct {
	DeliveryID string
	EventType  string
	Success    bool
	DurationMs int64
	At         time.Time
}

// ResourceAlert is published by the Container Lifecycle Manager's stats
// poll when a running container breaches a CPU or memory threshold.
type ResourceAlert struct {
	ContainerID string
	RunnerID    uuid.UUID
	Kind        string // "high-cpu" | "high-memory"
	Value       float64
	At          time.Time
}

// PoolScaled is published for every Auto-Scaler decision, including
// maintain decisions that take no action.
type PoolScaled struct {
	Repository string
	Action     string // "scale-up" | "scale-down" | "maintain"
	Delta      int
	Reason     string
	At         time.Time
}

// subscription is one subscriber's channel, generic over the event payload
// it wants to receive.
type subscription struct {
	ch     chan any
	closed bool
}

// Bus is a process-local, in-memory publish/subscribe broker. Subjects
// are distinguished by the concrete Go type of the event value, so there
// is no stringly-typed dispatch to get wrong. The zero value is not
// usable; use New.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*subscription
}

// New returns an idle Bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]*subscription)}
}

// Subscribe registers a new subscriber for events of type T and returns a
// channel delivering them plus an unsubscribe function. The channel is
// buffered (size 64); a subscriber that falls behind drops the oldest
// pending event rather than blocking the publisher — the in-process
// analogue of a websocket hub disconnecting a slow client, except the
// bus just keeps the newest events flowing.
func Subscribe[T any](b *Bus) (<-chan T, func()) {
	key := subjectKey[T]()
	sub := &subscription{ch: make(chan any, 64)}

	b.mu.Lock()
	b.subs[key] = append(b.subs[key], sub)
	b.mu.Unlock()

	out := make(chan T, 64)
	go func() {
		defer close(out)
		for v := range sub.ch {
			if ev, ok := v.(T); ok {
				select {
				case out <- ev:
				default:
					// Drop the oldest buffered event to make room rather
					// than block the relay goroutine.
					select {
					case <-out:
					default:
					}
					out <- ev
				}
			}
		}
	}()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[key]
		for i, s := range list {
			if s == sub {
				b.subs[key] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}

	return out, unsubscribe
}

// Publish delivers event to every current subscriber of its concrete type.
// Publish never blocks on a slow subscriber: each subscriber's relay
// goroutine applies the drop-oldest policy independently.
func Publish[T any](b *Bus, event T) {
	key := subjectKey[T]()

	b.mu.RLock()
	subs := make([]*subscription, len(b.subs[key]))
	copy(subs, b.subs[key])
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			// The relay goroutine is behind; drop this event for this
			// subscriber rather than blocking the publisher.
		}
	}
}

// subjectKey derives a bus subject key from a type parameter: the
// package-qualified name of T, read by typeName (a small reflect call)
// from T's zero value.
func subjectKey[T any]() string {
	var zero T
	return typeName(zero)
}
