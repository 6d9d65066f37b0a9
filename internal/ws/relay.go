package ws

import (
	"context"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/eventbus"
)

// Relay bridges the in-process event bus onto hub topics, so components
// publish typed events once and connected dashboards still see them. It is
// the only place that knows both vocabularies.
type Relay struct {
	hub *Hub
	bus *eventbus.Bus
}

// NewRelay returns a Relay between bus and hub. Call Run in a goroutine.
func NewRelay(hub *Hub, bus *eventbus.Bus) *Relay {
	return &Relay{hub: hub, bus: bus}
}

// Run subscribes to every relayed event type and forwards until ctx is
// cancelled.
func (r *Relay) Run(ctx context.Context) {
	jobs, unsubJobs := eventbus.Subscribe[eventbus.JobTransitioned](r.bus)
	defer unsubJobs()
	runners, unsubRunners := eventbus.Subscribe[eventbus.RunnerStateChanged](r.bus)
	defer unsubRunners()
	pools, unsubPools := eventbus.Subscribe[eventbus.PoolScaled](r.bus)
	defer unsubPools()
	webhooks, unsubWebhooks := eventbus.Subscribe[eventbus.WebhookProcessed](r.bus)
	defer unsubWebhooks()
	alerts, unsubAlerts := eventbus.Subscribe[eventbus.ResourceAlert](r.bus)
	defer unsubAlerts()

	for {
		select {
		case ev, ok := <-jobs:
			if !ok {
				return
			}
			topic := "job:" + ev.JobID.String()
			r.hub.Publish(topic, Message{Type: MsgJobStatus, Topic: topic, Payload: ev})

		case ev, ok := <-runners:
			if !ok {
				return
			}
			topic := "runner:" + ev.RunnerID.String()
			r.hub.Publish(topic, Message{Type: MsgRunnerStatus, Topic: topic, Payload: ev})

		case ev, ok := <-pools:
			if !ok {
				return
			}
			topic := "pool:" + ev.Repository
			r.hub.Publish(topic, Message{Type: MsgPoolScaled, Topic: topic, Payload: ev})

		case ev, ok := <-webhooks:
			if !ok {
				return
			}
			topic := "webhook:" + ev.EventType
			r.hub.Publish(topic, Message{Type: MsgWebhook, Topic: topic, Payload: ev})

		case ev, ok := <-alerts:
			if !ok {
				return
			}
			topic := "runner:" + ev.RunnerID.String()
			r.hub.Publish(topic, Message{Type: MsgContainerAlert, Topic: topic, Payload: ev})

		case <-ctx.Done():
			return
		}
	}
}
