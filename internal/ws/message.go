// Package ws is the real-time push surface: a topic-based WebSocket hub
// that streams job, runner, pool, and webhook events to connected
// dashboard clients. Subscriptions are validated against the known
// subject families at connect time, and a client that cannot keep up
// with its topics is evicted rather than allowed to stall them.
//
// Topic naming convention:
//
//	job:<uuid>          — status transitions for one delegated job
//	runner:<uuid>       — state changes for one runner
//	pool:<repository>   — scale actions for one repository's pool
//	webhook:<event>     — processed deliveries of one inbound event type
package ws

// MessageType identifies the kind of event carried by a Message, so
// clients can dispatch on it without inspecting the payload.
type MessageType string

const (
	MsgJobStatus      MessageType = "job.status"
	MsgRunnerStatus   MessageType = "runner.status"
	MsgPoolScaled     MessageType = "pool.scaled"
	MsgWebhook        MessageType = "webhook.processed"
	MsgContainerAlert MessageType = "container.alert"
)

// Message is the envelope for every frame pushed to clients.
type Message struct {
	Type    MessageType `json:"type"`
	Topic   string      `json:"topic"`
	Payload any         `json:"payload"`
}
