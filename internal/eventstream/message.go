// Package eventstream implements the admin dashboard's real-time event feed:
// a topic-based WebSocket pub/sub hub that broadcasts registry.Event values
// as they happen (instance registered, taken over, state transitions,
// evicted). It implements registry.EventPublisher so the registry package
// never imports it directly.
package eventstream

// MessageType identifies the kind of event carried by a Message.
type MessageType string

const (
	// MsgInstanceEvent carries a registry.Event: registration, takeover,
	// state transition, or eviction.
	MsgInstanceEvent MessageType = "instance.event"
)

// Message is the envelope for every frame sent to a dashboard client.
type Message struct {
	Type    MessageType `json:"type"`
	Topic   string      `json:"topic"`
	Payload any         `json:"payload"`
}

// TopicInstances is the single broadcast topic all dashboard clients
// subscribe to today.
const TopicInstances = "instances"
