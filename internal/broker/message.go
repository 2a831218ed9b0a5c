package broker

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Message is a single event delivered through the broker. Messages are not
// persisted anywhere; a subscriber that was not attached at publish time will
// never see the message.
type Message struct {
	ID      string         `json:"id"`
	Topic   string         `json:"topic"`
	Time    time.Time      `json:"time"`
	Payload map[string]any `json:"payload,omitempty"`
}

// NewMessage creates a message with a sortable unique ID
func NewMessage(topic string, payload map[string]any) Message {
	return Message{
		ID:      ksuid.New().String(),
		Topic:   topic,
		Time:    time.Now(),
		Payload: payload,
	}
}

// String returns a payload value as a string, or "" when absent
func (m Message) String(key string) string {
	if v, ok := m.Payload[key].(string); ok {
		return v
	}
	return ""
}
