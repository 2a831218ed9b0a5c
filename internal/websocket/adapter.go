package websocket

import (
	"context"
	"strings"

	"datapulse/internal/broker"
)

// BrokerSource is the subscription surface of the broker
type BrokerSource interface {
	Subscribe(pattern string, handler broker.Handler) (string, error)
	Unsubscribe(id string)
}

// forwarded broker patterns and the envelope types they map to
var forwardedPatterns = map[string]string{
	"pipeline.#":     TypeRunStatus,
	"quality.#":      TypeQuality,
	"controlpoint.#": TypeControlPoint,
}

// Adapter forwards broker traffic to the websocket hub
type Adapter struct {
	source BrokerSource
	subIDs []string
}

// NewAdapter subscribes the hub to the pipeline, quality and control point
// topics. Call Close to drop the subscriptions.
func NewAdapter(source BrokerSource, hub *Hub) (*Adapter, error) {
	a := &Adapter{source: source}
	for pattern, eventType := range forwardedPatterns {
		id, err := source.Subscribe(pattern, forward(hub, eventType))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.subIDs = append(a.subIDs, id)
	}
	return a, nil
}

// Close removes the adapter's broker subscriptions
func (a *Adapter) Close() {
	for _, id := range a.subIDs {
		a.source.Unsubscribe(id)
	}
	a.subIDs = nil
}

func forward(hub *Hub, eventType string) broker.Handler {
	return func(ctx context.Context, msg broker.Message) {
		// Control messages are inbound commands, not state to mirror out
		if strings.HasPrefix(msg.Topic, "pipeline.control.") {
			return
		}
		hub.Broadcast(Envelope{
			Type:      eventType,
			Topic:     msg.Topic,
			Timestamp: msg.Time,
			Payload:   msg.Payload,
		})
	}
}
