// Package message defines the JSON frames exchanged on the local /ws stream.
package message

import (
	"encoding/json"

	"github.com/kehao95/gh-app-relay/internal/webhooks"
)

const (
	TypeEvent     = "event"
	TypeSubscribe = "subscribe"
)

// EventMessage is the JSONL envelope for one webhook delivery.
type EventMessage struct {
	Type           string          `json:"type"`
	Event          string          `json:"event"`
	Action         string          `json:"action,omitempty"`
	DeliveryID     string          `json:"delivery_id"`
	InstallationID int64           `json:"installation_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

// SubscribeMessage is sent by stream clients to filter deliveries. An empty
// Events list receives everything.
type SubscribeMessage struct {
	Type   string   `json:"type"`
	Events []string `json:"events"`
}

func NewEvent(delivery webhooks.Delivery) EventMessage {
	var head struct {
		Installation struct {
			ID int64 `json:"id"`
		} `json:"installation"`
	}
	_ = json.Unmarshal(delivery.Raw, &head)

	return EventMessage{
		Type:           TypeEvent,
		Event:          delivery.Name,
		Action:         delivery.Action,
		DeliveryID:     delivery.ID,
		InstallationID: head.Installation.ID,
		Payload:        delivery.Raw,
	}
}

func NewSubscribe(events []string) SubscribeMessage {
	if events == nil {
		events = []string{}
	}
	return SubscribeMessage{Type: TypeSubscribe, Events: events}
}

// Subscribed reports whether a filter accepts a delivery. Filters name an
// event ("issues") or an event and action ("issues.opened").
func Subscribed(events []string, event, action string) bool {
	if len(events) == 0 {
		return true
	}
	for _, candidate := range events {
		if candidate == "*" || candidate == event {
			return true
		}
		if action != "" && candidate == event+"."+action {
			return true
		}
	}
	return false
}
