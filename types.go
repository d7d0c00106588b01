package redqueue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultPriority is the priority every driver registers its constructor key at.
const DefaultPriority = 100

// Message is the unit handed to callbacks. It is immutable once sent.
// A nil ExecuteAt (or one in the past) means "deliver now".
type Message struct {
	ID        string
	Type      string
	Payload   json.RawMessage
	ExecuteAt *time.Time
	Retries   int
	Created   time.Time
}

// NewMessage builds a message with a random ID and the current creation time.
func NewMessage(typ string, payload json.RawMessage) *Message {
	return &Message{
		ID:      uuid.NewString(),
		Type:    typ,
		Payload: payload,
		Created: time.Now(),
	}
}

// Delayed reports whether m must wait in a delayed queue at now.
func (m *Message) Delayed(now time.Time) bool {
	return m.ExecuteAt != nil && m.ExecuteAt.After(now)
}

// executeScore is the sorted-set score used for delayed and sorted-set queues.
func (m *Message) executeScore(now time.Time) float64 {
	if m.ExecuteAt != nil {
		return float64(m.ExecuteAt.UnixMicro())
	}
	return float64(now.UnixMicro())
}

// Envelope identifies one claimed, not yet acknowledged stream entry.
type Envelope struct {
	Queue    string
	EntryID  string
	Group    string
	Consumer string
	Message  *Message
	Priority int
}

// ProcessingStatus is free-text progress for the message currently owned
// by a worker. A nil Percent disables completion tracking.
type ProcessingStatus struct {
	Status  string   `json:"status"`
	Percent *float64 `json:"percent"`
	At      float64  `json:"timestamp"`
}

type EventType string

const (
	EventSent      EventType = "sent"
	EventReceived  EventType = "received"
	EventProcessed EventType = "processed"
	EventRecovered EventType = "recovered"
	EventClaimed   EventType = "claimed"
	EventDiscarded EventType = "discarded"
	EventPromoted  EventType = "promoted"
)

type Event struct {
	Type      EventType         `json:"type"`
	Queue     string            `json:"queue"`
	MessageID string            `json:"message_id,omitempty"`
	Priority  int               `json:"priority"`
	AtUnixMs  int64             `json:"at_unix_ms"`
	Extra     map[string]string `json:"extra,omitempty"`
}
