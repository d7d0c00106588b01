package redqueue

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Serializer turns messages into the string stored in Redis and back.
type Serializer interface {
	Serialize(m *Message) (string, error)
	Deserialize(s string) (*Message, error)
}

// JSONSerializer writes {"message": {...}} with second-resolution float
// timestamps, the format shared with the monitor records.
type JSONSerializer struct{}

type wireMessage struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	ExecuteAt *float64        `json:"execute_at"`
	Retries   int             `json:"retries"`
	Created   float64         `json:"created"`
}

type wireEnvelope struct {
	Message *wireMessage `json:"message"`
}

func (JSONSerializer) Serialize(m *Message) (string, error) {
	b, err := json.Marshal(wireEnvelope{Message: toWire(m)})
	if err != nil {
		return "", fmt.Errorf("serialize message %s: %w", m.ID, err)
	}
	return string(b), nil
}

func (JSONSerializer) Deserialize(s string) (*Message, error) {
	var env wireEnvelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Message == nil || env.Message.ID == "" {
		return nil, fmt.Errorf("%w: missing message", ErrMalformedMessage)
	}
	return fromWire(env.Message), nil
}

func toWire(m *Message) *wireMessage {
	if m == nil {
		return nil
	}
	w := &wireMessage{
		ID:      m.ID,
		Type:    m.Type,
		Payload: m.Payload,
		Retries: m.Retries,
		Created: unixSeconds(m.Created),
	}
	if len(w.Payload) == 0 {
		w.Payload = json.RawMessage("null")
	}
	if m.ExecuteAt != nil {
		at := unixSeconds(*m.ExecuteAt)
		w.ExecuteAt = &at
	}
	return w
}

func fromWire(w *wireMessage) *Message {
	m := &Message{
		ID:      w.ID,
		Type:    w.Type,
		Payload: w.Payload,
		Retries: w.Retries,
		Created: fromUnixSeconds(w.Created),
	}
	if string(m.Payload) == "null" {
		m.Payload = nil
	}
	if w.ExecuteAt != nil {
		at := fromUnixSeconds(*w.ExecuteAt)
		m.ExecuteAt = &at
	}
	return m
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixMicro()) / 1e6
}

func fromUnixSeconds(f float64) time.Time {
	if f == 0 {
		return time.Time{}
	}
	return time.UnixMicro(int64(math.Round(f * 1e6)))
}
