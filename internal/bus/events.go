package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// EventType names a bus message.
type EventType string

const (
	// Worker to other contexts.
	ServerStatusUpdate   EventType = "serverStatusUpdate"
	ServerDiscovered     EventType = "serverDiscovered"
	DownloadQueueChanged EventType = "downloadQueueChanged"
	HistoryUpdated       EventType = "historyUpdated"

	// UI contexts to the worker.
	RescanRequested EventType = "rescanRequested"
	PortOverride    EventType = "portOverride"
	// SyncRequested asks the worker to republish its current status.
	SyncRequested EventType = "syncRequested"
)

// Envelope is the wire form of every bus message.
type Envelope struct {
	ID      string          `json:"id"`
	Type    EventType       `json:"type"`
	Source  string          `json:"source"`
	SentAt  time.Time       `json:"sentAt"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("decode %s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return nil
}

// NewEnvelope stamps a new message from source. payload may be nil.
func NewEnvelope(t EventType, source string, payload any) (Envelope, error) {
	env := Envelope{
		ID:     uuid.NewString(),
		Type:   t,
		Source: source,
		SentAt: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s: %w", t, err)
		}
		env.Payload = data
	}
	return env, nil
}

// StatusPayload accompanies ServerStatusUpdate. Port is nil when unknown.
type StatusPayload struct {
	Port   *int   `json:"port"`
	Status string `json:"status"`
}

// DiscoveredPayload accompanies ServerDiscovered.
type DiscoveredPayload struct {
	Port int `json:"port"`
}

// QueuePayload accompanies DownloadQueueChanged.
type QueuePayload struct {
	Queue  []string          `json:"queue"`
	Active map[string]string `json:"active,omitempty"`
}

// HistoryPayload accompanies HistoryUpdated. The history itself is read back
// from the KV store.
type HistoryPayload struct {
	Count int `json:"count"`
}

// RescanPayload accompanies RescanRequested.
type RescanPayload struct {
	Force bool `json:"force"`
}

// PortOverridePayload accompanies PortOverride.
type PortOverridePayload struct {
	Port int `json:"port"`
}

// Handler receives bus messages.
type Handler func(Envelope)

// Broadcaster is the message bus seen by a context. Delivery is
// at-most-once; a context that misses a message catches up by hydrating
// from the KV store.
type Broadcaster interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(fn Handler) (unsubscribe func())
}

// Publish builds an envelope and sends it through b.
func Publish(ctx context.Context, b Broadcaster, t EventType, source string, payload any) error {
	env, err := NewEnvelope(t, source, payload)
	if err != nil {
		return err
	}
	return b.Publish(ctx, env)
}
