// Package event defines DebugEvent, the unit of telemetry produced by
// capability modules, and the process-wide producer hook they push into.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/debugprobe/pkg/protocol"
)

// Category tags the payload variant carried by an Event.
type Category string

const (
	CategoryNetwork     Category = "network"
	CategorySocket      Category = "socket"
	CategoryLog         Category = "log"
	CategoryStats       Category = "stats"
	CategoryPerformance Category = "performance"
	CategoryCustom      Category = "custom"
)

var knownCategories = map[Category]bool{
	CategoryNetwork:     true,
	CategorySocket:      true,
	CategoryLog:         true,
	CategoryStats:       true,
	CategoryPerformance: true,
	CategoryCustom:      true,
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool { return knownCategories[c] }

// Event is one captured unit of telemetry. Fields are unexported so a
// created Event cannot be mutated; Payload returns a copy.
type Event struct {
	id        string
	category  Category
	timestamp time.Time
	payload   json.RawMessage
}

// wireEvent is the JSON shape of an Event, both on the wire and on disk.
type wireEvent struct {
	ID        string             `json:"id"`
	Category  Category           `json:"category"`
	Timestamp protocol.Timestamp `json:"timestamp"`
	Payload   json.RawMessage    `json:"payload"`
}

// New creates an Event with a fresh time-ordered id. payload is marshalled
// to JSON immediately; json.RawMessage is copied as-is.
func New(category Category, payload interface{}) (Event, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Event{}, fmt.Errorf("event %s: %w", category, err)
	}
	if !category.Valid() {
		category = CategoryCustom
	}
	return Event{
		id:        uuid.Must(uuid.NewV7()).String(),
		category:  category,
		timestamp: time.Now().UTC(),
		payload:   raw,
	}, nil
}

// Restore rebuilds an Event from stored parts, keeping its original id and
// timestamp. Used when events come back from durable storage.
func Restore(id string, category Category, ts time.Time, payload []byte) Event {
	if !category.Valid() {
		category = CategoryCustom
	}
	return Event{
		id:        id,
		category:  category,
		timestamp: ts,
		payload:   append(json.RawMessage(nil), payload...),
	}
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("invalid raw payload")
		}
		return append(json.RawMessage(nil), p...), nil
	default:
		return json.Marshal(p)
	}
}

func (e Event) ID() string           { return e.id }
func (e Event) Category() Category   { return e.category }
func (e Event) Timestamp() time.Time { return e.timestamp }

// Payload returns a copy of the category-specific JSON payload.
func (e Event) Payload() json.RawMessage {
	return append(json.RawMessage(nil), e.payload...)
}

// IsZero reports whether e was never initialized.
func (e Event) IsZero() bool { return e.id == "" }

// MarshalJSON encodes the event in its wire shape.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		ID:        e.id,
		Category:  e.category,
		Timestamp: protocol.Timestamp(e.timestamp),
		Payload:   e.payload,
	})
}

// UnmarshalJSON decodes the wire shape. Unknown categories become custom.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.ID == "" {
		return fmt.Errorf("event without id")
	}
	*e = Restore(w.ID, w.Category, w.Timestamp.Time(), w.Payload)
	return nil
}

// Decode parses a serialized event.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	return e, nil
}
