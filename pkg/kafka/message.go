package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmespath/go-jmespath"
)

// Header names carried on clover messages.
const (
	HeaderEventType     = "event_type"
	HeaderEntitySetID   = "entity_set_id"
	HeaderSchemaVersion = "schema_version"
	HeaderTraceParent   = "traceparent"
)

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	// Trace context (extracted from Kafka headers)
	TraceParent string

	// Parsed content
	EntityWrite *EntityWriteMessage
}

// EntityWriteMessage is an upstream write of entities into one entity set.
// The set id may also travel in the entity_set_id header.
type EntityWriteMessage struct {
	EntitySetID uuid.UUID                      `json:"entity_set_id"`
	Entities    map[uuid.UUID]map[string][]any `json:"entities"`
}

// ParseEntityWrite parses the value as an entity write, falling back to the
// entity_set_id header when the body does not name a set.
func (m *IncomingMessage) ParseEntityWrite() error {
	return m.ParseEntityWriteAt(nil)
}

// ParseEntityWriteAt is ParseEntityWrite for an entity write nested inside an
// envelope. path selects it from the decoded value; nil means the whole value.
func (m *IncomingMessage) ParseEntityWriteAt(path *jmespath.JMESPath) error {
	raw := m.Value
	if path != nil {
		var envelope any
		if err := json.Unmarshal(m.Value, &envelope); err != nil {
			return fmt.Errorf("failed to parse envelope: %w", err)
		}
		selected, err := path.Search(envelope)
		if err != nil {
			return fmt.Errorf("failed to select entity write: %w", err)
		}
		if selected == nil {
			return fmt.Errorf("envelope holds no entity write")
		}
		if raw, err = json.Marshal(selected); err != nil {
			return fmt.Errorf("failed to re-encode entity write: %w", err)
		}
	}

	var msg EntityWriteMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("failed to parse entity write: %w", err)
	}
	if msg.EntitySetID == uuid.Nil {
		if raw, ok := m.Headers[HeaderEntitySetID]; ok {
			id, err := uuid.Parse(raw)
			if err != nil {
				return fmt.Errorf("invalid %s header %q: %w", HeaderEntitySetID, raw, err)
			}
			msg.EntitySetID = id
		}
	}
	if msg.EntitySetID == uuid.Nil {
		return fmt.Errorf("entity write names no entity set")
	}
	m.EntityWrite = &msg
	return nil
}

// EventType returns the event_type header, if any.
func (m *IncomingMessage) EventType() string {
	return m.Headers[HeaderEventType]
}
