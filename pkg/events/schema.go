package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/models"
)

// EventType defines the type of event
type EventType string

const (
	// Cluster events
	EventTypeClusterUpdated   EventType = "cluster.updated"
	EventTypeClusterDissolved EventType = "cluster.dissolved"

	// Feedback events
	EventTypeFeedbackRecorded EventType = "feedback.recorded"
	EventTypeFeedbackDeleted  EventType = "feedback.deleted"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventType     EventType `json:"event_type"`
	SchemaVersion string    `json:"schema_version"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// ClusterMember is one entity in a cluster event.
type ClusterMember struct {
	EntitySetID uuid.UUID `json:"entity_set_id"`
	EntityKeyID uuid.UUID `json:"entity_key_id"`
}

// ClusterEdge is one scored pair in a cluster event.
type ClusterEdge struct {
	Src   ClusterMember `json:"src"`
	Dst   ClusterMember `json:"dst"`
	Score float64       `json:"score"`
}

// ClusterEvent is emitted after a commit changes a cluster. A dissolved
// cluster carries no members.
type ClusterEvent struct {
	BaseEvent
	ClusterID uuid.UUID       `json:"cluster_id"`
	Version   int64           `json:"version"`
	Score     float64         `json:"score"`
	Members   []ClusterMember `json:"members"`
	Edges     []ClusterEdge   `json:"edges,omitempty"`
	Trigger   ClusterMember   `json:"trigger"`
}

// FeedbackEvent is emitted when a linking decision is recorded or removed.
type FeedbackEvent struct {
	BaseEvent
	Src    ClusterMember `json:"src"`
	Dst    ClusterMember `json:"dst"`
	Linked bool          `json:"linked"`
}

// NewBaseEvent creates a base event with common fields
func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		EventType:     eventType,
		SchemaVersion: SchemaVersion,
		Timestamp:     time.Now().UTC(),
		CorrelationID: uuid.New().String(),
	}
}

func member(k models.EntityDataKey) ClusterMember {
	return ClusterMember{EntitySetID: k.EntitySetID, EntityKeyID: k.EntityKeyID}
}
