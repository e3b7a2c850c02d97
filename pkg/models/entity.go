package models

import (
	"time"

	"github.com/google/uuid"
)

// Entity is a raw entity record as stored in an entity set.
// Properties map a property type name to its values.
type Entity struct {
	Key        EntityDataKey    `json:"key"`
	Properties map[string][]any `json:"properties"`
	// Version increases on every write to the entity
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EntitySet is a named collection of entities of one entity type.
type EntitySet struct {
	ID         uuid.UUID `json:"id" db:"id"`
	Name       string    `json:"name" db:"name" validate:"required"`
	EntityType string    `json:"entityType" db:"entity_type" validate:"required"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
}

// UpsertEntitiesRequest is the import payload: entity key id to property values.
type UpsertEntitiesRequest struct {
	Entities map[uuid.UUID]map[string][]any `json:"entities" validate:"required,min=1"`
}

// LinkingStatus is the per entity set state of the linking loop.
type LinkingStatus string

const (
	LinkingStatusUnlinked   LinkingStatus = "unlinked"
	LinkingStatusQueued     LinkingStatus = "queued"
	LinkingStatusClustering LinkingStatus = "clustering"
	LinkingStatusLinked     LinkingStatus = "linked"
)

// EntitySetLinkingStatus reports where an entity set is in the linking loop.
type EntitySetLinkingStatus struct {
	EntitySetID  uuid.UUID     `json:"entitySetId"`
	Status       LinkingStatus `json:"status"`
	NeedsLinking int           `json:"needsLinking"`
	InFlight     int           `json:"inFlight"`
}

// LinkAction is the kind of change recorded in the linking log.
type LinkAction string

const (
	LinkActionAdd    LinkAction = "add"
	LinkActionRemove LinkAction = "remove"
)

// LinkingLogEntry is one append-only membership delta for a linking id.
type LinkingLogEntry struct {
	LinkingID uuid.UUID     `json:"linkingId" db:"linking_id"`
	Version   int64         `json:"version" db:"version"`
	Key       EntityDataKey `json:"key"`
	Action    LinkAction    `json:"action" db:"action"`
	CreatedAt time.Time     `json:"createdAt" db:"created_at"`
}

// ReplayLinkingLog folds log entries, in append order, into the current membership.
func ReplayLinkingLog(entries []LinkingLogEntry) KeySet {
	out := make(KeySet)
	for _, e := range entries {
		switch e.Action {
		case LinkActionAdd:
			out.Add(e.Key)
		case LinkActionRemove:
			delete(out, e.Key)
		}
	}
	return out
}
