package models

import (
	"fmt"

	"github.com/google/uuid"
)

// QueryKind tags the variant held by an EntityQuery.
type QueryKind int

const (
	// QueryKindByKeys selects explicit entity keys
	QueryKindByKeys QueryKind = iota + 1
	// QueryKindByEntitySets selects every entity in the given sets
	QueryKindByEntitySets
	// QueryKindByCluster selects the members of one cluster
	QueryKindByCluster
)

func (k QueryKind) String() string {
	switch k {
	case QueryKindByKeys:
		return "by_keys"
	case QueryKindByEntitySets:
		return "by_entity_sets"
	case QueryKindByCluster:
		return "by_cluster"
	default:
		return fmt.Sprintf("QueryKind(%d)", int(k))
	}
}

// EntityQuery is a tagged union over the ways entities can be selected.
// Only the field matching Kind is set.
type EntityQuery struct {
	Kind         QueryKind
	Keys         []EntityDataKey
	EntitySetIDs []uuid.UUID
	ClusterID    uuid.UUID
}

// QueryByKeys selects explicit keys.
func QueryByKeys(keys ...EntityDataKey) EntityQuery {
	return EntityQuery{Kind: QueryKindByKeys, Keys: keys}
}

// QueryByEntitySets selects whole entity sets.
func QueryByEntitySets(ids ...uuid.UUID) EntityQuery {
	return EntityQuery{Kind: QueryKindByEntitySets, EntitySetIDs: ids}
}

// QueryByCluster selects the members of a cluster.
func QueryByCluster(id uuid.UUID) EntityQuery {
	return EntityQuery{Kind: QueryKindByCluster, ClusterID: id}
}

// Validate checks that the variant named by Kind is populated.
func (q EntityQuery) Validate() error {
	switch q.Kind {
	case QueryKindByKeys:
		if len(q.Keys) == 0 {
			return fmt.Errorf("%s query requires at least one key", q.Kind)
		}
	case QueryKindByEntitySets:
		if len(q.EntitySetIDs) == 0 {
			return fmt.Errorf("%s query requires at least one entity set", q.Kind)
		}
	case QueryKindByCluster:
		if q.ClusterID == uuid.Nil {
			return fmt.Errorf("%s query requires a cluster id", q.Kind)
		}
	default:
		return fmt.Errorf("unknown query kind %s", q.Kind)
	}
	return nil
}
