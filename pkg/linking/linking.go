// Package linking owns cluster membership: which entities are linked together,
// which still need linking, and the append-only history of membership changes.
package linking

import (
	"context"
	"slices"

	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/models"
)

// Service is the read and commit surface of the linking store.
type Service interface {
	// GetClustersContaining returns a snapshot of every cluster that holds at
	// least one of keys, by cluster id.
	GetClustersContaining(ctx context.Context, keys models.KeySet) (map[uuid.UUID]models.KeyedCluster, error)
	GetClusterIDsContaining(ctx context.Context, keys models.KeySet) ([]uuid.UUID, error)
	GetCluster(ctx context.Context, id uuid.UUID) (models.KeyedCluster, error)

	// GetLinkableEntitySets returns registered sets of a linkable type. An empty
	// whitelist admits every set and the blacklist always wins.
	GetLinkableEntitySets(ctx context.Context, linkableTypes []string, blacklist, whitelist []uuid.UUID) ([]uuid.UUID, error)
	GetEntitiesNeedingLinking(ctx context.Context, entitySetIDs []uuid.UUID, limit int) ([]models.EntityDataKey, error)

	// CommitCluster replaces the membership and edges of candidate.ClusterID if
	// its stored version still equals candidate.Version. Version 0 creates the
	// cluster. Members held by other clusters are moved out of them.
	CommitCluster(ctx context.Context, candidate models.ScoredCluster) (models.KeyedCluster, error)
	CreateOrUpdateCluster(ctx context.Context, linkingID uuid.UUID, links models.KeySet, replace bool) error
	ClearEntitiesFromCluster(ctx context.Context, linkingID uuid.UUID, keys models.KeySet) error
	ReadLatestLinkLog(ctx context.Context, linkingID uuid.UUID) (models.KeySet, error)

	MarkLinked(ctx context.Context, key models.EntityDataKey, version int64) error
	// RequeueEpoch counts the MarkNeedsLinking calls that have touched key.
	RequeueEpoch(ctx context.Context, key models.EntityDataKey) (int64, error)
	// MarkLinkedAt marks key linked only if no requeue happened since epoch
	// was read, reporting whether it did.
	MarkLinkedAt(ctx context.Context, key models.EntityDataKey, version, epoch int64) (bool, error)
	MarkNeedsLinking(ctx context.Context, keys ...models.EntityDataKey) error

	RegisterEntitySet(ctx context.Context, set models.EntitySet) error
	GetEntitySet(ctx context.Context, id uuid.UUID) (models.EntitySet, error)
	GetLinkingFinishedEntitySets(ctx context.Context, entitySetIDs []uuid.UUID) ([]uuid.UUID, error)
	GetEntitySetStatus(ctx context.Context, id uuid.UUID) (models.EntitySetLinkingStatus, error)
	SearchLinkedEntities(ctx context.Context, entitySetIDs []uuid.UUID) ([]models.KeyedCluster, error)
}

// linkable applies the type filter and the black and white lists to sets.
func linkable(sets []models.EntitySet, linkableTypes []string, blacklist, whitelist []uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(sets))
	for _, s := range sets {
		if len(linkableTypes) > 0 && !slices.Contains(linkableTypes, s.EntityType) {
			continue
		}
		if slices.Contains(blacklist, s.ID) {
			continue
		}
		if len(whitelist) > 0 && !slices.Contains(whitelist, s.ID) {
			continue
		}
		out = append(out, s.ID)
	}
	sortIDs(out)
	return out
}

// status derives the linking state of a set from its queue counts. Clustering
// is only known to the running linker, which overlays it.
func status(id uuid.UUID, needsLinking, linked int) models.EntitySetLinkingStatus {
	st := models.EntitySetLinkingStatus{EntitySetID: id, NeedsLinking: needsLinking}
	switch {
	case needsLinking == 0:
		st.Status = models.LinkingStatusLinked
	case linked == 0:
		st.Status = models.LinkingStatusUnlinked
	default:
		st.Status = models.LinkingStatusQueued
	}
	return st
}

func sortIDs(ids []uuid.UUID) {
	slices.SortFunc(ids, func(a, b uuid.UUID) int {
		return slices.Compare(a[:], b[:])
	})
}
