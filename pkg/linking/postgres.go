package linking

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/internal/repositories/cluster"
	"github.com/Ramsey-B/clover/internal/repositories/entitydata"
	"github.com/Ramsey-B/clover/internal/repositories/entityset"
	"github.com/Ramsey-B/clover/pkg/linkerr"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// PostgresService is the Service backed by the entity data, entity set and
// cluster repositories.
type PostgresService struct {
	logger   ectologger.Logger
	entities *entitydata.Repository
	sets     *entityset.Repository
	clusters *cluster.Repository
}

var _ Service = (*PostgresService)(nil)

func NewPostgresService(
	logger ectologger.Logger,
	entities *entitydata.Repository,
	sets *entityset.Repository,
	clusters *cluster.Repository,
) *PostgresService {
	return &PostgresService{
		logger:   logger,
		entities: entities,
		sets:     sets,
		clusters: clusters,
	}
}

func (s *PostgresService) GetClustersContaining(ctx context.Context, keys models.KeySet) (map[uuid.UUID]models.KeyedCluster, error) {
	if len(keys) == 0 {
		return map[uuid.UUID]models.KeyedCluster{}, nil
	}
	return s.clusters.GetContaining(ctx, keys)
}

func (s *PostgresService) GetClusterIDsContaining(ctx context.Context, keys models.KeySet) ([]uuid.UUID, error) {
	clusters, err := s.GetClustersContaining(ctx, keys)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(clusters))
	for id := range clusters {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids, nil
}

func (s *PostgresService) GetCluster(ctx context.Context, id uuid.UUID) (models.KeyedCluster, error) {
	return s.clusters.GetByID(ctx, id)
}

func (s *PostgresService) GetLinkableEntitySets(ctx context.Context, linkableTypes []string, blacklist, whitelist []uuid.UUID) ([]uuid.UUID, error) {
	sets, err := s.sets.List(ctx)
	if err != nil {
		return nil, err
	}
	return linkable(sets, linkableTypes, blacklist, whitelist), nil
}

func (s *PostgresService) GetEntitiesNeedingLinking(ctx context.Context, entitySetIDs []uuid.UUID, limit int) ([]models.EntityDataKey, error) {
	if len(entitySetIDs) == 0 {
		return []models.EntityDataKey{}, nil
	}
	return s.entities.NeedingLinking(ctx, entitySetIDs, limit)
}

func (s *PostgresService) CommitCluster(ctx context.Context, candidate models.ScoredCluster) (models.KeyedCluster, error) {
	if candidate.Cluster.Size() == 0 {
		return models.KeyedCluster{}, linkerr.Validation("cannot commit an empty cluster")
	}
	if candidate.ClusterID == uuid.Nil {
		candidate.ClusterID = uuid.New()
	}
	return s.clusters.Commit(ctx, candidate)
}

func (s *PostgresService) CreateOrUpdateCluster(ctx context.Context, linkingID uuid.UUID, links models.KeySet, replace bool) error {
	ctx, span := tracing.StartSpan(ctx, "linking.PostgresService.CreateOrUpdateCluster")
	defer span.End()

	if linkingID == uuid.Nil {
		return linkerr.Validation("linking id is required")
	}

	return s.clusters.Update(ctx, linkingID, func(prev *models.KeyedCluster) (models.Cluster, float64, error) {
		next := models.NewCluster()
		score := models.MaxScore
		if prev != nil {
			next = prev.Cluster.Clone()
			score = prev.Score
			if replace {
				next = next.Without(prev.Cluster.Members().Minus(links).Sorted()...)
			}
		}
		for k := range links {
			next.AddMember(k)
		}
		if prev != nil && next.Members().Equal(prev.Cluster.Members()) {
			return nil, 0, nil
		}
		return next, score, nil
	})
}

func (s *PostgresService) ClearEntitiesFromCluster(ctx context.Context, linkingID uuid.UUID, keys models.KeySet) error {
	ctx, span := tracing.StartSpan(ctx, "linking.PostgresService.ClearEntitiesFromCluster")
	defer span.End()

	return s.clusters.Update(ctx, linkingID, func(prev *models.KeyedCluster) (models.Cluster, float64, error) {
		if prev == nil {
			return nil, 0, linkerr.NotFound("cluster %s not found", linkingID)
		}
		next := prev.Cluster.Without(keys.Sorted()...)
		if next.Size() == prev.Cluster.Size() {
			return nil, 0, nil
		}
		return next, prev.Score, nil
	})
}

func (s *PostgresService) ReadLatestLinkLog(ctx context.Context, linkingID uuid.UUID) (models.KeySet, error) {
	entries, err := s.clusters.ReadLog(ctx, linkingID)
	if err != nil {
		return nil, err
	}
	return models.ReplayLinkingLog(entries), nil
}

func (s *PostgresService) MarkLinked(ctx context.Context, key models.EntityDataKey, version int64) error {
	return s.entities.MarkLinked(ctx, key, version)
}

func (s *PostgresService) RequeueEpoch(ctx context.Context, key models.EntityDataKey) (int64, error) {
	return s.entities.RequeueEpoch(ctx, key)
}

func (s *PostgresService) MarkLinkedAt(ctx context.Context, key models.EntityDataKey, version, epoch int64) (bool, error) {
	return s.entities.MarkLinkedAt(ctx, key, version, epoch)
}

func (s *PostgresService) MarkNeedsLinking(ctx context.Context, keys ...models.EntityDataKey) error {
	if len(keys) == 0 {
		return nil
	}
	return s.entities.MarkNeedsLinking(ctx, keys...)
}

func (s *PostgresService) RegisterEntitySet(ctx context.Context, set models.EntitySet) error {
	if set.ID == uuid.Nil {
		return linkerr.Validation("entity set id is required")
	}
	return s.sets.Upsert(ctx, set)
}

func (s *PostgresService) GetEntitySet(ctx context.Context, id uuid.UUID) (models.EntitySet, error) {
	return s.sets.GetByID(ctx, id)
}

func (s *PostgresService) GetLinkingFinishedEntitySets(ctx context.Context, entitySetIDs []uuid.UUID) ([]uuid.UUID, error) {
	ctx, span := tracing.StartSpan(ctx, "linking.PostgresService.GetLinkingFinishedEntitySets")
	defer span.End()

	if len(entitySetIDs) == 0 {
		sets, err := s.sets.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, set := range sets {
			entitySetIDs = append(entitySetIDs, set.ID)
		}
	}

	out := make([]uuid.UUID, 0, len(entitySetIDs))
	for _, id := range entitySetIDs {
		needs, _, err := s.entities.Counts(ctx, id)
		if err != nil {
			return nil, err
		}
		if needs == 0 {
			out = append(out, id)
		}
	}
	sortIDs(out)
	return out, nil
}

func (s *PostgresService) GetEntitySetStatus(ctx context.Context, id uuid.UUID) (models.EntitySetLinkingStatus, error) {
	if _, err := s.sets.GetByID(ctx, id); err != nil {
		return models.EntitySetLinkingStatus{}, err
	}
	needs, linked, err := s.entities.Counts(ctx, id)
	if err != nil {
		return models.EntitySetLinkingStatus{}, err
	}
	return status(id, needs, linked), nil
}

func (s *PostgresService) SearchLinkedEntities(ctx context.Context, entitySetIDs []uuid.UUID) ([]models.KeyedCluster, error) {
	if len(entitySetIDs) == 0 {
		return []models.KeyedCluster{}, nil
	}
	return s.clusters.GetByEntitySets(ctx, entitySetIDs)
}
