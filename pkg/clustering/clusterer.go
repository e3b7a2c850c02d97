// Package clustering scores a candidate cluster for a block key.
package clustering

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/dataloader"
	"github.com/Ramsey-B/clover/pkg/linkerr"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Clusterer recomputes a candidate cluster with the block key folded in.
// It never writes anything.
type Clusterer struct {
	loader  dataloader.DataLoader
	matcher *matching.Matcher
	logger  ectologger.Logger
}

func NewClusterer(loader dataloader.DataLoader, matcher *matching.Matcher, logger ectologger.Logger) *Clusterer {
	return &Clusterer{
		loader:  loader,
		matcher: matcher,
		logger:  logger,
	}
}

// Cluster refetches every member of identified plus blockKey, rescores all
// pairs and reduces them with strategy. The returned candidate keeps the
// snapshot's id and version so the caller can commit against it.
func (c *Clusterer) Cluster(ctx context.Context, blockKey models.EntityDataKey, identified models.KeyedCluster, strategy Strategy) (models.ScoredCluster, error) {
	ctx, span := tracing.StartSpan(ctx, "clustering.Clusterer.Cluster")
	defer span.End()

	keys := identified.Cluster.Members()
	keys.Add(blockKey)
	sorted := keys.Sorted()

	entities, err := c.loader.Load(ctx, sorted)
	if err != nil {
		return models.ScoredCluster{}, err
	}

	for _, k := range sorted {
		if _, ok := entities[k]; !ok {
			c.logger.WithContext(ctx).WithFields(map[string]any{
				"cluster_id": identified.ID.String(),
				"key":        k.String(),
			}).Error("cluster member could not be loaded")
			return models.ScoredCluster{}, linkerr.NotFound("entity %s in cluster %s could not be loaded", k, identified.ID)
		}
	}

	scored, err := c.matcher.Match(ctx, matching.Block{Key: blockKey, Entities: entities})
	if err != nil {
		return models.ScoredCluster{}, err
	}

	return models.ScoredCluster{
		ClusterID: identified.ID,
		Cluster:   scored,
		Score:     strategy(scored),
		Version:   identified.Version,
	}, nil
}
