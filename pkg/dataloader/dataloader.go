// Package dataloader reads and writes raw entity records.
package dataloader

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/clover/pkg/linkerr"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// DataLoader fetches entities by key. Keys that do not exist are absent from
// the result rather than reported as errors.
type DataLoader interface {
	Load(ctx context.Context, keys []models.EntityDataKey) (map[models.EntityDataKey]models.Entity, error)
}

// EntityStore is a DataLoader that also accepts writes.
type EntityStore interface {
	DataLoader
	// Upsert writes the entities of one set and returns those whose properties
	// changed. A changed entity gets a new version.
	Upsert(ctx context.Context, entitySetID uuid.UUID, entities map[uuid.UUID]map[string][]any) ([]models.Entity, error)
	// ListEntitySet returns every entity in the set, ordered by key.
	ListEntitySet(ctx context.Context, entitySetID uuid.UUID) ([]models.Entity, error)
}

// ClusterMembers resolves the current membership of a cluster.
type ClusterMembers interface {
	ReadLatestLinkLog(ctx context.Context, linkingID uuid.UUID) (models.KeySet, error)
}

// Query runs an EntityQuery against store. members is only consulted for
// cluster queries.
func Query(ctx context.Context, store EntityStore, members ClusterMembers, q models.EntityQuery) ([]models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "dataloader.Query")
	defer span.End()

	if err := q.Validate(); err != nil {
		return nil, linkerr.Validation("%s", err.Error())
	}

	switch q.Kind {
	case models.QueryKindByKeys:
		return loadSorted(ctx, store, q.Keys)
	case models.QueryKindByEntitySets:
		out := make([]models.Entity, 0)
		for _, id := range q.EntitySetIDs {
			entities, err := store.ListEntitySet(ctx, id)
			if err != nil {
				return nil, err
			}
			out = append(out, entities...)
		}
		return out, nil
	case models.QueryKindByCluster:
		if members == nil {
			return nil, linkerr.Validation("cluster queries are not supported by this loader")
		}
		keys, err := members.ReadLatestLinkLog(ctx, q.ClusterID)
		if err != nil {
			return nil, err
		}
		if len(keys) == 0 {
			return nil, linkerr.NotFound("cluster %s has no members", q.ClusterID)
		}
		return loadSorted(ctx, store, keys.Sorted())
	default:
		return nil, linkerr.Validation("unknown query kind %s", q.Kind)
	}
}

func loadSorted(ctx context.Context, loader DataLoader, keys []models.EntityDataKey) ([]models.Entity, error) {
	found, err := loader.Load(ctx, keys)
	if err != nil {
		return nil, err
	}
	sorted := make([]models.EntityDataKey, 0, len(found))
	for k := range found {
		sorted = append(sorted, k)
	}
	models.SortKeys(sorted)

	out := make([]models.Entity, 0, len(sorted))
	for _, k := range sorted {
		out = append(out, found[k])
	}
	return out, nil
}

// ParallelLoader splits large loads into chunks served concurrently by inner.
type ParallelLoader struct {
	inner       DataLoader
	chunkSize   int
	concurrency int
}

// NewParallelLoader wraps inner. Non-positive sizes fall back to 500 keys per
// chunk and 4 concurrent chunks.
func NewParallelLoader(inner DataLoader, chunkSize, concurrency int) *ParallelLoader {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &ParallelLoader{inner: inner, chunkSize: chunkSize, concurrency: concurrency}
}

func (p *ParallelLoader) Load(ctx context.Context, keys []models.EntityDataKey) (map[models.EntityDataKey]models.Entity, error) {
	if len(keys) <= p.chunkSize {
		return p.inner.Load(ctx, keys)
	}

	ctx, span := tracing.StartSpan(ctx, "dataloader.ParallelLoader.Load")
	defer span.End()

	var mu sync.Mutex
	out := make(map[models.EntityDataKey]models.Entity, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for start := 0; start < len(keys); start += p.chunkSize {
		end := min(start+p.chunkSize, len(keys))
		chunk := keys[start:end]
		g.Go(func() error {
			found, err := p.inner.Load(gctx, chunk)
			if err != nil {
				return err
			}
			mu.Lock()
			for k, e := range found {
				out[k] = e
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
