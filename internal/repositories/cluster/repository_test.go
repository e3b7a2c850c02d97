package cluster

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/internal/repositories/repotest"
	"github.com/Ramsey-B/clover/pkg/linkerr"
	"github.com/Ramsey-B/clover/pkg/models"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	return NewRepository(repotest.Open(t), repotest.Logger())
}

func newKeys(n int) []models.EntityDataKey {
	set := uuid.New()
	out := make([]models.EntityDataKey, n)
	for i := range out {
		out[i] = models.NewEntityDataKey(set, uuid.New())
	}
	return out
}

// set makes id hold exactly members, the way replace-mode updates do.
func set(t *testing.T, r *Repository, id uuid.UUID, members ...models.EntityDataKey) {
	t.Helper()
	err := r.Update(context.Background(), id, func(prev *models.KeyedCluster) (models.Cluster, float64, error) {
		return models.NewCluster(members...), models.MaxScore, nil
	})
	require.NoError(t, err)
}

func replay(t *testing.T, r *Repository, id uuid.UUID) models.KeySet {
	t.Helper()
	entries, err := r.ReadLog(context.Background(), id)
	require.NoError(t, err)
	return models.ReplayLinkingLog(entries)
}

func TestRepository_Commit(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t)
	k := newKeys(3)

	created, err := r.Commit(ctx, models.ScoredCluster{Cluster: models.NewCluster(k[0]), Score: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	updated, err := r.Commit(ctx, models.ScoredCluster{ClusterID: created.ID, Cluster: models.NewCluster(k[0], k[1]), Score: 0.9, Version: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	t.Run("stale version conflicts", func(t *testing.T) {
		_, err := r.Commit(ctx, models.ScoredCluster{ClusterID: created.ID, Cluster: models.NewCluster(k[2]), Version: 1})
		assert.True(t, linkerr.IsConflict(err))

		current, err := r.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), current.Version)
		assert.True(t, current.Cluster.Members().Equal(models.NewKeySet(k[0], k[1])))
	})

	t.Run("create over existing conflicts", func(t *testing.T) {
		_, err := r.Commit(ctx, models.ScoredCluster{ClusterID: created.ID, Cluster: models.NewCluster(k[2])})
		assert.True(t, linkerr.IsConflict(err))
	})

	t.Run("vanished cluster conflicts", func(t *testing.T) {
		_, err := r.Commit(ctx, models.ScoredCluster{ClusterID: uuid.New(), Cluster: models.NewCluster(k[2]), Version: 3})
		assert.True(t, linkerr.IsConflict(err))
	})

	t.Run("empty cluster rejected", func(t *testing.T) {
		_, err := r.Commit(ctx, models.ScoredCluster{Cluster: models.NewCluster()})
		assert.Equal(t, linkerr.KindValidation, linkerr.KindOf(err))
	})
}

func TestRepository_CommitEvictsFromOtherClusters(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t)
	k := newKeys(3)

	first, err := r.Commit(ctx, models.ScoredCluster{Cluster: models.NewCluster(k[0], k[1]), Score: 1})
	require.NoError(t, err)
	second, err := r.Commit(ctx, models.ScoredCluster{Cluster: models.NewCluster(k[1], k[2]), Score: 1})
	require.NoError(t, err)

	found, err := r.GetContaining(ctx, models.NewKeySet(k...))
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.True(t, found[first.ID].Cluster.Members().Equal(models.NewKeySet(k[0])))
	assert.Equal(t, int64(2), found[first.ID].Version)
	assert.True(t, found[second.ID].Cluster.Members().Equal(models.NewKeySet(k[1], k[2])))

	assert.True(t, replay(t, r, first.ID).Equal(models.NewKeySet(k[0])))

	t.Run("evicting the last member deletes the cluster", func(t *testing.T) {
		_, err := r.Commit(ctx, models.ScoredCluster{ClusterID: second.ID, Cluster: models.NewCluster(k...), Score: 1, Version: second.Version})
		require.NoError(t, err)

		_, err = r.GetByID(ctx, first.ID)
		assert.ErrorIs(t, err, linkerr.ErrNotFound)
		assert.Empty(t, replay(t, r, first.ID))
	})
}

func TestRepository_ReadLog(t *testing.T) {
	r := newTestRepository(t)

	t.Run("union is idempotent", func(t *testing.T) {
		k := newKeys(2)
		id := uuid.New()
		set(t, r, id, k...)
		once := replay(t, r, id)
		set(t, r, id, k...)
		assert.True(t, once.Equal(replay(t, r, id)))
		assert.True(t, once.Equal(models.NewKeySet(k...)))
	})

	t.Run("union is associative", func(t *testing.T) {
		k := newKeys(3)
		left, right := uuid.New(), uuid.New()
		set(t, r, left, k[0], k[1])
		set(t, r, left, k...)

		other := newKeys(3)
		set(t, r, right, other[0])
		set(t, r, right, other...)

		assert.True(t, replay(t, r, left).Equal(models.NewKeySet(k...)))
		assert.True(t, replay(t, r, right).Equal(models.NewKeySet(other...)))
	})

	t.Run("removal drops the key", func(t *testing.T) {
		k := newKeys(3)
		id := uuid.New()
		set(t, r, id, k...)
		set(t, r, id, k[0], k[2])
		assert.True(t, replay(t, r, id).Equal(models.NewKeySet(k[0], k[2])))
	})

	t.Run("recreated cluster replays its latest members", func(t *testing.T) {
		k := newKeys(2)
		id := uuid.New()
		set(t, r, id, k...)
		set(t, r, id)
		set(t, r, id, k[0])

		assert.True(t, replay(t, r, id).Equal(models.NewKeySet(k[0])))

		current, err := r.GetByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, int64(3), current.Version, "versions continue after the cluster was emptied")
	})
}
