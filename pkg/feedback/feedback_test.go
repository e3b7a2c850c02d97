package feedback

import (
	"context"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/dataloader"
	"github.com/Ramsey-B/clover/pkg/linkerr"
	"github.com/Ramsey-B/clover/pkg/linking"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
)

type fixture struct {
	svc      *Service
	store    *MemoryStore
	entities *dataloader.MemoryStore
	linking  *linking.MemoryService
	setID    uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	entities := dataloader.NewMemoryStore()
	link := linking.NewMemoryService(entities)
	matcher := matching.NewMatcher(matching.DefaultPersonSchema(), normalizers.NewRegistry(), matching.DefaultPersonModel(), logger)
	store := NewMemoryStore()
	return &fixture{
		svc:      NewService(store, entities, matcher, NewRequeueReconciler(link, logger), logger),
		store:    store,
		entities: entities,
		linking:  link,
		setID:    uuid.New(),
	}
}

func (f *fixture) person(t *testing.T, first, last string) models.EntityDataKey {
	t.Helper()
	id := uuid.New()
	_, err := f.entities.Upsert(context.Background(), f.setID, map[uuid.UUID]map[string][]any{
		id: {
			matching.PropertyFirstName: {first},
			matching.PropertyLastName:  {last},
		},
	})
	require.NoError(t, err)
	return models.NewEntityDataKey(f.setID, id)
}

func TestService_AddLinkingFeedback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.person(t, "Jane", "Doe")
	b := f.person(t, "Janet", "Doe")

	t.Run("self pair is rejected", func(t *testing.T) {
		ok, err := f.svc.AddLinkingFeedback(ctx, models.EntityLinkingFeedback{Src: a, Dst: a, Linked: true})
		require.NoError(t, err)
		assert.False(t, ok)

		all, err := f.svc.GetLinkingFeedbacks(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("same key id across sets is a self pair", func(t *testing.T) {
		other := models.NewEntityDataKey(uuid.New(), a.EntityKeyID)
		ok, err := f.svc.AddLinkingFeedback(ctx, models.EntityLinkingFeedback{Src: a, Dst: other, Linked: false})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("zero key is invalid", func(t *testing.T) {
		_, err := f.svc.AddLinkingFeedback(ctx, models.EntityLinkingFeedback{Src: a, Linked: true})
		assert.ErrorIs(t, err, linkerr.ErrValidation)
	})

	t.Run("stored canonically and last write wins", func(t *testing.T) {
		ok, err := f.svc.AddLinkingFeedback(ctx, models.EntityLinkingFeedback{Src: b, Dst: a, Linked: true})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = f.svc.AddLinkingFeedback(ctx, models.EntityLinkingFeedback{Src: a, Dst: b, Linked: false})
		require.NoError(t, err)
		assert.True(t, ok)

		all, err := f.svc.GetLinkingFeedbacks(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		pair := models.NewEntityKeyPair(a, b)
		assert.Equal(t, pair.First(), all[0].Src)
		assert.Equal(t, pair.Second(), all[0].Dst)
		assert.False(t, all[0].Linked)

		got, err := f.svc.GetLinkingFeedback(ctx, b, a)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.False(t, got.Linked)
	})
}

func TestService_GetLinkingFeedbacksWithFeatures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.person(t, "Jane", "Doe")
	b := f.person(t, "Jane", "Doe")
	ghost := models.NewEntityDataKey(f.setID, uuid.New())

	_, err := f.svc.AddLinkingFeedback(ctx, models.EntityLinkingFeedback{Src: a, Dst: b, Linked: true})
	require.NoError(t, err)
	_, err = f.svc.AddLinkingFeedback(ctx, models.EntityLinkingFeedback{Src: a, Dst: ghost, Linked: false})
	require.NoError(t, err)

	got, err := f.svc.GetLinkingFeedbacksWithFeatures(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Feedback.Linked)
	assert.NotEmpty(t, got[0].Features)
}

func TestService_FeedbackForAndOverrides(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.person(t, "Jane", "Doe")
	b := f.person(t, "Janet", "Doe")
	c := f.person(t, "Bob", "Smith")

	_, err := f.svc.AddLinkingFeedback(ctx, models.EntityLinkingFeedback{Src: a, Dst: b, Linked: true})
	require.NoError(t, err)
	_, err = f.svc.AddLinkingFeedback(ctx, models.EntityLinkingFeedback{Src: c, Dst: a, Linked: false})
	require.NoError(t, err)
	_, err = f.svc.AddLinkingFeedback(ctx, models.EntityLinkingFeedback{Src: b, Dst: c, Linked: false})
	require.NoError(t, err)

	forA, err := f.svc.GetFeedbackFor(ctx, a)
	require.NoError(t, err)
	assert.Len(t, forA, 2)

	overrides, err := f.svc.Overrides(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []models.EntityDataKey{b}, overrides.Partners(a))
	assert.False(t, overrides[models.NewEntityKeyPair(a, c)])
}

func TestService_DeleteLinkingFeedback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.person(t, "Jane", "Doe")
	b := f.person(t, "Janet", "Doe")

	deleted, err := f.svc.DeleteLinkingFeedback(ctx, a, b)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = f.svc.AddLinkingFeedback(ctx, models.EntityLinkingFeedback{Src: a, Dst: b, Linked: true})
	require.NoError(t, err)

	deleted, err = f.svc.DeleteLinkingFeedback(ctx, b, a)
	require.NoError(t, err)
	assert.True(t, deleted)

	got, err := f.svc.GetLinkingFeedback(ctx, a, b)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRequeueReconciler(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		together bool
		linked   bool
		requeued bool
	}{
		{"negative pair sharing a cluster", true, false, true},
		{"negative pair already apart", false, false, false},
		{"positive pair split across clusters", false, true, true},
		{"positive pair already together", true, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			a := f.person(t, "Jane", "Doe")
			b := f.person(t, "Janet", "Doe")

			if tt.together {
				_, err := f.linking.CommitCluster(ctx, models.ScoredCluster{Cluster: models.NewCluster(a, b), Score: 1})
				require.NoError(t, err)
			} else {
				_, err := f.linking.CommitCluster(ctx, models.ScoredCluster{Cluster: models.NewCluster(a), Score: 1})
				require.NoError(t, err)
				_, err = f.linking.CommitCluster(ctx, models.ScoredCluster{Cluster: models.NewCluster(b), Score: 1})
				require.NoError(t, err)
			}
			require.NoError(t, f.linking.MarkLinked(ctx, a, 1))
			require.NoError(t, f.linking.MarkLinked(ctx, b, 1))

			ok, err := f.svc.AddLinkingFeedback(ctx, models.EntityLinkingFeedback{Src: a, Dst: b, Linked: tt.linked})
			require.NoError(t, err)
			require.True(t, ok)

			needs, err := f.linking.GetEntitiesNeedingLinking(ctx, []uuid.UUID{f.setID}, 0)
			require.NoError(t, err)
			if tt.requeued {
				assert.ElementsMatch(t, []models.EntityDataKey{a, b}, needs)
			} else {
				assert.Empty(t, needs)
			}
		})
	}
}
