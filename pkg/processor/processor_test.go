package processor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/blocking"
	"github.com/Ramsey-B/clover/pkg/dataloader"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/linkerr"
	"github.com/Ramsey-B/clover/pkg/linking"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/schema"
)

type fixture struct {
	processor *Processor
	store     *dataloader.MemoryStore
	linking   *linking.MemoryService
	blocker   *blocking.Blocker
	setID     uuid.UUID
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	store := dataloader.NewMemoryStore()
	svc := linking.NewMemoryService(store)
	blocker := blocking.NewBlocker(blocking.DefaultPersonSpec(), normalizers.NewRegistry(), blocking.NewMemoryIndex(), logger)

	setID := uuid.New()
	require.NoError(t, svc.RegisterEntitySet(context.Background(), models.EntitySet{ID: setID, Name: "people", EntityType: "person"}))

	return fixture{
		processor: NewProcessor(logger, store, blocker, svc),
		store:     store,
		linking:   svc,
		blocker:   blocker,
		setID:     setID,
	}
}

func jane() map[string][]any {
	return map[string][]any{
		matching.PropertyFirstName: {"Jane"},
		matching.PropertyLastName:  {"Doe"},
		matching.PropertyBirthDate: {"1980-04-12"},
	}
}

func TestProcessor_Ingest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := uuid.New()
	key := models.NewEntityDataKey(f.setID, id)

	res, err := f.processor.Ingest(ctx, f.setID, map[uuid.UUID]map[string][]any{id: jane()})
	require.NoError(t, err)
	assert.Equal(t, Result{EntitySetID: f.setID, Received: 1, Changed: 1}, res)

	needing, err := f.linking.GetEntitiesNeedingLinking(ctx, []uuid.UUID{f.setID}, 0)
	require.NoError(t, err)
	assert.Equal(t, []models.EntityDataKey{key}, needing)

	// the entity is now a blocking candidate for a look-alike
	probe := models.Entity{Key: models.NewEntityDataKey(f.setID, uuid.New()), Properties: jane()}
	candidates, err := f.blocker.Candidates(ctx, probe, 0)
	require.NoError(t, err)
	assert.Contains(t, candidates, key)

	require.NoError(t, f.linking.MarkLinked(ctx, key, 1))

	res, err = f.processor.Ingest(ctx, f.setID, map[uuid.UUID]map[string][]any{id: jane()})
	require.NoError(t, err)
	assert.Zero(t, res.Changed)

	needing, err = f.linking.GetEntitiesNeedingLinking(ctx, []uuid.UUID{f.setID}, 0)
	require.NoError(t, err)
	assert.Empty(t, needing, "an unchanged write keeps the entity linked")
}

func TestProcessor_IngestErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tests := []struct {
		name     string
		setID    uuid.UUID
		entities map[uuid.UUID]map[string][]any
		kind     linkerr.Kind
	}{
		{"empty batch", f.setID, map[uuid.UUID]map[string][]any{}, linkerr.KindValidation},
		{"nil key", f.setID, map[uuid.UUID]map[string][]any{uuid.Nil: jane()}, linkerr.KindValidation},
		{"unknown set", uuid.New(), map[uuid.UUID]map[string][]any{uuid.New(): jane()}, linkerr.KindNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.processor.Ingest(ctx, tt.setID, tt.entities)
			require.Error(t, err)
			assert.Equal(t, tt.kind, linkerr.KindOf(err))
		})
	}
}

func TestProcessor_IngestValidatesSchema(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.processor.WithValidator(schema.NewRegistry(map[string]models.EntityTypeSchema{
		"person": {
			Required:   []string{matching.PropertyLastName},
			Properties: map[string]models.PropertyDefinition{matching.PropertyBirthDate: {Type: "string", Format: "date"}},
		},
	}))

	id := uuid.New()
	_, err := f.processor.Ingest(ctx, f.setID, map[uuid.UUID]map[string][]any{
		id: {matching.PropertyFirstName: {"Jane"}, matching.PropertyBirthDate: {"someday"}},
	})
	require.Error(t, err)
	assert.Equal(t, linkerr.KindValidation, linkerr.KindOf(err))

	loaded, err := f.store.Load(ctx, []models.EntityDataKey{models.NewEntityDataKey(f.setID, id)})
	require.NoError(t, err)
	assert.Empty(t, loaded, "a rejected batch writes nothing")

	_, err = f.processor.Ingest(ctx, f.setID, map[uuid.UUID]map[string][]any{id: jane()})
	require.NoError(t, err)
}

func TestProcessor_ProcessMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := uuid.New()

	body, err := json.Marshal(map[string]any{"entities": map[string]any{id.String(): jane()}})
	require.NoError(t, err)

	msg := &kafka.IncomingMessage{
		Value:   body,
		Headers: map[string]string{kafka.HeaderEntitySetID: f.setID.String()},
	}
	require.NoError(t, f.processor.ProcessMessage(ctx, msg))

	loaded, err := f.store.Load(ctx, []models.EntityDataKey{models.NewEntityDataKey(f.setID, id)})
	require.NoError(t, err)
	assert.Len(t, loaded, 1)

	bad := &kafka.IncomingMessage{Value: []byte(`{"entities":{}}`)}
	err = f.processor.ProcessMessage(ctx, bad)
	assert.ErrorIs(t, err, linkerr.ErrValidation)
}
