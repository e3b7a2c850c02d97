package dataloader

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/fingerprint"
	"github.com/Ramsey-B/clover/pkg/models"
)

type memoryRecord struct {
	entity      models.Entity
	fingerprint string
}

// MemoryStore keeps entities in process. It backs tests and the local store mode.
type MemoryStore struct {
	mu    sync.RWMutex
	sets  map[uuid.UUID]map[uuid.UUID]*memoryRecord
	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sets:  make(map[uuid.UUID]map[uuid.UUID]*memoryRecord),
		clock: func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Load(ctx context.Context, keys []models.EntityDataKey) (map[models.EntityDataKey]models.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[models.EntityDataKey]models.Entity, len(keys))
	for _, k := range keys {
		set, ok := s.sets[k.EntitySetID]
		if !ok {
			continue
		}
		if rec, ok := set[k.EntityKeyID]; ok {
			out[k] = copyEntity(rec.entity)
		}
	}
	return out, nil
}

// Upsert only bumps the version of entities whose properties actually changed.
func (s *MemoryStore) Upsert(ctx context.Context, entitySetID uuid.UUID, entities map[uuid.UUID]map[string][]any) ([]models.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[entitySetID]
	if !ok {
		set = make(map[uuid.UUID]*memoryRecord)
		s.sets[entitySetID] = set
	}

	now := s.clock()
	changed := make([]models.Entity, 0, len(entities))
	for id, props := range entities {
		fp := fingerprint.Properties(props)
		rec, exists := set[id]
		if exists && rec.fingerprint == fp {
			continue
		}
		version := int64(1)
		if exists {
			version = rec.entity.Version + 1
		}
		rec = &memoryRecord{
			entity: models.Entity{
				Key:        models.NewEntityDataKey(entitySetID, id),
				Properties: copyProperties(props),
				Version:    version,
				UpdatedAt:  now,
			},
			fingerprint: fp,
		}
		set[id] = rec
		changed = append(changed, copyEntity(rec.entity))
	}

	sort.Slice(changed, func(i, j int) bool { return changed[i].Key.Compare(changed[j].Key) < 0 })
	return changed, nil
}

func (s *MemoryStore) ListEntitySet(ctx context.Context, entitySetID uuid.UUID) ([]models.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.sets[entitySetID]
	out := make([]models.Entity, 0, len(set))
	for _, rec := range set {
		out = append(out, copyEntity(rec.entity))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Compare(out[j].Key) < 0 })
	return out, nil
}

func copyEntity(e models.Entity) models.Entity {
	e.Properties = copyProperties(e.Properties)
	return e
}

func copyProperties(in map[string][]any) map[string][]any {
	out := make(map[string][]any, len(in))
	for k, v := range in {
		out[k] = append([]any(nil), v...)
	}
	return out
}
