package feedback

import (
	"context"
	"slices"
	"sync"

	"github.com/Ramsey-B/clover/pkg/models"
)

// Store persists feedback keyed by canonical pair. Implementations store the
// canonical orientation and let the last write win.
type Store interface {
	Upsert(ctx context.Context, fb models.EntityLinkingFeedback) error
	// Get returns nil when the pair has no feedback.
	Get(ctx context.Context, pair models.EntityKeyPair) (*models.EntityLinkingFeedback, error)
	List(ctx context.Context) ([]models.EntityLinkingFeedback, error)
	ListFor(ctx context.Context, key models.EntityDataKey) ([]models.EntityLinkingFeedback, error)
	Delete(ctx context.Context, pair models.EntityKeyPair) (bool, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	pairs map[models.EntityKeyPair]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pairs: make(map[models.EntityKeyPair]bool)}
}

func (m *MemoryStore) Upsert(ctx context.Context, fb models.EntityLinkingFeedback) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairs[fb.Pair()] = fb.Linked
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, pair models.EntityKeyPair) (*models.EntityLinkingFeedback, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	linked, ok := m.pairs[pair]
	if !ok {
		return nil, nil
	}
	return &models.EntityLinkingFeedback{Src: pair.First(), Dst: pair.Second(), Linked: linked}, nil
}

func (m *MemoryStore) List(ctx context.Context) ([]models.EntityLinkingFeedback, error) {
	return m.filter(ctx, func(models.EntityKeyPair) bool { return true })
}

func (m *MemoryStore) ListFor(ctx context.Context, key models.EntityDataKey) ([]models.EntityLinkingFeedback, error) {
	return m.filter(ctx, func(p models.EntityKeyPair) bool { return p.Contains(key) })
}

func (m *MemoryStore) Delete(ctx context.Context, pair models.EntityKeyPair) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pairs[pair]
	delete(m.pairs, pair)
	return ok, nil
}

func (m *MemoryStore) filter(ctx context.Context, keep func(models.EntityKeyPair) bool) ([]models.EntityLinkingFeedback, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]models.EntityLinkingFeedback, 0, len(m.pairs))
	for pair, linked := range m.pairs {
		if keep(pair) {
			out = append(out, models.EntityLinkingFeedback{Src: pair.First(), Dst: pair.Second(), Linked: linked})
		}
	}
	m.mu.RUnlock()
	sortFeedback(out)
	return out, nil
}

// sortFeedback orders feedback by canonical pair.
func sortFeedback(fbs []models.EntityLinkingFeedback) {
	slices.SortFunc(fbs, func(a, b models.EntityLinkingFeedback) int {
		if c := a.Src.Compare(b.Src); c != 0 {
			return c
		}
		return a.Dst.Compare(b.Dst)
	})
}
