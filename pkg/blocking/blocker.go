package blocking

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Index stores block keys per entity and answers reverse lookups.
type Index interface {
	// Put replaces the block keys of key.
	Put(ctx context.Context, key models.EntityDataKey, blockKeys []string) error
	// Lookup returns the entities sharing any of blockKeys, in canonical order,
	// capped at limit when limit is positive.
	Lookup(ctx context.Context, blockKeys []string, limit int) ([]models.EntityDataKey, error)
}

// Blocker computes block keys and finds candidates through an Index.
type Blocker struct {
	spec     Spec
	registry *normalizers.Registry
	scorer   *matching.Scorer
	index    Index
	logger   ectologger.Logger
}

func NewBlocker(spec Spec, registry *normalizers.Registry, index Index, logger ectologger.Logger) *Blocker {
	return &Blocker{
		spec:     spec,
		registry: registry,
		scorer:   matching.NewScorer(),
		index:    index,
		logger:   logger,
	}
}

// Keys returns the sorted, distinct block keys of entity.
func (b *Blocker) Keys(entity models.Entity) []string {
	seen := make(map[string]struct{})
	for _, rule := range b.spec.Rules {
		combos := []string{rule.Name}
		for _, part := range rule.Parts {
			values := b.encodeAll(entity.Properties[part.Property], part)
			if len(values) == 0 {
				combos = nil
				break
			}
			next := make([]string, 0, len(combos)*len(values))
			for _, prefix := range combos {
				for _, v := range values {
					next = append(next, prefix+":"+v)
				}
			}
			combos = next
		}
		for _, k := range combos {
			seen[k] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (b *Blocker) encodeAll(raw []any, part Part) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := matching.Stringify(v)
		if !ok {
			continue
		}
		enc := b.encode(b.registry.ApplyChain(s, part.Normalizers...), part)
		if enc == "" {
			continue
		}
		if _, dup := seen[enc]; dup {
			continue
		}
		seen[enc] = struct{}{}
		out = append(out, enc)
	}
	return out
}

func (b *Blocker) encode(s string, part Part) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	switch part.Encoding {
	case EncodingSoundex:
		return b.scorer.Soundex(s)
	case EncodingMetaphone:
		return b.scorer.Metaphone(s)
	case EncodingPrefix:
		r := []rune(s)
		if len(r) > part.PrefixLength {
			r = r[:part.PrefixLength]
		}
		return string(r)
	case EncodingYear:
		t, ok := normalizers.ParseDate(s)
		if !ok {
			return ""
		}
		return t.Format("2006")
	default:
		return s
	}
}

// Index stores the block keys of entity.
func (b *Blocker) Index(ctx context.Context, entity models.Entity) error {
	ctx, span := tracing.StartSpan(ctx, "blocking.Blocker.Index")
	defer span.End()

	return b.index.Put(ctx, entity.Key, b.Keys(entity))
}

// Candidates returns the entities sharing a block key with entity, excluding
// entity itself.
func (b *Blocker) Candidates(ctx context.Context, entity models.Entity, limit int) ([]models.EntityDataKey, error) {
	ctx, span := tracing.StartSpan(ctx, "blocking.Blocker.Candidates")
	defer span.End()

	keys := b.Keys(entity)
	if len(keys) == 0 {
		return []models.EntityDataKey{}, nil
	}

	lookupLimit := limit
	if lookupLimit > 0 {
		lookupLimit++
	}
	found, err := b.index.Lookup(ctx, keys, lookupLimit)
	if err != nil {
		return nil, err
	}

	out := make([]models.EntityDataKey, 0, len(found))
	for _, k := range found {
		if k == entity.Key {
			continue
		}
		out = append(out, k)
	}
	if limit > 0 && len(out) > limit {
		b.logger.WithContext(ctx).WithFields(map[string]any{
			"key":   entity.Key.String(),
			"limit": limit,
		}).Debug("candidate list truncated")
		out = out[:limit]
	}
	return out, nil
}

// MemoryIndex is an in-process Index.
type MemoryIndex struct {
	mu     sync.RWMutex
	blocks map[string]models.KeySet
	byKey  map[models.EntityDataKey][]string
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		blocks: make(map[string]models.KeySet),
		byKey:  make(map[models.EntityDataKey][]string),
	}
}

func (m *MemoryIndex) Put(ctx context.Context, key models.EntityDataKey, blockKeys []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, bk := range m.byKey[key] {
		if set, ok := m.blocks[bk]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(m.blocks, bk)
			}
		}
	}
	for _, bk := range blockKeys {
		set, ok := m.blocks[bk]
		if !ok {
			set = models.NewKeySet()
			m.blocks[bk] = set
		}
		set.Add(key)
	}
	m.byKey[key] = append([]string(nil), blockKeys...)
	return nil
}

func (m *MemoryIndex) Lookup(ctx context.Context, blockKeys []string, limit int) ([]models.EntityDataKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	found := models.NewKeySet()
	for _, bk := range blockKeys {
		for k := range m.blocks[bk] {
			found.Add(k)
		}
	}
	m.mu.RUnlock()

	out := found.Sorted()
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
