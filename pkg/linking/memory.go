package linking

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/dataloader"
	"github.com/Ramsey-B/clover/pkg/linkerr"
	"github.com/Ramsey-B/clover/pkg/models"
)

// arena is one immutable generation of cluster state. Writers clone it, edit the
// clone and publish it; readers only ever see whole generations.
type arena struct {
	clusters   map[uuid.UUID]models.KeyedCluster
	membership map[models.EntityDataKey]uuid.UUID
	log        map[uuid.UUID][]models.LinkingLogEntry
}

func newArena() *arena {
	return &arena{
		clusters:   make(map[uuid.UUID]models.KeyedCluster),
		membership: make(map[models.EntityDataKey]uuid.UUID),
		log:        make(map[uuid.UUID][]models.LinkingLogEntry),
	}
}

func (a *arena) clone() *arena {
	out := &arena{
		clusters:   make(map[uuid.UUID]models.KeyedCluster, len(a.clusters)),
		membership: make(map[models.EntityDataKey]uuid.UUID, len(a.membership)),
		log:        make(map[uuid.UUID][]models.LinkingLogEntry, len(a.log)),
	}
	for k, v := range a.clusters {
		out.clusters[k] = v
	}
	for k, v := range a.membership {
		out.membership[k] = v
	}
	for k, v := range a.log {
		out.log[k] = slices.Clip(v)
	}
	return out
}

// write makes cluster id hold exactly next, logging every membership delta
// under the new version. Members owned by another cluster are evicted from it
// first. An empty next deletes the cluster.
func (a *arena) write(id uuid.UUID, next models.Cluster, score float64, now time.Time) models.KeyedCluster {
	prev, exists := a.clusters[id]
	version := prev.Version + 1
	// a recreated cluster continues after its last logged version
	if log := a.log[id]; len(log) > 0 {
		version = max(version, log[len(log)-1].Version+1)
	}

	oldMembers := models.NewKeySet()
	if exists {
		oldMembers = prev.Cluster.Members()
	}
	newMembers := next.Members()

	entries := make([]models.LinkingLogEntry, 0)
	for _, k := range oldMembers.Minus(newMembers).Sorted() {
		delete(a.membership, k)
		entries = append(entries, models.LinkingLogEntry{LinkingID: id, Version: version, Key: k, Action: models.LinkActionRemove, CreatedAt: now})
	}
	for _, k := range newMembers.Minus(oldMembers).Sorted() {
		if owner, ok := a.membership[k]; ok && owner != id {
			a.evict(owner, k, now)
		}
		a.membership[k] = id
		entries = append(entries, models.LinkingLogEntry{LinkingID: id, Version: version, Key: k, Action: models.LinkActionAdd, CreatedAt: now})
	}
	a.log[id] = append(a.log[id], entries...)

	if len(newMembers) == 0 {
		delete(a.clusters, id)
		return models.KeyedCluster{ID: id, Cluster: models.NewCluster(), Version: version, UpdatedAt: now}
	}

	kc := models.KeyedCluster{ID: id, Cluster: next.Clone(), Score: score, Version: version, UpdatedAt: now}
	a.clusters[id] = kc
	return kc
}

func (a *arena) evict(id uuid.UUID, k models.EntityDataKey, now time.Time) {
	prev, ok := a.clusters[id]
	if !ok {
		return
	}
	a.write(id, prev.Cluster.Without(k), prev.Score, now)
}

var _ Service = (*MemoryService)(nil)

// MemoryService is the in-process linking store. Reads are lock free against
// the published arena; writes are serialised and swap in a new arena.
type MemoryService struct {
	entities dataloader.EntityStore
	clock    func() time.Time

	current atomic.Pointer[arena]
	writeMu sync.Mutex

	stateMu sync.RWMutex
	sets     map[uuid.UUID]models.EntitySet
	linked   map[models.EntityDataKey]int64
	requeues map[models.EntityDataKey]int64
}

func NewMemoryService(entities dataloader.EntityStore) *MemoryService {
	s := &MemoryService{
		entities: entities,
		clock:    func() time.Time { return time.Now().UTC() },
		sets:     make(map[uuid.UUID]models.EntitySet),
		linked:   make(map[models.EntityDataKey]int64),
		requeues: make(map[models.EntityDataKey]int64),
	}
	s.current.Store(newArena())
	return s
}

// mutate publishes the arena produced by fn. fn works on a private clone so a
// failed mutation leaves the published state untouched.
func (s *MemoryService) mutate(fn func(a *arena, now time.Time) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.current.Load().clone()
	if err := fn(next, s.clock()); err != nil {
		return err
	}
	s.current.Store(next)
	return nil
}

func (s *MemoryService) GetClustersContaining(ctx context.Context, keys models.KeySet) (map[uuid.UUID]models.KeyedCluster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a := s.current.Load()
	out := make(map[uuid.UUID]models.KeyedCluster)
	for k := range keys {
		id, ok := a.membership[k]
		if !ok {
			continue
		}
		if _, seen := out[id]; seen {
			continue
		}
		kc := a.clusters[id]
		kc.Cluster = kc.Cluster.Clone()
		out[id] = kc
	}
	return out, nil
}

func (s *MemoryService) GetClusterIDsContaining(ctx context.Context, keys models.KeySet) ([]uuid.UUID, error) {
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

func (s *MemoryService) GetCluster(ctx context.Context, id uuid.UUID) (models.KeyedCluster, error) {
	if err := ctx.Err(); err != nil {
		return models.KeyedCluster{}, err
	}
	kc, ok := s.current.Load().clusters[id]
	if !ok {
		return models.KeyedCluster{}, linkerr.NotFound("cluster %s not found", id)
	}
	kc.Cluster = kc.Cluster.Clone()
	return kc, nil
}

func (s *MemoryService) CommitCluster(ctx context.Context, candidate models.ScoredCluster) (models.KeyedCluster, error) {
	if err := ctx.Err(); err != nil {
		return models.KeyedCluster{}, err
	}
	if candidate.Cluster.Size() == 0 {
		return models.KeyedCluster{}, linkerr.Validation("cannot commit an empty cluster")
	}

	id := candidate.ClusterID
	if id == uuid.Nil {
		id = uuid.New()
	}

	var committed models.KeyedCluster
	err := s.mutate(func(a *arena, now time.Time) error {
		prev, exists := a.clusters[id]
		switch {
		case candidate.Version == 0 && exists:
			return linkerr.Conflict(nil, "cluster %s already exists at version %d", id, prev.Version)
		case candidate.Version > 0 && !exists:
			return linkerr.Conflict(nil, "cluster %s no longer exists", id)
		case exists && prev.Version != candidate.Version:
			return linkerr.Conflict(nil, "cluster %s is at version %d, expected %d", id, prev.Version, candidate.Version)
		}
		committed = a.write(id, candidate.Cluster, candidate.Score, now)
		return nil
	})
	if err != nil {
		return models.KeyedCluster{}, err
	}
	committed.Cluster = committed.Cluster.Clone()
	return committed, nil
}

func (s *MemoryService) CreateOrUpdateCluster(ctx context.Context, linkingID uuid.UUID, links models.KeySet, replace bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if linkingID == uuid.Nil {
		return linkerr.Validation("linking id is required")
	}

	return s.mutate(func(a *arena, now time.Time) error {
		prev, exists := a.clusters[linkingID]
		next := models.NewCluster()
		score := models.MaxScore
		if exists {
			next = prev.Cluster.Clone()
			score = prev.Score
			if replace {
				next = next.Without(prev.Cluster.Members().Minus(links).Sorted()...)
			}
		}
		for k := range links {
			next.AddMember(k)
		}
		if exists && next.Members().Equal(prev.Cluster.Members()) {
			return nil
		}
		a.write(linkingID, next, score, now)
		return nil
	})
}

func (s *MemoryService) ClearEntitiesFromCluster(ctx context.Context, linkingID uuid.UUID, keys models.KeySet) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.mutate(func(a *arena, now time.Time) error {
		prev, exists := a.clusters[linkingID]
		if !exists {
			return linkerr.NotFound("cluster %s not found", linkingID)
		}
		next := prev.Cluster.Without(keys.Sorted()...)
		if next.Size() == prev.Cluster.Size() {
			return nil
		}
		a.write(linkingID, next, prev.Score, now)
		return nil
	})
}

func (s *MemoryService) ReadLatestLinkLog(ctx context.Context, linkingID uuid.UUID) (models.KeySet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return models.ReplayLinkingLog(s.current.Load().log[linkingID]), nil
}

func (s *MemoryService) MarkLinked(ctx context.Context, key models.EntityDataKey, version int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if version > s.linked[key] {
		s.linked[key] = version
	}
	return nil
}

func (s *MemoryService) RequeueEpoch(ctx context.Context, key models.EntityDataKey) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.requeues[key], nil
}

func (s *MemoryService) MarkLinkedAt(ctx context.Context, key models.EntityDataKey, version, epoch int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.requeues[key] != epoch {
		return false, nil
	}
	if version > s.linked[key] {
		s.linked[key] = version
	}
	return true, nil
}

func (s *MemoryService) MarkNeedsLinking(ctx context.Context, keys ...models.EntityDataKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	for _, k := range keys {
		delete(s.linked, k)
		s.requeues[k]++
	}
	return nil
}

func (s *MemoryService) GetEntitiesNeedingLinking(ctx context.Context, entitySetIDs []uuid.UUID, limit int) ([]models.EntityDataKey, error) {
	out := make([]models.EntityDataKey, 0)
	for _, setID := range entitySetIDs {
		entities, err := s.entities.ListEntitySet(ctx, setID)
		if err != nil {
			return nil, err
		}
		s.stateMu.RLock()
		for _, e := range entities {
			if s.linked[e.Key] < e.Version {
				out = append(out, e.Key)
			}
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		s.stateMu.RUnlock()
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryService) RegisterEntitySet(ctx context.Context, set models.EntitySet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if set.ID == uuid.Nil {
		return linkerr.Validation("entity set id is required")
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if prev, ok := s.sets[set.ID]; ok {
		set.CreatedAt = prev.CreatedAt
	} else if set.CreatedAt.IsZero() {
		set.CreatedAt = s.clock()
	}
	s.sets[set.ID] = set
	return nil
}

func (s *MemoryService) GetEntitySet(ctx context.Context, id uuid.UUID) (models.EntitySet, error) {
	if err := ctx.Err(); err != nil {
		return models.EntitySet{}, err
	}
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	set, ok := s.sets[id]
	if !ok {
		return models.EntitySet{}, linkerr.NotFound("entity set %s not found", id)
	}
	return set, nil
}

func (s *MemoryService) registeredSets() []models.EntitySet {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	out := make([]models.EntitySet, 0, len(s.sets))
	for _, set := range s.sets {
		out = append(out, set)
	}
	return out
}

func (s *MemoryService) GetLinkableEntitySets(ctx context.Context, linkableTypes []string, blacklist, whitelist []uuid.UUID) ([]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return linkable(s.registeredSets(), linkableTypes, blacklist, whitelist), nil
}

// counts returns how many entities of a set need linking and how many are linked.
func (s *MemoryService) counts(ctx context.Context, setID uuid.UUID) (int, int, error) {
	entities, err := s.entities.ListEntitySet(ctx, setID)
	if err != nil {
		return 0, 0, err
	}
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	needs, linked := 0, 0
	for _, e := range entities {
		if s.linked[e.Key] < e.Version {
			needs++
		} else {
			linked++
		}
	}
	return needs, linked, nil
}

func (s *MemoryService) GetLinkingFinishedEntitySets(ctx context.Context, entitySetIDs []uuid.UUID) ([]uuid.UUID, error) {
	if len(entitySetIDs) == 0 {
		for _, set := range s.registeredSets() {
			entitySetIDs = append(entitySetIDs, set.ID)
		}
	}
	out := make([]uuid.UUID, 0, len(entitySetIDs))
	for _, id := range entitySetIDs {
		needs, _, err := s.counts(ctx, id)
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

func (s *MemoryService) GetEntitySetStatus(ctx context.Context, id uuid.UUID) (models.EntitySetLinkingStatus, error) {
	if _, err := s.GetEntitySet(ctx, id); err != nil {
		return models.EntitySetLinkingStatus{}, err
	}
	needs, linked, err := s.counts(ctx, id)
	if err != nil {
		return models.EntitySetLinkingStatus{}, err
	}
	return status(id, needs, linked), nil
}

func (s *MemoryService) SearchLinkedEntities(ctx context.Context, entitySetIDs []uuid.UUID) ([]models.KeyedCluster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a := s.current.Load()
	ids := make(map[uuid.UUID]struct{})
	for k, clusterID := range a.membership {
		if slices.Contains(entitySetIDs, k.EntitySetID) {
			ids[clusterID] = struct{}{}
		}
	}

	sorted := make([]uuid.UUID, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sortIDs(sorted)

	out := make([]models.KeyedCluster, 0, len(sorted))
	for _, id := range sorted {
		kc := a.clusters[id]
		kc.Cluster = kc.Cluster.Clone()
		out = append(out, kc)
	}
	return out, nil
}
