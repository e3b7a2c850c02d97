// Package realtime runs the linking loop: it polls entity sets for entities
// whose latest version is not linked, scores them against the clusters their
// blocking candidates belong to and commits the best outcome.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/clover/pkg/clustering"
	"github.com/Ramsey-B/clover/pkg/dataloader"
	"github.com/Ramsey-B/clover/pkg/linkerr"
	"github.com/Ramsey-B/clover/pkg/linking"
	"github.com/Ramsey-B/clover/pkg/lock"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
	"github.com/Ramsey-B/clover/pkg/typegraph"
)

// maxRounds bounds RunUntilFinished when commits keep conflicting.
const maxRounds = 1000

// CandidateSource finds the keys worth comparing an entity against.
type CandidateSource interface {
	Candidates(ctx context.Context, entity models.Entity, limit int) ([]models.EntityDataKey, error)
}

// FeedbackSource returns the human decisions touching a key.
type FeedbackSource interface {
	Overrides(ctx context.Context, key models.EntityDataKey) (clustering.Overrides, error)
}

// Deps are the collaborators of a Linker. Feedback, Strategy and Observers
// are optional.
type Deps struct {
	Loader     dataloader.DataLoader
	Linking    linking.Service
	Clusterer  *clustering.Clusterer
	Candidates CandidateSource
	Feedback   FeedbackSource
	Locker     lock.Locker
	Strategy   clustering.Strategy
	Observers  []CommitObserver
}

// Linker owns the worker pool and the poll loop.
type Linker struct {
	cfg        Config
	logger     ectologger.Logger
	loader     dataloader.DataLoader
	linking    linking.Service
	clusterer  *clustering.Clusterer
	candidates CandidateSource
	feedback   FeedbackSource
	locker     lock.Locker
	strategy   clustering.Strategy
	observers  []CommitObserver
	typeRank   map[string]int

	queue    chan models.EntityDataKey
	mu       sync.Mutex
	inFlight map[models.EntityDataKey]struct{}
	cooldown *gocache.Cache

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewLinker(cfg Config, deps Deps, logger ectologger.Logger) (*Linker, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Loader == nil:
		return nil, errors.New("linker needs a data loader")
	case deps.Linking == nil:
		return nil, errors.New("linker needs a linking service")
	case deps.Clusterer == nil:
		return nil, errors.New("linker needs a clusterer")
	case deps.Candidates == nil:
		return nil, errors.New("linker needs a candidate source")
	case deps.Locker == nil:
		return nil, errors.New("linker needs a locker")
	}

	strategy := deps.Strategy
	if strategy == nil {
		strategy = clustering.MinimumSpanningScore
	}

	order, err := typegraph.FromDependencies(cfg.TypeDependencies).TopologicalOrder()
	if err != nil {
		return nil, err
	}
	rank := make(map[string]int, len(order))
	for i, t := range order {
		rank[t] = i
	}

	return &Linker{
		cfg:        cfg,
		logger:     logger,
		loader:     deps.Loader,
		linking:    deps.Linking,
		clusterer:  deps.Clusterer,
		candidates: deps.Candidates,
		feedback:   deps.Feedback,
		locker:     deps.Locker,
		strategy:   strategy,
		observers:  deps.Observers,
		typeRank:   rank,
		queue:      make(chan models.EntityDataKey, cfg.QueueCapacity),
		inFlight:   make(map[models.EntityDataKey]struct{}),
		cooldown:   gocache.New(cfg.FailureCooldown, 2*cfg.FailureCooldown),
	}, nil
}

// Start launches the workers and the poll loop.
func (l *Linker) Start(ctx context.Context) error {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()
	if l.cancel != nil {
		return errors.New("linker already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	for i := 0; i < l.cfg.Workers; i++ {
		l.wg.Add(1)
		go l.worker(ctx)
	}
	l.wg.Add(1)
	go l.pollLoop(ctx)

	l.logger.WithContext(ctx).WithFields(map[string]any{
		"workers":        l.cfg.Workers,
		"queue_capacity": l.cfg.QueueCapacity,
		"poll_interval":  l.cfg.PollInterval.String(),
	}).Info("Linker started")
	return nil
}

// Stop cancels the loop, waits for in-flight keys and drops queued ones.
// Dropped keys stay marked as needing linking.
func (l *Linker) Stop() error {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()
	if l.cancel == nil {
		return nil
	}
	l.cancel()
	l.wg.Wait()
	l.cancel = nil

	for {
		select {
		case key := <-l.queue:
			metrics.QueueDepth.Dec()
			l.release(key)
		default:
			l.logger.Info("Linker stopped")
			return nil
		}
	}
}

func (l *Linker) pollLoop(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if n, err := l.poll(ctx); err != nil {
			if ctx.Err() == nil {
				l.logger.WithContext(ctx).WithError(err).Error("Linking poll failed")
			}
		} else if n > 0 {
			l.logger.WithContext(ctx).WithField("enqueued", n).Debug("Enqueued entities for linking")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll enqueues the keys needing linking, dependency types first. A full
// queue blocks the poll.
func (l *Linker) poll(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "realtime.Linker.poll")
	defer span.End()

	sets, err := l.orderedSets(ctx, nil)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	pending := make(map[string]bool)
	for _, set := range sets {
		keys, err := l.linking.GetEntitiesNeedingLinking(ctx, []uuid.UUID{set.ID}, l.cfg.BatchSize)
		if err != nil {
			return enqueued, err
		}
		if len(keys) == 0 {
			continue
		}
		blocked := l.blocked(set.EntityType, pending)
		pending[set.EntityType] = true
		if blocked {
			continue
		}

		for _, key := range keys {
			if _, cooling := l.cooldown.Get(key.String()); cooling {
				continue
			}
			if !l.claim(key) {
				continue
			}
			select {
			case l.queue <- key:
				metrics.QueueDepth.Inc()
				enqueued++
			case <-ctx.Done():
				l.release(key)
				return enqueued, ctx.Err()
			}
		}
	}
	return enqueued, nil
}

func (l *Linker) worker(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-l.queue:
			metrics.QueueDepth.Dec()
			_ = l.handle(ctx, key)
			l.release(key)
		}
	}
}

// handle links one key with in-place retries for transient failures. A
// conflict leaves the key queued for the next poll; anything else parks it in
// the failure cooldown.
func (l *Linker) handle(ctx context.Context, key models.EntityDataKey) error {
	metrics.KeysInFlight.Inc()
	defer metrics.KeysInFlight.Dec()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = l.cfg.RetryInterval

	err := backoff.Retry(func() error {
		_, err := l.LinkOne(ctx, key)
		if err != nil && !linkerr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(l.cfg.MaxRetries)), ctx))

	log := l.logger.WithContext(ctx).WithField("key", key.String())
	switch {
	case err == nil:
	case ctx.Err() != nil:
	case linkerr.IsConflict(err):
		log.WithError(err).Debug("Commit conflicted, key stays queued")
	default:
		log.WithError(err).WithField("kind", linkerr.KindOf(err).String()).Error("Failed to link entity")
		l.cooldown.Set(key.String(), struct{}{}, gocache.DefaultExpiration)
	}
	return err
}

// RunUntilFinished links the given sets, or every linkable set when none are
// given, until no entity needs linking. Entities that fail with anything but a
// conflict are skipped and reported in the returned error.
func (l *Linker) RunUntilFinished(ctx context.Context, entitySetIDs []uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "realtime.Linker.RunUntilFinished")
	defer span.End()

	sets, err := l.orderedSets(ctx, entitySetIDs)
	if err != nil {
		return err
	}

	var failedMu sync.Mutex
	failed := models.NewKeySet()

	for round := 0; round < maxRounds; round++ {
		work := make([]models.EntityDataKey, 0)
		pending := make(map[string]bool)
		for _, set := range sets {
			keys, err := l.linking.GetEntitiesNeedingLinking(ctx, []uuid.UUID{set.ID}, 0)
			if err != nil {
				return err
			}
			keys = slices.DeleteFunc(keys, failed.Has)
			if len(keys) == 0 {
				continue
			}
			blocked := l.blocked(set.EntityType, pending)
			pending[set.EntityType] = true
			if !blocked {
				work = append(work, keys...)
			}
		}

		if len(work) == 0 {
			if len(failed) > 0 {
				return fmt.Errorf("%d entities could not be linked", len(failed))
			}
			l.logger.WithContext(ctx).WithField("rounds", round).Info("Linking reached a fixed point")
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(l.cfg.Workers)
		claimed := 0
		for _, key := range work {
			if !l.claim(key) {
				continue
			}
			claimed++
			g.Go(func() error {
				defer l.release(key)
				err := l.handle(gctx, key)
				if err == nil || linkerr.IsConflict(err) {
					return nil
				}
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failedMu.Lock()
				failed.Add(key)
				failedMu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		if claimed == 0 {
			// every key is held by the background workers
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.cfg.RetryInterval):
			}
		}
	}
	return fmt.Errorf("linking did not settle after %d rounds", maxRounds)
}

// Status returns the linking state of a set with keys in flight overlaid.
func (l *Linker) Status(ctx context.Context, entitySetID uuid.UUID) (models.EntitySetLinkingStatus, error) {
	st, err := l.linking.GetEntitySetStatus(ctx, entitySetID)
	if err != nil {
		return st, err
	}
	st.InFlight = l.inFlightFor(entitySetID)
	if st.InFlight > 0 {
		st.Status = models.LinkingStatusClustering
	}
	return st, nil
}

func (l *Linker) orderedSets(ctx context.Context, ids []uuid.UUID) ([]models.EntitySet, error) {
	if len(ids) == 0 {
		var err error
		ids, err = l.linking.GetLinkableEntitySets(ctx, l.cfg.LinkableTypes, l.cfg.Blacklist, l.cfg.Whitelist)
		if err != nil {
			return nil, err
		}
	}

	sets := make([]models.EntitySet, 0, len(ids))
	for _, id := range ids {
		set, err := l.linking.GetEntitySet(ctx, id)
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}

	slices.SortStableFunc(sets, func(a, b models.EntitySet) int {
		return l.rankOf(a.EntityType) - l.rankOf(b.EntityType)
	})
	return sets, nil
}

// rankOf places types without declared dependencies after every ordered type.
func (l *Linker) rankOf(entityType string) int {
	if r, ok := l.typeRank[entityType]; ok {
		return r
	}
	return len(l.typeRank)
}

func (l *Linker) blocked(entityType string, pending map[string]bool) bool {
	for _, dep := range l.cfg.TypeDependencies[entityType] {
		if pending[dep] {
			return true
		}
	}
	return false
}

func (l *Linker) claim(key models.EntityDataKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.inFlight[key]; busy {
		return false
	}
	l.inFlight[key] = struct{}{}
	return true
}

func (l *Linker) release(key models.EntityDataKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inFlight, key)
}

func (l *Linker) inFlightFor(entitySetID uuid.UUID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k := range l.inFlight {
		if k.EntitySetID == entitySetID {
			n++
		}
	}
	return n
}
