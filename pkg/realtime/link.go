package realtime

import (
	"context"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/clover/pkg/clustering"
	"github.com/Ramsey-B/clover/pkg/linkerr"
	"github.com/Ramsey-B/clover/pkg/lock"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Outcome is what LinkOne did with a key.
type Outcome string

const (
	// OutcomeJoined moved the key into another cluster, possibly merging several
	OutcomeJoined Outcome = "joined"
	// OutcomeRefreshed rescored the key's own cluster
	OutcomeRefreshed Outcome = "refreshed"
	// OutcomeCreated split the key out into a new singleton
	OutcomeCreated Outcome = "created"
	// OutcomeUnchanged left the stored clusters as they were
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeRequeued left the key queued because clusters appeared or the key
	// was requeued while it was being linked
	OutcomeRequeued Outcome = "requeued"
)

// LinkOne evaluates key against every cluster holding one of its candidates
// and commits the outcome. On success the key's loaded version is marked
// linked, unless clusters the evaluation did not see appeared meanwhile or
// the key was requeued after its requeue epoch was read.
func (l *Linker) LinkOne(ctx context.Context, key models.EntityDataKey) (Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "realtime.Linker.LinkOne")
	defer span.End()

	start := time.Now()
	outcome, err := l.linkOne(ctx, key)
	label := string(outcome)
	if err != nil {
		label = linkerr.KindOf(err).String()
	}
	metrics.RecordLinkAttempt(label, time.Since(start).Seconds())
	return outcome, err
}

func (l *Linker) linkOne(ctx context.Context, key models.EntityDataKey) (Outcome, error) {
	log := l.logger.WithContext(ctx).WithField("key", key.String())

	// read before the entity and its feedback so a requeue racing this link
	// is never overwritten by the final mark
	epoch, err := l.linking.RequeueEpoch(ctx, key)
	if err != nil {
		return "", err
	}

	loaded, err := l.loader.Load(ctx, []models.EntityDataKey{key})
	if err != nil {
		return "", err
	}
	entity, ok := loaded[key]
	if !ok {
		return "", linkerr.NotFound("entity %s not found", key)
	}

	overrides, err := l.overrides(ctx, key)
	if err != nil {
		return "", err
	}
	candidates, err := l.candidates.Candidates(ctx, entity, l.cfg.CandidateLimit)
	if err != nil {
		return "", err
	}

	search := models.NewKeySet(candidates...)
	search.Add(key)
	search.Add(overrides.Partners(key)...)

	snapshots, err := l.linking.GetClustersContaining(ctx, search)
	if err != nil {
		return "", err
	}
	current := holding(snapshots, key)

	evaluated, err := l.evaluate(ctx, key, snapshots, clustering.WithFeedback(l.strategy, key, overrides))
	if err != nil {
		return "", err
	}

	accepting := ectolinq.Filter(evaluated, func(sc models.ScoredCluster) bool {
		return sc.Score >= l.cfg.AcceptThreshold
	})
	if len(evaluated) > 0 {
		decision := "reject"
		if len(accepting) > 0 {
			decision = "accept"
		}
		metrics.RecordCandidateScore(decision, evaluated[0].Score)
	}

	var (
		outcome = OutcomeUnchanged
		target  models.ScoredCluster
		merged  []uuid.UUID
	)
	switch {
	case len(accepting) > 0:
		target, merged, err = l.merge(ctx, key, accepting, snapshots, overrides)
		if err != nil {
			return "", err
		}
		switch {
		case current == nil || target.ClusterID != current.ID || len(merged) > 0:
			outcome = OutcomeJoined
		case !sameCluster(*current, target):
			outcome = OutcomeRefreshed
		}
	case current == nil || current.Cluster.Size() > 1:
		outcome = OutcomeCreated
		target = models.ScoredCluster{Cluster: models.NewCluster(key), Score: models.MaxScore}
	}

	committedID := uuid.Nil
	if current != nil {
		committedID = current.ID
	}
	if outcome != OutcomeUnchanged {
		touched := slices.Clone(merged)
		if current != nil {
			touched = append(touched, current.ID)
		}
		committed, err := l.commit(ctx, key, target, touched, snapshots)
		if err != nil {
			return "", err
		}
		committedID = committed.ID
		metrics.RecordCommit(string(outcome))
		log.WithFields(map[string]any{
			"outcome":    outcome,
			"cluster_id": committed.ID.String(),
			"version":    committed.Version,
			"size":       committed.Cluster.Size(),
			"score":      committed.Score,
		}).Debug("Committed cluster")

		if current != nil && committed.ID != current.ID && current.Cluster.Size() > 1 && rejectedBy(overrides, key, current.Cluster.Members()) {
			remaining := current.Cluster.Without(key).Members().Sorted()
			if err := l.linking.MarkNeedsLinking(ctx, remaining...); err != nil {
				return "", err
			}
			log.WithFields(map[string]any{
				"cluster_id": current.ID.String(),
				"requeued":   len(remaining),
			}).Info("Feedback split an entity out of its cluster")
		}
	}

	// a cluster created concurrently by a candidate is invisible to this
	// evaluation; link again so the two can merge
	after, err := l.linking.GetClusterIDsContaining(ctx, search)
	if err != nil {
		return "", err
	}
	for _, id := range after {
		if _, seen := snapshots[id]; !seen && id != committedID {
			log.WithField("cluster_id", id.String()).Debug("Unseen cluster appeared, requeueing")
			if err := l.linking.MarkNeedsLinking(ctx, key); err != nil {
				return "", err
			}
			return OutcomeRequeued, nil
		}
	}

	marked, err := l.linking.MarkLinkedAt(ctx, key, entity.Version, epoch)
	if err != nil {
		return "", err
	}
	if !marked {
		log.WithField("epoch", epoch).Debug("Requeued while linking, leaving key queued")
		return OutcomeRequeued, nil
	}
	return outcome, nil
}

// evaluate scores key against every snapshot concurrently and returns the
// results best first. Snapshots with members that can no longer be loaded
// are skipped.
func (l *Linker) evaluate(ctx context.Context, key models.EntityDataKey, snapshots map[uuid.UUID]models.KeyedCluster, strategy clustering.Strategy) ([]models.ScoredCluster, error) {
	var mu sync.Mutex
	out := make([]models.ScoredCluster, 0, len(snapshots))

	g, gctx := errgroup.WithContext(ctx)
	for _, snap := range snapshots {
		g.Go(func() error {
			scored, err := l.clusterer.Cluster(gctx, key, snap, strategy)
			if err != nil {
				if linkerr.KindOf(err) == linkerr.KindNotFound {
					l.logger.WithContext(ctx).WithError(err).WithField("cluster_id", snap.ID.String()).Warn("Skipping cluster with missing members")
					return nil
				}
				return err
			}
			mu.Lock()
			out = append(out, scored)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slices.SortFunc(out, compareScored)
	return out, nil
}

// compareScored orders by score, then size, both descending, then by id.
func compareScored(a, b models.ScoredCluster) int {
	switch {
	case a.Score > b.Score:
		return -1
	case a.Score < b.Score:
		return 1
	}
	if sa, sb := a.Cluster.Size(), b.Cluster.Size(); sa != sb {
		return sb - sa
	}
	return slices.Compare(a.ClusterID[:], b.ClusterID[:])
}

// merge folds every accepting cluster into the best one when the union still
// scores above the threshold. Decisions between members of different
// clusters count; decisions inside one cluster are left to its members.
func (l *Linker) merge(
	ctx context.Context,
	key models.EntityDataKey,
	accepting []models.ScoredCluster,
	snapshots map[uuid.UUID]models.KeyedCluster,
	overrides clustering.Overrides,
) (models.ScoredCluster, []uuid.UUID, error) {
	best := accepting[0]
	if len(accepting) == 1 {
		return best, nil, nil
	}

	union := models.NewCluster()
	groups := make(map[models.EntityDataKey]int)
	memberOverrides := make(clustering.Overrides)
	for i, sc := range accepting {
		for m := range snapshots[sc.ClusterID].Cluster.Members() {
			union.AddMember(m)
			if m == key {
				continue
			}
			groups[m] = i
			o, err := l.overrides(ctx, m)
			if err != nil {
				return models.ScoredCluster{}, nil, err
			}
			memberOverrides = memberOverrides.Merge(o)
		}
	}

	snap := snapshots[best.ClusterID]
	snap.Cluster = union
	strategy := clustering.WithFeedback(l.strategy, key, overrides.Merge(memberOverrides.Across(groups)))
	scored, err := l.clusterer.Cluster(ctx, key, snap, strategy)
	if err != nil {
		return models.ScoredCluster{}, nil, err
	}

	log := l.logger.WithContext(ctx).WithFields(map[string]any{
		"key":      key.String(),
		"clusters": len(accepting),
		"score":    scored.Score,
	})
	if scored.Score < l.cfg.AcceptThreshold {
		log.Debug("Merged cluster scored below threshold, joining best only")
		return best, nil, nil
	}

	merged := ectolinq.Map(accepting[1:], func(sc models.ScoredCluster) uuid.UUID {
		return sc.ClusterID
	})
	log.Info("Merging clusters")
	return scored, merged, nil
}

// commit locks every touched cluster in id order, checks none moved since
// the snapshot and swaps target in.
func (l *Linker) commit(
	ctx context.Context,
	key models.EntityDataKey,
	target models.ScoredCluster,
	touched []uuid.UUID,
	snapshots map[uuid.UUID]models.KeyedCluster,
) (models.KeyedCluster, error) {
	ctx, span := tracing.StartSpan(ctx, "realtime.Linker.commit")
	defer span.End()

	ids := slices.Clone(touched)
	if target.ClusterID != uuid.Nil {
		ids = append(ids, target.ClusterID)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return slices.Compare(a[:], b[:]) })
	ids = slices.Compact(ids)

	names := ectolinq.Map(ids, func(id uuid.UUID) string { return "cluster:" + id.String() })
	release, err := lock.AcquireAll(ctx, l.locker, names, l.cfg.LockTTL, l.cfg.LockTimeout)
	if err != nil {
		if linkerr.IsConflict(err) {
			metrics.RecordConflict("lock")
		}
		return models.KeyedCluster{}, err
	}
	defer release(context.WithoutCancel(ctx))

	for _, id := range ids {
		snap, ok := snapshots[id]
		if !ok {
			continue
		}
		fresh, err := l.linking.GetCluster(ctx, id)
		if err != nil {
			if linkerr.KindOf(err) == linkerr.KindNotFound {
				metrics.RecordConflict("version")
				return models.KeyedCluster{}, linkerr.Conflict(err, "cluster %s was dissolved", id)
			}
			return models.KeyedCluster{}, err
		}
		if fresh.Version != snap.Version {
			metrics.RecordConflict("version")
			return models.KeyedCluster{}, linkerr.Conflict(nil, "cluster %s moved from version %d to %d", id, snap.Version, fresh.Version)
		}
	}

	committed, err := l.linking.CommitCluster(ctx, target)
	if err != nil {
		if linkerr.IsConflict(err) {
			metrics.RecordConflict("cas")
		}
		return models.KeyedCluster{}, err
	}

	l.notify(ctx, key, committed, ids)
	return committed, nil
}

// notify reports the committed cluster and every other touched cluster.
func (l *Linker) notify(ctx context.Context, key models.EntityDataKey, committed models.KeyedCluster, touched []uuid.UUID) {
	if len(l.observers) == 0 {
		return
	}
	changes := []ClusterChange{{ClusterID: committed.ID, Cluster: &committed, Trigger: key}}
	for _, id := range touched {
		if id == committed.ID {
			continue
		}
		change := ClusterChange{ClusterID: id, Trigger: key}
		kc, err := l.linking.GetCluster(ctx, id)
		switch {
		case err == nil:
			change.Cluster = &kc
		case linkerr.KindOf(err) != linkerr.KindNotFound:
			l.logger.WithContext(ctx).WithError(err).WithField("cluster_id", id.String()).Warn("Failed to read touched cluster")
			continue
		}
		changes = append(changes, change)
	}

	for _, change := range changes {
		for _, o := range l.observers {
			if err := o.ClusterChanged(ctx, change); err != nil {
				l.logger.WithContext(ctx).WithError(err).WithField("cluster_id", change.ClusterID.String()).Warn("Commit observer failed")
			}
		}
	}
}

func (l *Linker) overrides(ctx context.Context, key models.EntityDataKey) (clustering.Overrides, error) {
	if l.feedback == nil {
		return clustering.Overrides{}, nil
	}
	return l.feedback.Overrides(ctx, key)
}

// holding returns the snapshot that contains key.
func holding(snapshots map[uuid.UUID]models.KeyedCluster, key models.EntityDataKey) *models.KeyedCluster {
	for _, kc := range snapshots {
		if kc.Cluster.Members().Has(key) {
			return &kc
		}
	}
	return nil
}

// rejectedBy reports whether a negative decision pairs key with a member.
func rejectedBy(overrides clustering.Overrides, key models.EntityDataKey, members models.KeySet) bool {
	for pair, linked := range overrides {
		if !linked && pair.Contains(key) && !pair.IsSelfPair() && members.Has(pair.Other(key)) {
			return true
		}
	}
	return false
}

func sameCluster(prev models.KeyedCluster, next models.ScoredCluster) bool {
	return math.Abs(prev.Score-next.Score) < 1e-9 &&
		prev.Cluster.Members().Equal(next.Cluster.Members()) &&
		slices.Equal(prev.Cluster.Edges(), next.Cluster.Edges())
}
