// Package feedback records human linking decisions and feeds them back into
// the linking loop.
package feedback

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/clustering"
	"github.com/Ramsey-B/clover/pkg/dataloader"
	"github.com/Ramsey-B/clover/pkg/linkerr"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Reconciler reacts to a stored or removed decision.
type Reconciler interface {
	Reconcile(ctx context.Context, fb models.EntityLinkingFeedback) error
}

// Listener is told about every stored or deleted decision.
type Listener interface {
	FeedbackChanged(ctx context.Context, fb models.EntityLinkingFeedback, deleted bool) error
}

// Service is the linking feedback surface.
type Service struct {
	store      Store
	loader     dataloader.DataLoader
	matcher    *matching.Matcher
	reconciler Reconciler
	listeners  []Listener
	logger     ectologger.Logger
}

// NewService creates a feedback service. reconciler may be nil.
func NewService(store Store, loader dataloader.DataLoader, matcher *matching.Matcher, reconciler Reconciler, logger ectologger.Logger) *Service {
	return &Service{
		store:      store,
		loader:     loader,
		matcher:    matcher,
		reconciler: reconciler,
		logger:     logger,
	}
}

// AddListener registers l for every later change. It is not safe to call
// concurrently with writes.
func (s *Service) AddListener(l Listener) {
	s.listeners = append(s.listeners, l)
}

func (s *Service) notify(ctx context.Context, fb models.EntityLinkingFeedback, deleted bool) {
	for _, l := range s.listeners {
		if err := l.FeedbackChanged(ctx, fb, deleted); err != nil {
			s.logger.WithContext(ctx).WithError(err).WithField("pair", fb.Pair().String()).Warn("Feedback listener failed")
		}
	}
}

// AddLinkingFeedback stores fb under its canonical pair. It returns false
// without storing anything when both sides name the same entity key.
func (s *Service) AddLinkingFeedback(ctx context.Context, fb models.EntityLinkingFeedback) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "feedback.Service.AddLinkingFeedback")
	defer span.End()

	if fb.Src.IsZero() || fb.Dst.IsZero() {
		return false, linkerr.Validation("feedback needs both src and dst keys")
	}

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"src":    fb.Src.String(),
		"dst":    fb.Dst.String(),
		"linked": fb.Linked,
	})

	if fb.IsSelfPair() {
		metrics.RecordFeedback(fb.Linked, false)
		log.Warn("Rejected self-pair feedback")
		return false, nil
	}

	fb = fb.Canonical()
	if err := s.store.Upsert(ctx, fb); err != nil {
		return false, err
	}
	metrics.RecordFeedback(fb.Linked, true)
	log.Info("Stored linking feedback")

	s.reconcile(ctx, fb)
	s.notify(ctx, fb, false)
	return true, nil
}

func (s *Service) reconcile(ctx context.Context, fb models.EntityLinkingFeedback) {
	if s.reconciler == nil {
		return
	}
	if err := s.reconciler.Reconcile(ctx, fb); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("pair", fb.Pair().String()).Warn("Failed to requeue feedback pair")
	}
}

func (s *Service) GetLinkingFeedbacks(ctx context.Context) ([]models.EntityLinkingFeedback, error) {
	ctx, span := tracing.StartSpan(ctx, "feedback.Service.GetLinkingFeedbacks")
	defer span.End()

	return s.store.List(ctx)
}

// GetLinkingFeedbacksWithFeatures joins every feedback to the features of its
// pair. Pairs with a side that no longer exists are skipped.
func (s *Service) GetLinkingFeedbacksWithFeatures(ctx context.Context) ([]models.EntityLinkingFeatures, error) {
	ctx, span := tracing.StartSpan(ctx, "feedback.Service.GetLinkingFeedbacksWithFeatures")
	defer span.End()

	fbs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(fbs) == 0 {
		return []models.EntityLinkingFeatures{}, nil
	}

	keys := models.NewKeySet()
	for _, fb := range fbs {
		keys.Add(fb.Src, fb.Dst)
	}
	entities, err := s.loader.Load(ctx, keys.Sorted())
	if err != nil {
		return nil, err
	}

	out := make([]models.EntityLinkingFeatures, 0, len(fbs))
	for _, fb := range fbs {
		src, okSrc := entities[fb.Src]
		dst, okDst := entities[fb.Dst]
		if !okSrc || !okDst {
			s.logger.WithContext(ctx).WithField("pair", fb.Pair().String()).Warn("Skipping feedback for missing entity")
			continue
		}
		out = append(out, models.EntityLinkingFeatures{
			Feedback: fb,
			Features: s.matcher.FeatureMap(src, dst),
		})
	}
	return out, nil
}

// GetLinkingFeedback returns the decision for a and b in either order, or nil.
func (s *Service) GetLinkingFeedback(ctx context.Context, a, b models.EntityDataKey) (*models.EntityLinkingFeedback, error) {
	ctx, span := tracing.StartSpan(ctx, "feedback.Service.GetLinkingFeedback")
	defer span.End()

	return s.store.Get(ctx, models.NewEntityKeyPair(a, b))
}

func (s *Service) GetFeedbackFor(ctx context.Context, key models.EntityDataKey) ([]models.EntityLinkingFeedback, error) {
	ctx, span := tracing.StartSpan(ctx, "feedback.Service.GetFeedbackFor")
	defer span.End()

	return s.store.ListFor(ctx, key)
}

// Overrides returns the decisions touching key for use in cluster scoring.
func (s *Service) Overrides(ctx context.Context, key models.EntityDataKey) (clustering.Overrides, error) {
	fbs, err := s.GetFeedbackFor(ctx, key)
	if err != nil {
		return nil, err
	}
	return clustering.NewOverrides(fbs), nil
}

// DeleteLinkingFeedback removes the decision for a and b and requeues both.
func (s *Service) DeleteLinkingFeedback(ctx context.Context, a, b models.EntityDataKey) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "feedback.Service.DeleteLinkingFeedback")
	defer span.End()

	pair := models.NewEntityKeyPair(a, b)
	prev, err := s.store.Get(ctx, pair)
	if err != nil {
		return false, err
	}
	if prev == nil {
		return false, nil
	}
	deleted, err := s.store.Delete(ctx, pair)
	if err != nil || !deleted {
		return deleted, err
	}

	s.logger.WithContext(ctx).WithField("pair", pair.String()).Info("Deleted linking feedback")
	// flip the decision so the reconciler treats the pair as contradicted
	flipped := *prev
	flipped.Linked = !prev.Linked
	s.reconcile(ctx, flipped)
	s.notify(ctx, *prev, true)
	return true, nil
}

// Membership is what the requeue reconciler needs from the linking store.
type Membership interface {
	GetClusterIDsContaining(ctx context.Context, keys models.KeySet) ([]uuid.UUID, error)
	MarkNeedsLinking(ctx context.Context, keys ...models.EntityDataKey) error
}

// RequeueReconciler puts both sides of a pair back in the linking queue when
// the current clusters contradict the decision: a negative pair sharing a
// cluster or a positive pair split across clusters.
type RequeueReconciler struct {
	membership Membership
	logger     ectologger.Logger
}

func NewRequeueReconciler(membership Membership, logger ectologger.Logger) *RequeueReconciler {
	return &RequeueReconciler{membership: membership, logger: logger}
}

func (r *RequeueReconciler) Reconcile(ctx context.Context, fb models.EntityLinkingFeedback) error {
	ctx, span := tracing.StartSpan(ctx, "feedback.RequeueReconciler.Reconcile")
	defer span.End()

	src, err := r.clusterOf(ctx, fb.Src)
	if err != nil {
		return err
	}
	dst, err := r.clusterOf(ctx, fb.Dst)
	if err != nil {
		return err
	}

	together := src != uuid.Nil && src == dst
	if together == fb.Linked {
		return nil
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"pair":   fb.Pair().String(),
		"linked": fb.Linked,
	}).Info("Requeueing entities contradicted by feedback")
	return r.membership.MarkNeedsLinking(ctx, fb.Src, fb.Dst)
}

func (r *RequeueReconciler) clusterOf(ctx context.Context, key models.EntityDataKey) (uuid.UUID, error) {
	ids, err := r.membership.GetClusterIDsContaining(ctx, models.NewKeySet(key))
	if err != nil {
		return uuid.Nil, err
	}
	if len(ids) == 0 {
		return uuid.Nil, nil
	}
	return ids[0], nil
}
