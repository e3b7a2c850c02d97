package feedback

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const tableName = "linking_feedback"

var columns = []string{
	"src_entity_set_id", "src_entity_key_id",
	"dst_entity_set_id", "dst_entity_key_id",
	"linked", "updated_at",
}

type row struct {
	SrcEntitySetID uuid.UUID `db:"src_entity_set_id"`
	SrcEntityKeyID uuid.UUID `db:"src_entity_key_id"`
	DstEntitySetID uuid.UUID `db:"dst_entity_set_id"`
	DstEntityKeyID uuid.UUID `db:"dst_entity_key_id"`
	Linked         bool      `db:"linked"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r row) toFeedback() models.EntityLinkingFeedback {
	return models.EntityLinkingFeedback{
		Src:    models.NewEntityDataKey(r.SrcEntitySetID, r.SrcEntityKeyID),
		Dst:    models.NewEntityDataKey(r.DstEntitySetID, r.DstEntityKeyID),
		Linked: r.Linked,
	}
}

// Repository persists linking feedback by canonical pair
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new feedback repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

func pairCondition(cond *sqlbuilder.Cond, pair models.EntityKeyPair) string {
	return cond.And(
		cond.Equal("src_entity_set_id", pair.First().EntitySetID),
		cond.Equal("src_entity_key_id", pair.First().EntityKeyID),
		cond.Equal("dst_entity_set_id", pair.Second().EntitySetID),
		cond.Equal("dst_entity_key_id", pair.Second().EntityKeyID),
	)
}

// Upsert stores the feedback in canonical orientation. The last write wins.
func (r *Repository) Upsert(ctx context.Context, fb models.EntityLinkingFeedback) error {
	ctx, span := tracing.StartSpan(ctx, "feedback.Repository.Upsert")
	defer span.End()

	fb = fb.Canonical()

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(tableName)
	ib.Cols(columns...)
	ib.Values(
		fb.Src.EntitySetID, fb.Src.EntityKeyID,
		fb.Dst.EntitySetID, fb.Dst.EntityKeyID,
		fb.Linked, time.Now().UTC(),
	)

	query, args := ib.Build()
	query += ` ON CONFLICT (src_entity_set_id, src_entity_key_id, dst_entity_set_id, dst_entity_key_id)
		DO UPDATE SET linked = EXCLUDED.linked, updated_at = EXCLUDED.updated_at`

	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("pair", fb.Pair().String()).Error("failed to save feedback")
		return database.Classify(err, "failed to save feedback")
	}
	return nil
}

// Get returns the feedback of pair, or nil when there is none.
func (r *Repository) Get(ctx context.Context, pair models.EntityKeyPair) (*models.EntityLinkingFeedback, error) {
	ctx, span := tracing.StartSpan(ctx, "feedback.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tableName)
	sb.Where(pairCondition(&sb.Cond, pair))

	query, args := sb.Build()

	var rows []row
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("pair", pair.String()).Error("failed to get feedback")
		return nil, database.Classify(err, "failed to get feedback")
	}
	if len(rows) == 0 {
		return nil, nil
	}
	fb := rows[0].toFeedback()
	return &fb, nil
}

// List returns every feedback in canonical order.
func (r *Repository) List(ctx context.Context) ([]models.EntityLinkingFeedback, error) {
	ctx, span := tracing.StartSpan(ctx, "feedback.Repository.List")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tableName)

	return r.selectFeedback(ctx, sb)
}

// ListFor returns every feedback touching key.
func (r *Repository) ListFor(ctx context.Context, key models.EntityDataKey) ([]models.EntityLinkingFeedback, error) {
	ctx, span := tracing.StartSpan(ctx, "feedback.Repository.ListFor")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tableName)
	sb.Where(sb.Or(
		sb.And(sb.Equal("src_entity_set_id", key.EntitySetID), sb.Equal("src_entity_key_id", key.EntityKeyID)),
		sb.And(sb.Equal("dst_entity_set_id", key.EntitySetID), sb.Equal("dst_entity_key_id", key.EntityKeyID)),
	))

	return r.selectFeedback(ctx, sb)
}

// Delete removes the feedback of pair and reports whether it existed.
func (r *Repository) Delete(ctx context.Context, pair models.EntityKeyPair) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "feedback.Repository.Delete")
	defer span.End()

	del := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	del.DeleteFrom(tableName)
	del.Where(pairCondition(&del.Cond, pair))

	query, args := del.Build()

	res, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("pair", pair.String()).Error("failed to delete feedback")
		return false, database.Classify(err, "failed to delete feedback")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, database.Classify(err, "failed to delete feedback")
	}
	return n > 0, nil
}

func (r *Repository) selectFeedback(ctx context.Context, sb *sqlbuilder.SelectBuilder) ([]models.EntityLinkingFeedback, error) {
	sb.OrderBy("src_entity_set_id", "src_entity_key_id", "dst_entity_set_id", "dst_entity_key_id")
	query, args := sb.Build()

	var rows []row
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list feedback")
		return nil, database.Classify(err, "failed to list feedback")
	}

	out := make([]models.EntityLinkingFeedback, len(rows))
	for i, r := range rows {
		out[i] = r.toFeedback()
	}
	return out, nil
}
