package entitydata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const tableName = "entity_data"

// Row is one entity_data record.
type Row struct {
	EntitySetID   uuid.UUID       `db:"entity_set_id"`
	EntityKeyID   uuid.UUID       `db:"entity_key_id"`
	Properties    json.RawMessage `db:"properties"`
	Version       int64           `db:"version"`
	LinkedVersion sql.NullInt64   `db:"linked_version"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

// ToEntity decodes the stored properties.
func (r Row) ToEntity() (models.Entity, error) {
	props := make(map[string][]any)
	if len(r.Properties) > 0 {
		if err := json.Unmarshal(r.Properties, &props); err != nil {
			return models.Entity{}, fmt.Errorf("failed to decode properties of %s/%s: %w", r.EntitySetID, r.EntityKeyID, err)
		}
	}
	return models.Entity{
		Key:        models.NewEntityDataKey(r.EntitySetID, r.EntityKeyID),
		Properties: props,
		Version:    r.Version,
		UpdatedAt:  r.UpdatedAt,
	}, nil
}

// Repository stores raw entities and their linking progress.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new entity data repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

var columns = []string{"entity_set_id", "entity_key_id", "properties", "version", "linked_version", "updated_at"}

// keyFilter matches any of keys, grouped by entity set.
func keyFilter(sb *sqlbuilder.SelectBuilder, keys []models.EntityDataKey) string {
	groups := models.NewKeySet(keys...).GroupByEntitySet()
	ors := make([]string, 0, len(groups))
	for setID, ids := range groups {
		values := make([]any, len(ids))
		for i, id := range ids {
			values[i] = id
		}
		ors = append(ors, sb.And(sb.Equal("entity_set_id", setID), sb.In("entity_key_id", values...)))
	}
	return sb.Or(ors...)
}

func (r *Repository) Load(ctx context.Context, keys []models.EntityDataKey) (map[models.EntityDataKey]models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entitydata.Repository.Load")
	defer span.End()

	out := make(map[models.EntityDataKey]models.Entity, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tableName)
	sb.Where(keyFilter(sb, keys))

	query, args := sb.Build()

	var rows []Row
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("keys", len(keys)).Error("failed to load entities")
		return nil, database.Classify(err, "failed to load entities")
	}

	for _, row := range rows {
		e, err := row.ToEntity()
		if err != nil {
			return nil, err
		}
		out[e.Key] = e
	}
	return out, nil
}

// Upsert writes entities and returns only those whose properties changed.
// Unchanged rows keep their version so they are not relinked.
func (r *Repository) Upsert(ctx context.Context, entitySetID uuid.UUID, entities map[uuid.UUID]map[string][]any) ([]models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entitydata.Repository.Upsert")
	defer span.End()

	if len(entities) == 0 {
		return []models.Entity{}, nil
	}

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"method":        "Upsert",
		"entity_set_id": entitySetID,
		"entities":      len(entities),
	})

	now := time.Now().UTC()

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(tableName)
	ib.Cols("entity_set_id", "entity_key_id", "properties", "version", "updated_at")
	for id, props := range entities {
		raw, err := json.Marshal(props)
		if err != nil {
			return nil, fmt.Errorf("failed to encode properties of %s: %w", id, err)
		}
		ib.Values(entitySetID, id, string(raw), 1, now)
	}

	query, args := ib.Build()
	query += ` ON CONFLICT (entity_set_id, entity_key_id) DO UPDATE SET
		properties = EXCLUDED.properties,
		version = entity_data.version + 1,
		updated_at = EXCLUDED.updated_at
		WHERE entity_data.properties IS DISTINCT FROM EXCLUDED.properties
		RETURNING entity_set_id, entity_key_id, properties, version, linked_version, updated_at`

	var rows []Row
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		log.WithError(err).Error("Failed to upsert entities")
		return nil, database.Classify(err, "failed to upsert entities")
	}

	changed := make([]models.Entity, 0, len(rows))
	for _, row := range rows {
		e, err := row.ToEntity()
		if err != nil {
			return nil, err
		}
		changed = append(changed, e)
	}

	log.WithField("changed", len(changed)).Debug("Upserted entities")
	return changed, nil
}

func (r *Repository) ListEntitySet(ctx context.Context, entitySetID uuid.UUID) ([]models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entitydata.Repository.ListEntitySet")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tableName)
	sb.Where(sb.Equal("entity_set_id", entitySetID))
	sb.OrderBy("entity_key_id")

	query, args := sb.Build()

	var rows []Row
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("entity_set_id", entitySetID).Error("failed to list entity set")
		return nil, database.Classify(err, "failed to list entity set")
	}

	out := make([]models.Entity, 0, len(rows))
	for _, row := range rows {
		e, err := row.ToEntity()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// NeedingLinking returns keys that were never linked or changed since.
func (r *Repository) NeedingLinking(ctx context.Context, entitySetIDs []uuid.UUID, limit int) ([]models.EntityDataKey, error) {
	ctx, span := tracing.StartSpan(ctx, "entitydata.Repository.NeedingLinking")
	defer span.End()

	if len(entitySetIDs) == 0 {
		return []models.EntityDataKey{}, nil
	}

	ids := make([]any, len(entitySetIDs))
	for i, id := range entitySetIDs {
		ids[i] = id
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("entity_set_id", "entity_key_id")
	sb.From(tableName)
	sb.Where(
		sb.In("entity_set_id", ids...),
		sb.Or(sb.IsNull("linked_version"), "linked_version < version"),
	)
	sb.OrderBy("entity_set_id", "entity_key_id")
	if limit > 0 {
		sb.Limit(limit)
	}

	query, args := sb.Build()

	var rows []models.EntityDataKey
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to query entities needing linking")
		return nil, database.Classify(err, "failed to query entities needing linking")
	}
	return rows, nil
}

// MarkLinked records that key was linked at version. An older version never
// overwrites a newer mark.
func (r *Repository) MarkLinked(ctx context.Context, key models.EntityDataKey, version int64) error {
	ctx, span := tracing.StartSpan(ctx, "entitydata.Repository.MarkLinked")
	defer span.End()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(tableName)
	ub.Set(fmt.Sprintf("linked_version = GREATEST(COALESCE(linked_version, 0), %s)", ub.Var(version)))
	ub.Where(
		ub.Equal("entity_set_id", key.EntitySetID),
		ub.Equal("entity_key_id", key.EntityKeyID),
	)

	query, args := ub.Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("key", key.String()).Error("failed to mark entity linked")
		return database.Classify(err, "failed to mark entity linked")
	}
	return nil
}

// RequeueEpoch returns how many times key has been requeued. A missing row
// reads as epoch 0.
func (r *Repository) RequeueEpoch(ctx context.Context, key models.EntityDataKey) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "entitydata.Repository.RequeueEpoch")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("requeue_epoch")
	sb.From(tableName)
	sb.Where(
		sb.Equal("entity_set_id", key.EntitySetID),
		sb.Equal("entity_key_id", key.EntityKeyID),
	)

	query, args := sb.Build()

	var epoch int64
	if err := r.db.Conn(ctx).GetContext(ctx, &epoch, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithField("key", key.String()).Error("failed to read requeue epoch")
		return 0, database.Classify(err, "failed to read requeue epoch")
	}
	return epoch, nil
}

// MarkLinkedAt records that key was linked at version, but only while its
// requeue epoch is still epoch. It reports whether the mark was written.
func (r *Repository) MarkLinkedAt(ctx context.Context, key models.EntityDataKey, version, epoch int64) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "entitydata.Repository.MarkLinkedAt")
	defer span.End()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(tableName)
	ub.Set(fmt.Sprintf("linked_version = GREATEST(COALESCE(linked_version, 0), %s)", ub.Var(version)))
	ub.Where(
		ub.Equal("entity_set_id", key.EntitySetID),
		ub.Equal("entity_key_id", key.EntityKeyID),
		ub.Equal("requeue_epoch", epoch),
	)

	query, args := ub.Build()
	res, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("key", key.String()).Error("failed to mark entity linked")
		return false, database.Classify(err, "failed to mark entity linked")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, database.Classify(err, "failed to mark entity linked")
	}
	return n == 1, nil
}

// MarkNeedsLinking clears the linked mark so the keys are picked up again and
// bumps their requeue epoch.
func (r *Repository) MarkNeedsLinking(ctx context.Context, keys ...models.EntityDataKey) error {
	ctx, span := tracing.StartSpan(ctx, "entitydata.Repository.MarkNeedsLinking")
	defer span.End()

	if len(keys) == 0 {
		return nil
	}

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(tableName)
	ub.Set("linked_version = NULL", "requeue_epoch = requeue_epoch + 1")

	groups := models.NewKeySet(keys...).GroupByEntitySet()
	ors := make([]string, 0, len(groups))
	for setID, ids := range groups {
		values := make([]any, len(ids))
		for i, id := range ids {
			values[i] = id
		}
		ors = append(ors, ub.And(ub.Equal("entity_set_id", setID), ub.In("entity_key_id", values...)))
	}
	ub.Where(ub.Or(ors...))

	query, args := ub.Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("keys", len(keys)).Error("failed to requeue entities")
		return database.Classify(err, "failed to requeue entities")
	}
	return nil
}

// Counts returns how many entities of a set need linking and how many are linked.
func (r *Repository) Counts(ctx context.Context, entitySetID uuid.UUID) (int, int, error) {
	ctx, span := tracing.StartSpan(ctx, "entitydata.Repository.Counts")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(
		"COUNT(*) FILTER (WHERE linked_version IS NULL OR linked_version < version) AS needs",
		"COUNT(*) FILTER (WHERE linked_version >= version) AS linked",
	)
	sb.From(tableName)
	sb.Where(sb.Equal("entity_set_id", entitySetID))

	query, args := sb.Build()

	var counts struct {
		Needs  int `db:"needs"`
		Linked int `db:"linked"`
	}
	if err := r.db.Conn(ctx).GetContext(ctx, &counts, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("entity_set_id", entitySetID).Error("failed to count entities")
		return 0, 0, database.Classify(err, "failed to count entities")
	}
	return counts.Needs, counts.Linked, nil
}
