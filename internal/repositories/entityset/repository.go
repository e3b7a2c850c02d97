package entityset

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/linkerr"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Repository persists entity set registrations
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new entity set repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const tableName = "entity_sets"

// Upsert registers an entity set or updates its name and type.
func (r *Repository) Upsert(ctx context.Context, set models.EntitySet) error {
	ctx, span := tracing.StartSpan(ctx, "entityset.Repository.Upsert")
	defer span.End()

	if set.CreatedAt.IsZero() {
		set.CreatedAt = time.Now().UTC()
	}

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(tableName)
	ib.Cols("id", "name", "entity_type", "created_at")
	ib.Values(set.ID, set.Name, set.EntityType, set.CreatedAt)

	query, args := ib.Build()
	query += ` ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, entity_type = EXCLUDED.entity_type`

	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to register entity set")
		return database.Classify(err, "failed to register entity set")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"id":          set.ID,
		"name":        set.Name,
		"entity_type": set.EntityType,
	}).Info("registered entity set")

	return nil
}

// GetByID gets an entity set by ID
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (models.EntitySet, error) {
	ctx, span := tracing.StartSpan(ctx, "entityset.Repository.GetByID")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "name", "entity_type", "created_at")
	sb.From(tableName)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()

	var set models.EntitySet
	err := r.db.Conn(ctx).GetContext(ctx, &set, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.EntitySet{}, linkerr.NotFound("entity set %s not found", id)
		}
		r.logger.WithContext(ctx).WithError(err).Error("failed to get entity set by ID")
		return models.EntitySet{}, database.Classify(err, "failed to get entity set")
	}
	return set, nil
}

// List returns every registered entity set ordered by id
func (r *Repository) List(ctx context.Context) ([]models.EntitySet, error) {
	ctx, span := tracing.StartSpan(ctx, "entityset.Repository.List")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "name", "entity_type", "created_at")
	sb.From(tableName)
	sb.OrderBy("id")

	query, args := sb.Build()

	var sets []models.EntitySet
	if err := r.db.Conn(ctx).SelectContext(ctx, &sets, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list entity sets")
		return nil, database.Classify(err, "failed to list entity sets")
	}
	return sets, nil
}
