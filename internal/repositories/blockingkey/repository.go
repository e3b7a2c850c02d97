package blockingkey

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const tableName = "blocking_keys"

// Repository is the Postgres blocking index
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new blocking key repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Put replaces the block keys of an entity
func (r *Repository) Put(ctx context.Context, key models.EntityDataKey, blockKeys []string) error {
	ctx, span := tracing.StartSpan(ctx, "blockingkey.Repository.Put")
	defer span.End()

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"method": "Put",
		"key":    key.String(),
	})

	return database.WithTx(ctx, r.db, func(ctx context.Context, tx database.Tx) error {
		del := sqlbuilder.PostgreSQL.NewDeleteBuilder()
		del.DeleteFrom(tableName)
		del.Where(
			del.Equal("entity_set_id", key.EntitySetID),
			del.Equal("entity_key_id", key.EntityKeyID),
		)
		query, args := del.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			log.WithError(err).Error("Failed to clear block keys")
			return database.Classify(err, "failed to clear block keys")
		}

		if len(blockKeys) == 0 {
			return nil
		}

		ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
		ib.InsertInto(tableName)
		ib.Cols("block_key", "entity_set_id", "entity_key_id")
		for _, bk := range blockKeys {
			ib.Values(bk, key.EntitySetID, key.EntityKeyID)
		}
		query, args = ib.Build()
		query += ` ON CONFLICT DO NOTHING`
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			log.WithError(err).Error("Failed to insert block keys")
			return database.Classify(err, "failed to insert block keys")
		}

		log.WithField("block_keys", len(blockKeys)).Debug("Indexed block keys")
		return nil
	})
}

// Lookup returns the distinct entities sharing any of the block keys
func (r *Repository) Lookup(ctx context.Context, blockKeys []string, limit int) ([]models.EntityDataKey, error) {
	ctx, span := tracing.StartSpan(ctx, "blockingkey.Repository.Lookup")
	defer span.End()

	if len(blockKeys) == 0 {
		return []models.EntityDataKey{}, nil
	}

	values := make([]any, len(blockKeys))
	for i, bk := range blockKeys {
		values[i] = bk
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("entity_set_id", "entity_key_id")
	sb.Distinct()
	sb.From(tableName)
	sb.Where(sb.In("block_key", values...))
	sb.OrderBy("entity_set_id", "entity_key_id")
	if limit > 0 {
		sb.Limit(limit)
	}

	query, args := sb.Build()

	var keys []models.EntityDataKey
	if err := r.db.Conn(ctx).SelectContext(ctx, &keys, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to look up block keys")
		return nil, database.Classify(err, "failed to look up block keys")
	}
	return keys, nil
}
