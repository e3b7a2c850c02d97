package cluster

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

const (
	clustersTable = "linking_clusters"
	membersTable  = "cluster_members"
	logTable      = "linking_log"
)

var clusterColumns = []string{"id", "version", "score", "cluster", "updated_at"}

type logRow struct {
	LinkingID   uuid.UUID         `db:"linking_id"`
	Version     int64             `db:"version"`
	EntitySetID uuid.UUID         `db:"entity_set_id"`
	EntityKeyID uuid.UUID         `db:"entity_key_id"`
	Action      models.LinkAction `db:"action"`
	CreatedAt   time.Time         `db:"created_at"`
}

type memberRow struct {
	ClusterID   uuid.UUID `db:"cluster_id"`
	EntitySetID uuid.UUID `db:"entity_set_id"`
	EntityKeyID uuid.UUID `db:"entity_key_id"`
}

// Repository persists clusters, their member index and the linking log.
// Every membership change runs in one transaction guarded by the cluster version.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new cluster repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

func keyCondition(cond *sqlbuilder.Cond, keys models.KeySet) string {
	groups := keys.GroupByEntitySet()
	ors := make([]string, 0, len(groups))
	for setID, ids := range groups {
		values := make([]any, len(ids))
		for i, id := range ids {
			values[i] = id
		}
		ors = append(ors, cond.And(cond.Equal("entity_set_id", setID), cond.In("entity_key_id", values...)))
	}
	return cond.Or(ors...)
}

// GetContaining returns every cluster holding at least one of keys.
func (r *Repository) GetContaining(ctx context.Context, keys models.KeySet) (map[uuid.UUID]models.KeyedCluster, error) {
	ctx, span := tracing.StartSpan(ctx, "cluster.Repository.GetContaining")
	defer span.End()

	out := make(map[uuid.UUID]models.KeyedCluster)
	if len(keys) == 0 {
		return out, nil
	}

	members := sqlbuilder.PostgreSQL.NewSelectBuilder()
	members.Select("cluster_id")
	members.From(membersTable)
	members.Where(keyCondition(&members.Cond, keys))

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(clusterColumns...)
	sb.From(clustersTable)
	sb.Where(sb.In("id", members))

	query, args := sb.Build()

	var rows []models.KeyedCluster
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("keys", len(keys)).Error("failed to get clusters containing keys")
		return nil, database.Classify(err, "failed to get clusters containing keys")
	}

	for _, row := range rows {
		out[row.ID] = row
	}
	return out, nil
}

// GetByID returns one cluster snapshot.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (models.KeyedCluster, error) {
	ctx, span := tracing.StartSpan(ctx, "cluster.Repository.GetByID")
	defer span.End()

	kc, err := r.get(ctx, r.db.Conn(ctx), id, false)
	if err != nil {
		return models.KeyedCluster{}, err
	}
	if kc == nil {
		return models.KeyedCluster{}, linkerr.NotFound("cluster %s not found", id)
	}
	return *kc, nil
}

// GetByEntitySets returns the distinct clusters with a member in any of the sets.
func (r *Repository) GetByEntitySets(ctx context.Context, entitySetIDs []uuid.UUID) ([]models.KeyedCluster, error) {
	ctx, span := tracing.StartSpan(ctx, "cluster.Repository.GetByEntitySets")
	defer span.End()

	if len(entitySetIDs) == 0 {
		return []models.KeyedCluster{}, nil
	}

	ids := make([]any, len(entitySetIDs))
	for i, id := range entitySetIDs {
		ids[i] = id
	}

	members := sqlbuilder.PostgreSQL.NewSelectBuilder()
	members.Select("cluster_id")
	members.From(membersTable)
	members.Where(members.In("entity_set_id", ids...))

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(clusterColumns...)
	sb.From(clustersTable)
	sb.Where(sb.In("id", members))
	sb.OrderBy("id")

	query, args := sb.Build()

	var rows []models.KeyedCluster
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to search linked clusters")
		return nil, database.Classify(err, "failed to search linked clusters")
	}
	return rows, nil
}

// Commit replaces the cluster if its stored version still equals
// candidate.Version. Version 0 inserts a new cluster.
func (r *Repository) Commit(ctx context.Context, candidate models.ScoredCluster) (models.KeyedCluster, error) {
	ctx, span := tracing.StartSpan(ctx, "cluster.Repository.Commit")
	defer span.End()

	if candidate.Cluster.Size() == 0 {
		return models.KeyedCluster{}, linkerr.Validation("cannot commit an empty cluster")
	}
	id := candidate.ClusterID
	if id == uuid.Nil {
		id = uuid.New()
	}

	var committed models.KeyedCluster
	err := database.WithTx(ctx, r.db, func(ctx context.Context, tx database.Tx) error {
		prev, err := r.get(ctx, tx, id, true)
		if err != nil {
			return err
		}
		switch {
		case candidate.Version == 0 && prev != nil:
			return linkerr.Conflict(nil, "cluster %s already exists at version %d", id, prev.Version)
		case candidate.Version > 0 && prev == nil:
			return linkerr.Conflict(nil, "cluster %s no longer exists", id)
		case prev != nil && prev.Version != candidate.Version:
			return linkerr.Conflict(nil, "cluster %s is at version %d, expected %d", id, prev.Version, candidate.Version)
		}

		committed, err = r.write(ctx, tx, id, prev, candidate.Cluster, candidate.Score, time.Now().UTC())
		return err
	})
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"cluster_id": id,
			"version":    candidate.Version,
		}).Warn("cluster commit failed")
		return models.KeyedCluster{}, err
	}
	return committed, nil
}

// Update applies fn to the current state of cluster id under a row lock.
// fn receives nil when the cluster does not exist and returns the next
// cluster and score; returning a nil cluster leaves it untouched.
func (r *Repository) Update(ctx context.Context, id uuid.UUID, fn func(prev *models.KeyedCluster) (models.Cluster, float64, error)) error {
	ctx, span := tracing.StartSpan(ctx, "cluster.Repository.Update")
	defer span.End()

	return database.WithTx(ctx, r.db, func(ctx context.Context, tx database.Tx) error {
		prev, err := r.get(ctx, tx, id, true)
		if err != nil {
			return err
		}
		next, score, err := fn(prev)
		if err != nil || next == nil {
			return err
		}
		_, err = r.write(ctx, tx, id, prev, next, score, time.Now().UTC())
		return err
	})
}

// ReadLog returns the linking log of a cluster in append order.
func (r *Repository) ReadLog(ctx context.Context, linkingID uuid.UUID) ([]models.LinkingLogEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "cluster.Repository.ReadLog")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("linking_id", "version", "entity_set_id", "entity_key_id", "action", "created_at")
	sb.From(logTable)
	sb.Where(sb.Equal("linking_id", linkingID))
	sb.OrderBy("id")

	query, args := sb.Build()

	var rows []logRow
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("linking_id", linkingID).Error("failed to read linking log")
		return nil, database.Classify(err, "failed to read linking log")
	}

	out := make([]models.LinkingLogEntry, len(rows))
	for i, row := range rows {
		out[i] = models.LinkingLogEntry{
			LinkingID: row.LinkingID,
			Version:   row.Version,
			Key:       models.NewEntityDataKey(row.EntitySetID, row.EntityKeyID),
			Action:    row.Action,
			CreatedAt: row.CreatedAt,
		}
	}
	return out, nil
}

func (r *Repository) get(ctx context.Context, q database.Querier, id uuid.UUID, forUpdate bool) (*models.KeyedCluster, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(clusterColumns...)
	sb.From(clustersTable)
	sb.Where(sb.Equal("id", id))
	if forUpdate {
		sb.ForUpdate()
	}

	query, args := sb.Build()

	var kc models.KeyedCluster
	if err := q.GetContext(ctx, &kc, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithField("cluster_id", id).Error("failed to get cluster")
		return nil, database.Classify(err, "failed to get cluster")
	}
	return &kc, nil
}

// write stores next as the new version of cluster id, moving members out of
// their previous clusters and logging every delta. An empty next deletes the
// cluster row.
func (r *Repository) write(ctx context.Context, q database.Querier, id uuid.UUID, prev *models.KeyedCluster, next models.Cluster, score float64, now time.Time) (models.KeyedCluster, error) {
	oldMembers := models.NewKeySet()
	var version int64
	if prev != nil {
		oldMembers = prev.Cluster.Members()
		version = prev.Version + 1
	} else {
		last, err := r.lastLoggedVersion(ctx, q, id)
		if err != nil {
			return models.KeyedCluster{}, err
		}
		version = last + 1
	}
	newMembers := next.Members()

	if err := r.saveRow(ctx, q, id, prev, next, score, version, now); err != nil {
		return models.KeyedCluster{}, err
	}

	removed := oldMembers.Minus(newMembers)
	added := newMembers.Minus(oldMembers)

	if len(removed) > 0 {
		del := sqlbuilder.PostgreSQL.NewDeleteBuilder()
		del.DeleteFrom(membersTable)
		del.Where(del.Equal("cluster_id", id), keyCondition(&del.Cond, removed))
		query, args := del.Build()
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return models.KeyedCluster{}, database.Classify(err, "failed to remove cluster members")
		}
	}

	if len(added) > 0 {
		if err := r.evictFromOwners(ctx, q, id, added, now); err != nil {
			return models.KeyedCluster{}, err
		}

		ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
		ib.InsertInto(membersTable)
		ib.Cols("entity_set_id", "entity_key_id", "cluster_id")
		for _, k := range added.Sorted() {
			ib.Values(k.EntitySetID, k.EntityKeyID, id)
		}
		query, args := ib.Build()
		query += ` ON CONFLICT (entity_set_id, entity_key_id) DO UPDATE SET cluster_id = EXCLUDED.cluster_id`
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return models.KeyedCluster{}, database.Classify(err, "failed to add cluster members")
		}
	}

	if err := r.appendLog(ctx, q, id, version, removed, added, now); err != nil {
		return models.KeyedCluster{}, err
	}

	if len(newMembers) == 0 {
		del := sqlbuilder.PostgreSQL.NewDeleteBuilder()
		del.DeleteFrom(clustersTable)
		del.Where(del.Equal("id", id))
		query, args := del.Build()
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return models.KeyedCluster{}, database.Classify(err, "failed to delete empty cluster")
		}
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"cluster_id": id,
		"version":    version,
		"added":      len(added),
		"removed":    len(removed),
	}).Debug("wrote cluster")

	return models.KeyedCluster{ID: id, Cluster: next.Clone(), Score: score, Version: version, UpdatedAt: now}, nil
}

// saveRow inserts or compare-and-swaps the cluster row itself.
func (r *Repository) saveRow(ctx context.Context, q database.Querier, id uuid.UUID, prev *models.KeyedCluster, next models.Cluster, score float64, version int64, now time.Time) error {
	var query string
	var args []any
	if prev == nil {
		ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
		ib.InsertInto(clustersTable)
		ib.Cols("id", "version", "score", "cluster", "created_at", "updated_at")
		ib.Values(id, version, score, next, now, now)
		query, args = ib.Build()
		query += ` ON CONFLICT (id) DO NOTHING`
	} else {
		ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
		ub.Update(clustersTable)
		ub.Set(
			ub.Assign("version", version),
			ub.Assign("score", score),
			ub.Assign("cluster", next),
			ub.Assign("updated_at", now),
		)
		ub.Where(ub.Equal("id", id), ub.Equal("version", prev.Version))
		query, args = ub.Build()
	}

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return database.Classify(err, "failed to save cluster")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return database.Classify(err, "failed to save cluster")
	}
	if affected == 0 {
		return linkerr.Conflict(nil, "cluster %s changed concurrently", id)
	}
	return nil
}

// evictFromOwners removes keys from whichever other clusters currently hold them.
func (r *Repository) evictFromOwners(ctx context.Context, q database.Querier, id uuid.UUID, keys models.KeySet, now time.Time) error {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("cluster_id", "entity_set_id", "entity_key_id")
	sb.From(membersTable)
	sb.Where(sb.NotEqual("cluster_id", id), keyCondition(&sb.Cond, keys))
	sb.OrderBy("cluster_id")

	query, args := sb.Build()

	var rows []memberRow
	if err := q.SelectContext(ctx, &rows, query, args...); err != nil {
		return database.Classify(err, "failed to find current cluster owners")
	}

	byOwner := make(map[uuid.UUID][]models.EntityDataKey)
	owners := make([]uuid.UUID, 0)
	for _, row := range rows {
		if _, ok := byOwner[row.ClusterID]; !ok {
			owners = append(owners, row.ClusterID)
		}
		byOwner[row.ClusterID] = append(byOwner[row.ClusterID], models.NewEntityDataKey(row.EntitySetID, row.EntityKeyID))
	}

	for _, owner := range owners {
		prev, err := r.get(ctx, q, owner, true)
		if err != nil {
			return err
		}
		if prev == nil {
			continue
		}
		if _, err := r.write(ctx, q, owner, prev, prev.Cluster.Without(byOwner[owner]...), prev.Score, now); err != nil {
			return err
		}
	}
	return nil
}

// lastLoggedVersion returns the highest version logged for id, so a cluster
// recreated after being emptied never reuses a version.
func (r *Repository) lastLoggedVersion(ctx context.Context, q database.Querier, id uuid.UUID) (int64, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("COALESCE(MAX(version), 0)")
	sb.From(logTable)
	sb.Where(sb.Equal("linking_id", id))

	query, args := sb.Build()

	var last int64
	if err := q.GetContext(ctx, &last, query, args...); err != nil {
		return 0, database.Classify(err, "failed to read last logged version")
	}
	return last, nil
}

func (r *Repository) appendLog(ctx context.Context, q database.Querier, id uuid.UUID, version int64, removed, added models.KeySet, now time.Time) error {
	if len(removed) == 0 && len(added) == 0 {
		return nil
	}

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(logTable)
	ib.Cols("linking_id", "version", "entity_set_id", "entity_key_id", "action", "created_at")
	for _, k := range removed.Sorted() {
		ib.Values(id, version, k.EntitySetID, k.EntityKeyID, string(models.LinkActionRemove), now)
	}
	for _, k := range added.Sorted() {
		ib.Values(id, version, k.EntitySetID, k.EntityKeyID, string(models.LinkActionAdd), now)
	}

	query, args := ib.Build()
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return database.Classify(err, "failed to append linking log")
	}
	return nil
}
