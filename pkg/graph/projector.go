package graph

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/realtime"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

var _ realtime.CommitObserver = (*Projector)(nil)

const (
	// claimCluster only returns a row when the incoming version is newer.
	claimCluster = `
		MERGE (c:Cluster {id: $id})
		WITH c
		WHERE coalesce(c.version, 0) < $version
		SET c.version = $version, c.score = $score, c.updated_at = $updated_at
		RETURN c.id AS id
	`
	dropMembership = `
		MATCH (:Entity)-[r:MEMBER_OF]->(:Cluster {id: $id})
		DELETE r
	`
	dropScores = `
		MATCH (:Entity)-[s:SCORED {cluster_id: $id}]-(:Entity)
		DELETE s
	`
	addMembers = `
		MATCH (c:Cluster {id: $id})
		UNWIND $members AS m
		MERGE (e:Entity {entity_set_id: m.entity_set_id, entity_key_id: m.entity_key_id})
		MERGE (e)-[:MEMBER_OF]->(c)
	`
	addScores = `
		UNWIND $edges AS edge
		MATCH (a:Entity {entity_set_id: edge.src_set, entity_key_id: edge.src_key})
		MATCH (b:Entity {entity_set_id: edge.dst_set, entity_key_id: edge.dst_key})
		MERGE (a)-[s:SCORED {cluster_id: $id}]->(b)
		SET s.score = edge.score
	`
	deleteCluster = `
		MATCH (c:Cluster {id: $id})
		DETACH DELETE c
	`
	readMembers = `
		MATCH (e:Entity)-[:MEMBER_OF]->(:Cluster {id: $id})
		RETURN e.entity_set_id AS entity_set_id, e.entity_key_id AS entity_key_id
		ORDER BY entity_set_id, entity_key_id
	`
)

// Projector mirrors committed clusters into the graph. Entities are nodes
// keyed by (entity_set_id, entity_key_id) with a MEMBER_OF edge to their
// cluster and SCORED edges for the pair scores inside it.
type Projector struct {
	client *Client
	logger ectologger.Logger
}

func NewProjector(client *Client, logger ectologger.Logger) *Projector {
	return &Projector{client: client, logger: logger}
}

// ClusterChanged projects one change. Stale versions are ignored.
func (p *Projector) ClusterChanged(ctx context.Context, change realtime.ClusterChange) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.ClusterChanged")
	defer span.End()

	log := p.logger.WithContext(ctx).WithField("cluster_id", change.ClusterID.String())
	id := change.ClusterID.String()

	if change.Dissolved() {
		_, err := p.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			return run(ctx, tx, deleteCluster, map[string]any{"id": id})
		})
		if err != nil {
			log.WithError(err).Error("Failed to remove cluster from graph")
			return fmt.Errorf("failed to remove cluster %s from graph: %w", id, err)
		}
		log.Debug("Removed cluster from graph")
		return nil
	}

	kc := change.Cluster
	params := clusterParams(*kc)

	applied, err := p.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, claimCluster, params)
		if err != nil {
			return false, err
		}
		records, err := result.Collect(ctx)
		if err != nil {
			return false, err
		}
		if len(records) == 0 {
			return false, nil
		}
		for _, cypher := range []string{dropMembership, dropScores, addMembers, addScores} {
			if _, err := run(ctx, tx, cypher, params); err != nil {
				return false, err
			}
		}
		return true, nil
	})
	if err != nil {
		log.WithError(err).Error("Failed to project cluster into graph")
		return fmt.Errorf("failed to project cluster %s into graph: %w", id, err)
	}

	if ok, _ := applied.(bool); !ok {
		log.WithField("version", kc.Version).Debug("Skipped stale cluster projection")
		return nil
	}
	log.WithFields(map[string]any{
		"version": kc.Version,
		"size":    kc.Cluster.Size(),
	}).Debug("Projected cluster into graph")
	return nil
}

// Members returns the keys the graph holds for a cluster.
func (p *Projector) Members(ctx context.Context, clusterID uuid.UUID) ([]models.EntityDataKey, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.Members")
	defer span.End()

	out, err := p.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, readMembers, map[string]any{"id": clusterID.String()})
		if err != nil {
			return nil, err
		}
		records, err := result.Collect(ctx)
		if err != nil {
			return nil, err
		}
		keys := make([]models.EntityDataKey, 0, len(records))
		for _, rec := range records {
			key, err := keyFromRecord(rec)
			if err != nil {
				return nil, err
			}
			keys = append(keys, key)
		}
		return keys, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster %s from graph: %w", clusterID, err)
	}
	return out.([]models.EntityDataKey), nil
}

func run(ctx context.Context, tx neo4j.ManagedTransaction, cypher string, params map[string]any) (any, error) {
	result, err := tx.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	return result.Consume(ctx)
}

func clusterParams(kc models.KeyedCluster) map[string]any {
	members := make([]map[string]any, 0, kc.Cluster.Size())
	for _, k := range kc.Cluster.Members().Sorted() {
		members = append(members, map[string]any{
			"entity_set_id": k.EntitySetID.String(),
			"entity_key_id": k.EntityKeyID.String(),
		})
	}

	edges := make([]map[string]any, 0)
	for _, e := range kc.Cluster.Edges() {
		src, dst := e.Pair.First(), e.Pair.Second()
		edges = append(edges, map[string]any{
			"src_set": src.EntitySetID.String(),
			"src_key": src.EntityKeyID.String(),
			"dst_set": dst.EntitySetID.String(),
			"dst_key": dst.EntityKeyID.String(),
			"score":   e.Score,
		})
	}

	return map[string]any{
		"id":         kc.ID.String(),
		"version":    kc.Version,
		"score":      kc.Score,
		"updated_at": kc.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		"members":    members,
		"edges":      edges,
	}
}

func keyFromRecord(rec *neo4j.Record) (models.EntityDataKey, error) {
	rawSet, _ := rec.Get("entity_set_id")
	rawKey, _ := rec.Get("entity_key_id")
	setStr, _ := rawSet.(string)
	keyStr, _ := rawKey.(string)

	setID, err := uuid.Parse(setStr)
	if err != nil {
		return models.EntityDataKey{}, fmt.Errorf("invalid entity_set_id %q: %w", setStr, err)
	}
	keyID, err := uuid.Parse(keyStr)
	if err != nil {
		return models.EntityDataKey{}, fmt.Errorf("invalid entity_key_id %q: %w", keyStr, err)
	}
	return models.NewEntityDataKey(setID, keyID), nil
}
