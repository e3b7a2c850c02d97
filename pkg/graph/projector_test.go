package graph

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/realtime"
)

func sampleCluster() (models.KeyedCluster, []models.EntityDataKey) {
	set := uuid.New()
	keys := []models.EntityDataKey{
		models.NewEntityDataKey(set, uuid.New()),
		models.NewEntityDataKey(set, uuid.New()),
		models.NewEntityDataKey(set, uuid.New()),
	}
	models.SortKeys(keys)

	c := models.NewCluster(keys...)
	c.AddEdge(keys[0], keys[1], 0.98)
	c.AddEdge(keys[1], keys[2], 0.95)
	return models.KeyedCluster{ID: uuid.New(), Cluster: c, Score: 0.95, Version: 2, UpdatedAt: time.Now()}, keys
}

func TestClusterParams(t *testing.T) {
	kc, keys := sampleCluster()
	params := clusterParams(kc)

	assert.Equal(t, kc.ID.String(), params["id"])
	assert.Equal(t, int64(2), params["version"])

	members := params["members"].([]map[string]any)
	require.Len(t, members, 3)
	assert.Equal(t, keys[0].EntityKeyID.String(), members[0]["entity_key_id"])

	edges := params["edges"].([]map[string]any)
	require.Len(t, edges, 2)
	for _, e := range edges {
		assert.NotEqual(t, e["src_key"], e["dst_key"])
	}
}

func TestKeyFromRecord(t *testing.T) {
	want := models.NewEntityDataKey(uuid.New(), uuid.New())

	rec := &neo4j.Record{
		Keys:   []string{"entity_set_id", "entity_key_id"},
		Values: []any{want.EntitySetID.String(), want.EntityKeyID.String()},
	}
	got, err := keyFromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	bad := &neo4j.Record{Keys: []string{"entity_set_id", "entity_key_id"}, Values: []any{"nope", want.EntityKeyID.String()}}
	_, err = keyFromRecord(bad)
	assert.Error(t, err)
}

func TestProjector_Memgraph(t *testing.T) {
	host := os.Getenv("MEMGRAPH_HOST")
	if testing.Short() || host == "" {
		t.Skip("set MEMGRAPH_HOST to run against memgraph")
	}

	ctx := context.Background()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	client, err := NewClient(Config{Host: host, Port: 7687}, logger)
	require.NoError(t, err)
	defer client.Close(ctx)
	require.NoError(t, client.VerifyConnectivity(ctx))

	p := NewProjector(client, logger)
	kc, keys := sampleCluster()

	require.NoError(t, p.ClusterChanged(ctx, realtime.ClusterChange{ClusterID: kc.ID, Cluster: &kc, Trigger: keys[0]}))
	members, err := p.Members(ctx, kc.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, keys, members)

	// an older version is ignored
	stale := kc
	stale.Version = 1
	stale.Cluster = models.NewCluster(keys[0])
	require.NoError(t, p.ClusterChanged(ctx, realtime.ClusterChange{ClusterID: kc.ID, Cluster: &stale, Trigger: keys[0]}))
	members, err = p.Members(ctx, kc.ID)
	require.NoError(t, err)
	assert.Len(t, members, 3)

	require.NoError(t, p.ClusterChanged(ctx, realtime.ClusterChange{ClusterID: kc.ID, Trigger: keys[0]}))
	members, err = p.Members(ctx, kc.ID)
	require.NoError(t, err)
	assert.Empty(t, members)
}
