package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	// MinScore is the score of a pair that does not match at all
	MinScore = 0.0
	// MaxScore is the score of a certain match
	MaxScore = 1.0
)

// Cluster maps a center key to its neighbors and their pairwise match scores.
// Edges are stored in both directions. A lone member is a center with no neighbors.
type Cluster map[EntityDataKey]map[EntityDataKey]float64

// Edge is one undirected scored pair inside a cluster.
type Edge struct {
	Pair  EntityKeyPair
	Score float64
}

// NewCluster returns a cluster holding the given members and no edges.
func NewCluster(members ...EntityDataKey) Cluster {
	c := make(Cluster, len(members))
	for _, m := range members {
		c.AddMember(m)
	}
	return c
}

// AddMember adds k as a center if it is not already present.
func (c Cluster) AddMember(k EntityDataKey) {
	if _, ok := c[k]; !ok {
		c[k] = make(map[EntityDataKey]float64)
	}
}

// AddEdge records a symmetric edge. Self-pairs are ignored.
func (c Cluster) AddEdge(a, b EntityDataKey, score float64) {
	if a == b {
		c.AddMember(a)
		return
	}
	c.AddMember(a)
	c.AddMember(b)
	c[a][b] = score
	c[b][a] = score
}

// Score returns the edge score between a and b.
func (c Cluster) Score(a, b EntityDataKey) (float64, bool) {
	neighbors, ok := c[a]
	if !ok {
		return 0, false
	}
	s, ok := neighbors[b]
	return s, ok
}

// Members returns every key present as a center or a neighbor.
func (c Cluster) Members() KeySet {
	out := make(KeySet, len(c))
	for center, neighbors := range c {
		out[center] = struct{}{}
		for n := range neighbors {
			out[n] = struct{}{}
		}
	}
	return out
}

// Size returns the number of members.
func (c Cluster) Size() int {
	return len(c.Members())
}

// Edges returns every unordered pair once, sorted, with self-pairs excluded.
func (c Cluster) Edges() []Edge {
	seen := make(map[EntityKeyPair]struct{})
	edges := make([]Edge, 0)
	for center, neighbors := range c {
		for n, score := range neighbors {
			if center == n {
				continue
			}
			pair := NewEntityKeyPair(center, n)
			if _, ok := seen[pair]; ok {
				continue
			}
			seen[pair] = struct{}{}
			edges = append(edges, Edge{Pair: pair, Score: score})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if c := edges[i].Pair.First().Compare(edges[j].Pair.First()); c != 0 {
			return c < 0
		}
		return edges[i].Pair.Second().Compare(edges[j].Pair.Second()) < 0
	})
	return edges
}

// Clone returns a deep copy.
func (c Cluster) Clone() Cluster {
	out := make(Cluster, len(c))
	for center, neighbors := range c {
		inner := make(map[EntityDataKey]float64, len(neighbors))
		for n, s := range neighbors {
			inner[n] = s
		}
		out[center] = inner
	}
	return out
}

// Without returns a copy with the given keys and all their edges removed.
func (c Cluster) Without(keys ...EntityDataKey) Cluster {
	drop := NewKeySet(keys...)
	out := make(Cluster, len(c))
	for center, neighbors := range c {
		if drop.Has(center) {
			continue
		}
		inner := make(map[EntityDataKey]float64, len(neighbors))
		for n, s := range neighbors {
			if !drop.Has(n) {
				inner[n] = s
			}
		}
		out[center] = inner
	}
	return out
}

type clusterEdgeJSON struct {
	Src   EntityDataKey `json:"src"`
	Dst   EntityDataKey `json:"dst"`
	Score float64       `json:"score"`
}

type clusterJSON struct {
	Members []EntityDataKey   `json:"members"`
	Edges   []clusterEdgeJSON `json:"edges"`
}

// MarshalJSON writes the cluster as a member list plus an edge list.
func (c Cluster) MarshalJSON() ([]byte, error) {
	out := clusterJSON{
		Members: c.Members().Sorted(),
		Edges:   make([]clusterEdgeJSON, 0),
	}
	for _, e := range c.Edges() {
		out.Edges = append(out.Edges, clusterEdgeJSON{Src: e.Pair.First(), Dst: e.Pair.Second(), Score: e.Score})
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the form written by MarshalJSON.
func (c *Cluster) UnmarshalJSON(data []byte) error {
	var in clusterJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	out := NewCluster(in.Members...)
	for _, e := range in.Edges {
		out.AddEdge(e.Src, e.Dst, e.Score)
	}
	*c = out
	return nil
}

// Value implements driver.Valuer for the jsonb cluster column.
func (c Cluster) Value() (any, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan implements sql.Scanner for the jsonb cluster column.
func (c *Cluster) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*c = NewCluster()
		return nil
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	default:
		return fmt.Errorf("cannot scan %T into Cluster", src)
	}
}

// KeyedCluster pairs a cluster with its durable id and the version of the snapshot.
// Version 0 means the cluster has never been committed.
type KeyedCluster struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Cluster   Cluster   `json:"cluster" db:"cluster"`
	Score     float64   `json:"score" db:"score"`
	Version   int64     `json:"version" db:"version"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// ScoredCluster is a candidate cluster together with its aggregate quality score.
type ScoredCluster struct {
	ClusterID uuid.UUID `json:"clusterId"`
	Cluster   Cluster   `json:"cluster"`
	Score     float64   `json:"score"`
	// Version of the snapshot the candidate was computed from
	Version int64 `json:"version"`
}

// Less orders scored clusters by score.
func (s ScoredCluster) Less(other ScoredCluster) bool {
	return s.Score < other.Score
}

// BestOf returns the highest-scoring candidate. Ties keep the earliest entry.
func BestOf(candidates []ScoredCluster) (ScoredCluster, bool) {
	if len(candidates) == 0 {
		return ScoredCluster{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if best.Less(c) {
			best = c
		}
	}
	return best, true
}
