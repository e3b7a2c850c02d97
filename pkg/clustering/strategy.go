package clustering

import (
	"fmt"
	"sort"

	"github.com/Ramsey-B/clover/pkg/models"
)

// Strategy reduces a cluster's edges to one quality score. An edgeless cluster
// scores MaxScore under every built-in strategy.
type Strategy func(models.Cluster) float64

const (
	StrategyAverage         = "average"
	StrategyWeakestLink     = "weakest_link"
	StrategyMinimumSpanning = "minimum_spanning"
)

// StrategyByName resolves a configured strategy name.
func StrategyByName(name string) (Strategy, error) {
	switch name {
	case StrategyAverage:
		return AverageScore, nil
	case StrategyWeakestLink:
		return WeakestLink, nil
	case StrategyMinimumSpanning, "":
		return MinimumSpanningScore, nil
	default:
		return nil, fmt.Errorf("unknown clustering strategy %q", name)
	}
}

// AverageScore is the mean of all pairwise scores.
func AverageScore(c models.Cluster) float64 {
	edges := c.Edges()
	if len(edges) == 0 {
		return models.MaxScore
	}
	sum := 0.0
	for _, e := range edges {
		sum += e.Score
	}
	return sum / float64(len(edges))
}

// WeakestLink is the lowest pairwise score: every member must match every other.
func WeakestLink(c models.Cluster) float64 {
	edges := c.Edges()
	if len(edges) == 0 {
		return models.MaxScore
	}
	lowest := models.MaxScore
	for _, e := range edges {
		if e.Score < lowest {
			lowest = e.Score
		}
	}
	return lowest
}

// MinimumSpanningScore is the weakest edge of the maximum spanning tree: the
// strongest chain of matches that still connects every member. A cluster whose
// members cannot all be connected scores MinScore.
func MinimumSpanningScore(c models.Cluster) float64 {
	members := c.Members().Sorted()
	if len(members) <= 1 {
		return models.MaxScore
	}

	edges := c.Edges()
	sort.SliceStable(edges, func(i, j int) bool { return edges[i].Score > edges[j].Score })

	uf := newUnionFind(members)
	joined := 0
	weakest := models.MaxScore
	for _, e := range edges {
		if !uf.union(e.Pair.First(), e.Pair.Second()) {
			continue
		}
		joined++
		if e.Score < weakest {
			weakest = e.Score
		}
		if joined == len(members)-1 {
			return weakest
		}
	}
	return models.MinScore
}

type unionFind struct {
	parent map[models.EntityDataKey]models.EntityDataKey
	rank   map[models.EntityDataKey]int
}

func newUnionFind(keys []models.EntityDataKey) *unionFind {
	uf := &unionFind{
		parent: make(map[models.EntityDataKey]models.EntityDataKey, len(keys)),
		rank:   make(map[models.EntityDataKey]int, len(keys)),
	}
	for _, k := range keys {
		uf.parent[k] = k
	}
	return uf
}

func (u *unionFind) find(k models.EntityDataKey) models.EntityDataKey {
	for u.parent[k] != k {
		u.parent[k] = u.parent[u.parent[k]]
		k = u.parent[k]
	}
	return k
}

// union joins the sets of a and b and reports whether they were separate.
func (u *unionFind) union(a, b models.EntityDataKey) bool {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return false
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
	return true
}
