package clustering

import (
	"github.com/Ramsey-B/clover/pkg/models"
)

// Overrides holds human linking decisions by canonical pair.
type Overrides map[models.EntityKeyPair]bool

// NewOverrides indexes feedback by pair. Later entries win.
func NewOverrides(feedback []models.EntityLinkingFeedback) Overrides {
	o := make(Overrides, len(feedback))
	for _, f := range feedback {
		o[f.Pair()] = f.Linked
	}
	return o
}

// Partners returns the keys that feedback says are linked to k.
func (o Overrides) Partners(k models.EntityDataKey) []models.EntityDataKey {
	out := make([]models.EntityDataKey, 0)
	for pair, linked := range o {
		if linked && pair.Contains(k) && !pair.IsSelfPair() {
			out = append(out, pair.Other(k))
		}
	}
	models.SortKeys(out)
	return out
}

// Apply returns a copy of c where every pair with feedback carries the human
// decision as its score.
func (o Overrides) Apply(c models.Cluster) models.Cluster {
	out := c.Clone()
	members := c.Members()
	for pair, linked := range o {
		if pair.IsSelfPair() || !members.Has(pair.First()) || !members.Has(pair.Second()) {
			continue
		}
		score := models.MinScore
		if linked {
			score = models.MaxScore
		}
		out.AddEdge(pair.First(), pair.Second(), score)
	}
	return out
}

// WithFeedback wraps strategy so human decisions override computed scores:
// any negative pair inside the cluster forces MinScore, otherwise a positive
// pair between blockKey and another member forces MaxScore.
func WithFeedback(strategy Strategy, blockKey models.EntityDataKey, overrides Overrides) Strategy {
	if len(overrides) == 0 {
		return strategy
	}
	return func(c models.Cluster) float64 {
		members := c.Members()
		forced := false
		for pair, linked := range overrides {
			if pair.IsSelfPair() || !members.Has(pair.First()) || !members.Has(pair.Second()) {
				continue
			}
			if !linked {
				return models.MinScore
			}
			if pair.Contains(blockKey) {
				forced = true
			}
		}
		if forced {
			return models.MaxScore
		}
		return strategy(overrides.Apply(c))
	}
}

// Across returns the decisions whose two sides sit in different groups.
// Keys missing from groups are ignored.
func (o Overrides) Across(groups map[models.EntityDataKey]int) Overrides {
	out := make(Overrides)
	for pair, linked := range o {
		a, okA := groups[pair.First()]
		b, okB := groups[pair.Second()]
		if okA && okB && a != b {
			out[pair] = linked
		}
	}
	return out
}

// Merge returns the union of o and other. other wins on shared pairs.
func (o Overrides) Merge(other Overrides) Overrides {
	out := make(Overrides, len(o)+len(other))
	for pair, linked := range o {
		out[pair] = linked
	}
	for pair, linked := range other {
		out[pair] = linked
	}
	return out
}
