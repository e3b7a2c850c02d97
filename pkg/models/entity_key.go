package models

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// EntityDataKey identifies one raw entity record within an entity set.
type EntityDataKey struct {
	EntitySetID uuid.UUID `json:"entitySetId" db:"entity_set_id" validate:"required"`
	EntityKeyID uuid.UUID `json:"entityKeyId" db:"entity_key_id" validate:"required"`
}

// NewEntityDataKey builds a key from its two ids.
func NewEntityDataKey(entitySetID, entityKeyID uuid.UUID) EntityDataKey {
	return EntityDataKey{EntitySetID: entitySetID, EntityKeyID: entityKeyID}
}

// Compare orders keys by entity set, then entity key.
func (k EntityDataKey) Compare(other EntityDataKey) int {
	if c := bytes.Compare(k.EntitySetID[:], other.EntitySetID[:]); c != 0 {
		return c
	}
	return bytes.Compare(k.EntityKeyID[:], other.EntityKeyID[:])
}

// IsZero reports whether either id is unset.
func (k EntityDataKey) IsZero() bool {
	return k.EntitySetID == uuid.Nil || k.EntityKeyID == uuid.Nil
}

func (k EntityDataKey) String() string {
	return fmt.Sprintf("%s/%s", k.EntitySetID, k.EntityKeyID)
}

// EntityKeyPair is an unordered pair of keys. The constructor stores the pair
// in canonical order so (a,b) and (b,a) compare equal and hash the same.
type EntityKeyPair struct {
	first  EntityDataKey
	second EntityDataKey
}

// NewEntityKeyPair returns the canonical pair for a and b.
func NewEntityKeyPair(a, b EntityDataKey) EntityKeyPair {
	if a.Compare(b) <= 0 {
		return EntityKeyPair{first: a, second: b}
	}
	return EntityKeyPair{first: b, second: a}
}

// First returns the lesser key of the pair.
func (p EntityKeyPair) First() EntityDataKey { return p.first }

// Second returns the greater key of the pair.
func (p EntityKeyPair) Second() EntityDataKey { return p.second }

// IsSelfPair reports whether both sides are the same key.
func (p EntityKeyPair) IsSelfPair() bool { return p.first == p.second }

// Contains reports whether k is one side of the pair.
func (p EntityKeyPair) Contains(k EntityDataKey) bool {
	return p.first == k || p.second == k
}

// Other returns the side of the pair that is not k.
func (p EntityKeyPair) Other(k EntityDataKey) EntityDataKey {
	if p.first == k {
		return p.second
	}
	return p.first
}

func (p EntityKeyPair) String() string {
	return fmt.Sprintf("(%s, %s)", p.first, p.second)
}

// KeySet is a set of entity data keys.
type KeySet map[EntityDataKey]struct{}

// NewKeySet builds a set from keys.
func NewKeySet(keys ...EntityDataKey) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Add inserts keys into the set.
func (s KeySet) Add(keys ...EntityDataKey) {
	for _, k := range keys {
		s[k] = struct{}{}
	}
}

// Has reports membership.
func (s KeySet) Has(k EntityDataKey) bool {
	_, ok := s[k]
	return ok
}

// Union returns a new set holding the members of both sets.
func (s KeySet) Union(other KeySet) KeySet {
	out := make(KeySet, len(s)+len(other))
	for k := range s {
		out[k] = struct{}{}
	}
	for k := range other {
		out[k] = struct{}{}
	}
	return out
}

// Minus returns a new set holding the members of s not in other.
func (s KeySet) Minus(other KeySet) KeySet {
	out := make(KeySet, len(s))
	for k := range s {
		if _, ok := other[k]; !ok {
			out[k] = struct{}{}
		}
	}
	return out
}

// Equal reports whether both sets hold the same keys.
func (s KeySet) Equal(other KeySet) bool {
	if len(s) != len(other) {
		return false
	}
	for k := range s {
		if _, ok := other[k]; !ok {
			return false
		}
	}
	return true
}

// Sorted returns the members in canonical order.
func (s KeySet) Sorted() []EntityDataKey {
	keys := make([]EntityDataKey, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	SortKeys(keys)
	return keys
}

// GroupByEntitySet returns entity key ids grouped by their entity set.
func (s KeySet) GroupByEntitySet() map[uuid.UUID][]uuid.UUID {
	out := make(map[uuid.UUID][]uuid.UUID)
	for _, k := range s.Sorted() {
		out[k.EntitySetID] = append(out[k.EntitySetID], k.EntityKeyID)
	}
	return out
}

// SortKeys sorts keys in place in canonical order.
func SortKeys(keys []EntityDataKey) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Compare(keys[j]) < 0
	})
}
