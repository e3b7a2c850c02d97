// Package fingerprint produces deterministic SHA256 digests of entity properties and
// feature vectors.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strings"
)

// Properties fingerprints raw entity properties. Key order and value order do not
// affect the result, so a re-import of the same record yields the same digest.
func Properties(props map[string][]any) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		values := make([]string, 0, len(props[k]))
		for _, v := range props[k] {
			values = append(values, canonicalize(v))
		}
		sort.Strings(values)

		kb, _ := json.Marshal(k)
		b.Write(kb)
		b.WriteByte(':')
		b.WriteByte('[')
		b.WriteString(strings.Join(values, ","))
		b.WriteByte(']')
		b.WriteByte(';')
	}

	hash := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(hash[:])
}

// Features fingerprints a feature vector bit for bit.
func Features(features []float64) string {
	h := sha256.New()
	var buf [8]byte
	for _, f := range features {
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(f))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalize renders a JSON value with map keys sorted at every level.
func canonicalize(data any) string {
	switch v := data.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			kb, _ := json.Marshal(k)
			parts = append(parts, string(kb)+":"+canonicalize(v[k]))
		}
		return "{" + strings.Join(parts, ",") + "}"
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, canonicalize(item))
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}
