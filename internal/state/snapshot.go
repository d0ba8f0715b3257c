// Package state holds the decoded upstream state and the cache that publishes it.
// This package has NO transport dependencies: payloads arrive as bytes and leave as
// immutable Snapshot values.
package state

import (
	"encoding/json"
	"strings"
	"time"
)

// TemperaturePath is the field the roller devices project as illuminance.
const TemperaturePath = "temperature.state"

// Snapshot is a point-in-time view of the upstream system.
// It is a value type: Fields is never mutated once the snapshot has been built,
// so a copy handed to a reader stays valid after the cache moves on.
type Snapshot struct {
	Fields     map[string]any
	Seq        uint64    // 0 for the default snapshot, then one per accepted message
	ReceivedAt time.Time // zero for the default snapshot
}

// Default returns the sentinel snapshot installed before the first message arrives.
func Default() Snapshot {
	return Snapshot{
		Fields: map[string]any{
			"temperature": map[string]any{"state": float64(0)},
		},
	}
}

// Lookup resolves a dotted path such as "temperature.state".
func (s Snapshot) Lookup(path string) (any, bool) {
	return lookup(s.Fields, path)
}

// Number resolves a dotted path and converts the value to float64.
// It reports false when the path is missing or not numeric.
func (s Snapshot) Number(path string) (float64, bool) {
	v, ok := s.Lookup(path)
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// Temperature returns temperature.state, or 0 when absent.
func (s Snapshot) Temperature() float64 {
	v, _ := s.Number(TemperaturePath)
	return v
}

// MarshalJSON encodes only the decoded document.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Fields)
}

func lookup(doc map[string]any, path string) (any, bool) {
	if doc == nil || path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Merge deep-merges next over prev and returns a new document.
// Neither input is modified; nested maps present in both are merged recursively,
// every other value in next wins.
func Merge(prev, next map[string]any) map[string]any {
	out := make(map[string]any, len(prev)+len(next))
	for k, v := range prev {
		out[k] = v
	}
	for k, nv := range next {
		nm, nIsMap := nv.(map[string]any)
		pm, pIsMap := out[k].(map[string]any)
		if nIsMap && pIsMap {
			out[k] = Merge(pm, nm)
			continue
		}
		out[k] = nv
	}
	return out
}
