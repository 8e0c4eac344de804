package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// stateDelta captures the difference between two state snapshots at the
// top-level key granularity. Replaying a chain applies deltas in order
// from the root snapshot forward.
type stateDelta struct {
	Set map[string]interface{} `json:"set,omitempty"`
	Del []string               `json:"del,omitempty"`
}

// computeDelta diffs prev against next. Values are compared by their
// canonical JSON encoding.
func computeDelta(prev, next State) (*stateDelta, error) {
	d := &stateDelta{Set: make(map[string]interface{})}

	for key, nextVal := range next {
		prevVal, ok := prev[key]
		if !ok {
			d.Set[key] = nextVal
			continue
		}
		pb, err := json.Marshal(prevVal)
		if err != nil {
			return nil, fmt.Errorf("failed to encode previous value %q: %w", key, err)
		}
		nb, err := json.Marshal(nextVal)
		if err != nil {
			return nil, fmt.Errorf("failed to encode next value %q: %w", key, err)
		}
		if !bytes.Equal(pb, nb) {
			d.Set[key] = nextVal
		}
	}

	for key := range prev {
		if _, ok := next[key]; !ok {
			d.Del = append(d.Del, key)
		}
	}

	return d, nil
}

// applyDelta merges a delta into base, returning a new state. base is
// not mutated.
func applyDelta(base State, d *stateDelta) State {
	out := make(State, len(base)+len(d.Set))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range d.Set {
		out[k] = v
	}
	for _, k := range d.Del {
		delete(out, k)
	}
	return out
}
