// Package memory provides in-memory implementations of every engine store
// contract. It is the store of development runs and of the test suites. The
// semantics of atomic claims, guarded updates, the compare-and-set on the
// spend counter and timestamp-ordered event reads mirror the MongoDB
// implementation exactly.
//
// All stores are safe for concurrent use. Documents are deep-copied on the
// way in and out so callers can never alias store-internal state.
package memory

import (
	"encoding/json"
)

// clone deep-copies a JSON-serializable value. The engine's documents are
// all JSON-shaped, so a round-trip is a faithful copy.
func clone[T any](v T) T {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// cloneMap deep-copies a map, preserving nil.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return clone(m)
}
