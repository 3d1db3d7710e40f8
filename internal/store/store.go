// Package store provides durable keyed-record storage for orchestration state.
//
// Every component owns a disjoint key namespace (retry-state, task-registry,
// escalations, reviews, phases, project-runs), so the store only guarantees
// atomicity per key, never across keys. Two backends are provided: a
// JSON-file-per-key store and a SQLite store; callers choose via config.
package store

import (
	"github.com/karlmjogila/swarmops-sub006/internal/errors"
)

// Store is a durable keyed document store. Values are marshaled to JSON.
// Implementations must make each Put/Delete atomic with respect to crashes
// and concurrent processes; cross-key transactions are never required.
type Store interface {
	// Get unmarshals the record at key into out. Returns (false, nil) if the
	// key does not exist, in which case out is left untouched.
	Get(key string, out any) (bool, error)

	// Put marshals v and writes it at key, replacing any existing record.
	Put(key string, v any) error

	// Delete removes the record at key. Deleting a missing key is a no-op.
	Delete(key string) error

	// Keys returns all keys with the given prefix, sorted. An empty prefix
	// returns every key.
	Keys(prefix string) ([]string, error)

	// Close releases any resources held by the store.
	Close() error
}

// Key builds a namespaced store key from parts, e.g. Key("reviews", runID,
// strconv.Itoa(phase)). Parts must not be empty.
func Key(parts ...string) (string, error) {
	if len(parts) == 0 {
		return "", errors.NewValidationError("store key requires at least one part")
	}
	key := ""
	for i, p := range parts {
		if p == "" {
			return "", errors.NewValidationError("store key part cannot be empty").WithField("part").WithValue(i)
		}
		if i > 0 {
			key += "/"
		}
		key += p
	}
	return key, nil
}

// MustKey is Key for parts known to be non-empty; it panics on invalid input.
func MustKey(parts ...string) string {
	key, err := Key(parts...)
	if err != nil {
		panic(err)
	}
	return key
}
