package services

import (
	"sync"

	"rental-etl/models"
)

// KeySet is a set of aggregate keys.
type KeySet map[models.AggregateKey]struct{}

// NewKeySet builds a KeySet from the keys of a chunk's aggregates.
func NewKeySet(aggs []models.DailyAggregate) KeySet {
	s := make(KeySet, len(aggs))
	for _, a := range aggs {
		s[a.Key()] = struct{}{}
	}
	return s
}

// Has reports whether k is in the set.
func (s KeySet) Has(k models.AggregateKey) bool {
	_, ok := s[k]
	return ok
}

// Classification is the outcome of classifying one chunk's keys.
type Classification struct {
	// Repeats are keys already persisted by an earlier chunk.
	Repeats KeySet
	// Fresh are keys seen for the first time; Commit adds them to the ledger.
	Fresh KeySet
}

// KeyLedger tracks every (zip, date) key aggregated so far in the run.
// It only grows. Classify and Commit must be called for one chunk at a time.
type KeyLedger struct {
	mu   sync.RWMutex
	keys map[models.AggregateKey]struct{}
}

// NewKeyLedger creates an empty ledger.
func NewKeyLedger() *KeyLedger {
	return &KeyLedger{keys: make(map[models.AggregateKey]struct{})}
}

// Classify splits chunkKeys into the intersection with the ledger (Repeats)
// and the remainder (Fresh). The ledger itself is not modified: the union
// becomes the new state only when Commit is called with the result, which
// the ETL does once the chunk is durably stored.
func (l *KeyLedger) Classify(chunkKeys KeySet) Classification {
	l.mu.RLock()
	defer l.mu.RUnlock()

	c := Classification{Repeats: make(KeySet), Fresh: make(KeySet)}
	for k := range chunkKeys {
		if _, exists := l.keys[k]; exists {
			c.Repeats[k] = struct{}{}
		} else {
			c.Fresh[k] = struct{}{}
		}
	}
	return c
}

// Commit folds a classification's fresh keys into the ledger.
func (l *KeyLedger) Commit(c Classification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range c.Fresh {
		l.keys[k] = struct{}{}
	}
}

// Add inserts a single key and returns true if it was not present.
// Used when hydrating the ledger from an existing store.
func (l *KeyLedger) Add(k models.AggregateKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.keys[k]; exists {
		return false
	}
	l.keys[k] = struct{}{}
	return true
}

// Contains returns true if the key has already been committed.
func (l *KeyLedger) Contains(k models.AggregateKey) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, exists := l.keys[k]
	return exists
}

// Size returns the number of distinct keys committed.
func (l *KeyLedger) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.keys)
}
