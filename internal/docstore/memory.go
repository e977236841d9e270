package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and ephemeral runs. Documents
// are normalized through JSON so lookups behave like the SQLite store.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Document
	closed      bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]map[string]Document)}
}

// Close marks the store closed; subsequent operations fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Upsert writes the document under key, replacing any existing document.
func (s *MemoryStore) Upsert(ctx context.Context, collection, key string, doc Document) error {
	normalized, err := normalize(doc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	coll := s.collections[collection]
	if coll == nil {
		coll = make(map[string]Document)
		s.collections[collection] = coll
	}
	coll[key] = normalized
	return nil
}

// Find returns documents matching every filter field, ordered and paginated
// per opts.
func (s *MemoryStore) Find(ctx context.Context, collection string, filter Filter, opts FindOptions) ([]Document, error) {
	matched, err := s.match(collection, filter)
	if err != nil {
		return nil, err
	}

	if opts.SortBy != "" {
		sort.SliceStable(matched, func(i, j int) bool {
			less := compareValues(matched[i][opts.SortBy], matched[j][opts.SortBy]) < 0
			if opts.Descending {
				return !less
			}
			return less
		})
	}

	if opts.Skip > 0 {
		if opts.Skip >= len(matched) {
			return nil, nil
		}
		matched = matched[opts.Skip:]
	}
	if opts.Limit > 0 && opts.Limit < len(matched) {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// Count returns the number of documents matching the filter.
func (s *MemoryStore) Count(ctx context.Context, collection string, filter Filter) (int, error) {
	matched, err := s.match(collection, filter)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

// CreateIndex is a no-op; the in-memory store scans on every query.
func (s *MemoryStore) CreateIndex(ctx context.Context, collection string, spec IndexSpec) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *MemoryStore) match(collection string, filter Filter) ([]Document, error) {
	normalized, err := normalizeFilter(filter)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var matched []Document
	for _, doc := range s.collections[collection] {
		ok := true
		for field, want := range normalized {
			if !reflect.DeepEqual(doc[field], want) {
				ok = false
				break
			}
		}
		if ok {
			// Return a copy so callers cannot mutate stored state.
			copied, err := normalize(doc)
			if err != nil {
				return nil, err
			}
			matched = append(matched, copied)
		}
	}
	return matched, nil
}

// normalize round-trips a document through JSON so stored values use JSON
// types only, matching what a SQLite-backed store would return.
func normalize(doc Document) (Document, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize document: %w", err)
	}
	var out Document
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeFilter(filter Filter) (Filter, error) {
	if len(filter) == 0 {
		return nil, nil
	}
	normalized, err := normalize(Document(filter))
	if err != nil {
		return nil, err
	}
	return Filter(normalized), nil
}

// compareValues orders JSON values: numbers numerically, everything else by
// string form.
func compareValues(a, b any) int {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}

	as := fmt.Sprint(a)
	bs := fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}
