// Package docstore provides the local document store the mirror writes
// through: JSON documents grouped into collections, addressed by key, with
// equality filters and secondary indexes.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Document is one stored JSON document. Values use JSON types only (string,
// float64, bool, nil, nested maps/slices).
type Document map[string]any

// Filter matches documents whose fields equal every listed value.
type Filter map[string]any

// FindOptions controls ordering and pagination of Find results.
type FindOptions struct {
	SortBy     string
	Descending bool
	Skip       int
	Limit      int
}

// IndexSpec describes a secondary index over document fields.
type IndexSpec struct {
	Name   string
	Fields []string
	Unique bool
	// Text marks the index as supporting substring search over free-text
	// fields. The SQLite implementation approximates this with a plain
	// expression index.
	Text bool
}

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("docstore: store is closed")

// Store is the storage contract the repository depends on.
type Store interface {
	Upsert(ctx context.Context, collection, key string, doc Document) error
	Find(ctx context.Context, collection string, filter Filter, opts FindOptions) ([]Document, error)
	Count(ctx context.Context, collection string, filter Filter) (int, error)
	CreateIndex(ctx context.Context, collection string, spec IndexSpec) error
	Close() error
}

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// validIdent guards collection, field, and index names interpolated into SQL.
func validIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("docstore: invalid identifier %q", name)
	}
	return nil
}
