package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore stores documents as JSON text in one table per collection,
// using json_extract expression indexes for secondary lookups.
type SQLiteStore struct {
	db *sql.DB

	mu     sync.Mutex
	tables map[string]bool
}

// OpenSQLite creates or opens a SQLite-backed store at the given path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragma %q: %w", pragma, err)
		}
	}

	return &SQLiteStore{db: db, tables: make(map[string]bool)}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ensureTable lazily creates the collection table on first use.
func (s *SQLiteStore) ensureTable(ctx context.Context, collection string) error {
	if err := validIdent(collection); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[collection] {
		return nil
	}

	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %q (key TEXT PRIMARY KEY, doc TEXT NOT NULL)`,
		collection,
	)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create collection %q: %w", collection, err)
	}
	s.tables[collection] = true
	return nil
}

// Upsert writes the document under key, replacing any existing document.
func (s *SQLiteStore) Upsert(ctx context.Context, collection, key string, doc Document) error {
	if err := s.ensureTable(ctx, collection); err != nil {
		return err
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	stmt := fmt.Sprintf(
		`INSERT INTO %q (key, doc) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET doc = excluded.doc`,
		collection,
	)
	if _, err := s.db.ExecContext(ctx, stmt, key, string(raw)); err != nil {
		return fmt.Errorf("failed to upsert into %q: %w", collection, err)
	}
	return nil
}

// Find returns documents matching every filter field, ordered and paginated
// per opts.
func (s *SQLiteStore) Find(ctx context.Context, collection string, filter Filter, opts FindOptions) ([]Document, error) {
	if err := s.ensureTable(ctx, collection); err != nil {
		return nil, err
	}

	where, args, err := buildWhere(filter)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, `SELECT doc FROM %q`, collection)
	b.WriteString(where)

	if opts.SortBy != "" {
		if err := validIdent(opts.SortBy); err != nil {
			return nil, err
		}
		direction := "ASC"
		if opts.Descending {
			direction = "DESC"
		}
		fmt.Fprintf(&b, ` ORDER BY json_extract(doc, '$.%s') %s`, opts.SortBy, direction)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	fmt.Fprintf(&b, ` LIMIT %d OFFSET %d`, limit, opts.Skip)

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %q: %w", collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var doc Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Count returns the number of documents matching the filter.
func (s *SQLiteStore) Count(ctx context.Context, collection string, filter Filter) (int, error) {
	if err := s.ensureTable(ctx, collection); err != nil {
		return 0, err
	}

	where, args, err := buildWhere(filter)
	if err != nil {
		return 0, err
	}

	stmt := fmt.Sprintf(`SELECT COUNT(*) FROM %q`, collection) + where
	var count int
	if err := s.db.QueryRowContext(ctx, stmt, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %q: %w", collection, err)
	}
	return count, nil
}

// CreateIndex creates an expression index over the given document fields.
// Creation is idempotent.
func (s *SQLiteStore) CreateIndex(ctx context.Context, collection string, spec IndexSpec) error {
	if err := s.ensureTable(ctx, collection); err != nil {
		return err
	}
	if err := validIdent(spec.Name); err != nil {
		return err
	}
	if len(spec.Fields) == 0 {
		return fmt.Errorf("docstore: index %q has no fields", spec.Name)
	}

	exprs := make([]string, 0, len(spec.Fields))
	for _, field := range spec.Fields {
		if err := validIdent(field); err != nil {
			return err
		}
		exprs = append(exprs, fmt.Sprintf(`json_extract(doc, '$.%s')`, field))
	}

	unique := ""
	if spec.Unique {
		unique = "UNIQUE "
	}
	stmt := fmt.Sprintf(`CREATE %sINDEX IF NOT EXISTS %q ON %q (%s)`,
		unique, spec.Name, collection, strings.Join(exprs, ", "))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create index %q: %w", spec.Name, err)
	}
	return nil
}

// buildWhere renders an equality filter into a WHERE clause with bind args.
// Filter fields are sorted so generated SQL is deterministic.
func buildWhere(filter Filter) (string, []any, error) {
	if len(filter) == 0 {
		return "", nil, nil
	}

	fields := make([]string, 0, len(filter))
	for field := range filter {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	clauses := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields))
	for _, field := range fields {
		if err := validIdent(field); err != nil {
			return "", nil, err
		}
		clauses = append(clauses, fmt.Sprintf(`json_extract(doc, '$.%s') = ?`, field))
		args = append(args, filter[field])
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}
