package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrInvalidFilter is returned for filters other than col=eq.value
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrInvalidRecord is returned for bodies that are not JSON objects
	ErrInvalidRecord = errors.New("invalid record")

	identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	data       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE TABLE IF NOT EXISTS idempotency_keys (
	key        TEXT PRIMARY KEY,
	method     TEXT NOT NULL,
	path       TEXT NOT NULL,
	status     INTEGER NOT NULL,
	body       BLOB,
	created_at INTEGER NOT NULL
);
`

// Record is one JSON object of a collection
type Record map[string]interface{}

// ID returns the record id as a string, or "" when absent
func (r Record) ID() string {
	switch v := r["id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Filter is a set of column equality conditions
type Filter map[string]string

// ParseFilter reads col=eq.value pairs. Reserved PostgREST parameters
// (select, order, limit, offset) are skipped.
func ParseFilter(query map[string][]string) (Filter, error) {
	f := make(Filter)
	for col, values := range query {
		switch col {
		case "select", "order", "limit", "offset":
			continue
		}
		if !identifier.MatchString(col) {
			return nil, fmt.Errorf("%w: column %q", ErrInvalidFilter, col)
		}
		if len(values) != 1 || !strings.HasPrefix(values[0], "eq.") {
			return nil, fmt.Errorf("%w: only eq. is supported on %q", ErrInvalidFilter, col)
		}
		f[col] = strings.TrimPrefix(values[0], "eq.")
	}
	return f, nil
}

// Store persists collections in SQLite
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// OpenStore opens or creates the database at path. ":memory:" is accepted.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Select returns the records of collection matching filter, ordered by id
func (s *Store) Select(ctx context.Context, collection string, filter Filter, limit int) ([]Record, error) {
	query, args := selectQuery(collection, filter, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", collection, err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("corrupt record in %s: %w", collection, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func selectQuery(collection string, filter Filter, limit int) (string, []interface{}) {
	var b strings.Builder
	b.WriteString("SELECT data FROM records WHERE collection = ?")
	args := []interface{}{collection}

	cols := make([]string, 0, len(filter))
	for col := range filter {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		// col is validated by ParseFilter
		b.WriteString(" AND CAST(json_extract(data, '$." + col + "') AS TEXT) = ?")
		args = append(args, filter[col])
	}
	b.WriteString(" ORDER BY id")
	if limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, limit)
	}
	return b.String(), args
}

// Upsert stores every record, replacing records with the same id
func (s *Store) Upsert(ctx context.Context, collection string, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.now().UnixMilli()
	for _, rec := range records {
		id := rec.ID()
		if id == "" {
			return fmt.Errorf("%w: record without id", ErrInvalidRecord)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO records (collection, id, data, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
			collection, id, string(data), now, now)
		if err != nil {
			return fmt.Errorf("upsert %s/%s: %w", collection, id, err)
		}
	}
	return tx.Commit()
}

// Patch merges fields into every record matching filter. When nothing
// matches and the filter names an id, the record is created.
func (s *Store) Patch(ctx context.Context, collection string, filter Filter, fields Record) ([]Record, error) {
	matched, err := s.Select(ctx, collection, filter, 0)
	if err != nil {
		return nil, err
	}

	if len(matched) == 0 {
		if _, ok := filter["id"]; !ok {
			return matched, nil
		}
		created := Record{}
		for col, val := range filter {
			created[col] = val
		}
		matched = []Record{created}
	}

	for _, rec := range matched {
		for k, v := range fields {
			if k == "id" {
				continue
			}
			rec[k] = v
		}
	}
	if err := s.Upsert(ctx, collection, matched); err != nil {
		return nil, err
	}
	return matched, nil
}

// Response is a stored answer to an idempotent write
type Response struct {
	Status int
	Body   []byte
}

// LookupKey returns the stored response for key, or nil
func (s *Store) LookupKey(ctx context.Context, key string) (*Response, error) {
	var resp Response
	err := s.db.QueryRowContext(ctx,
		"SELECT status, body FROM idempotency_keys WHERE key = ?", key).
		Scan(&resp.Status, &resp.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// RememberKey stores the response of the first request carrying key
func (s *Store) RememberKey(ctx context.Context, key, method, path string, resp Response) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, method, path, status, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO NOTHING`,
		key, method, path, resp.Status, resp.Body, s.now().UnixMilli())
	return err
}

// CountKeys returns the number of remembered idempotency keys
func (s *Store) CountKeys(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM idempotency_keys").Scan(&n)
	return n, err
}
