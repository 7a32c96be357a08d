// Package store persists extraction records into a SQLite table whose layout
// is derived from the configured input parameters and output features.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/bull/litmine/internal/schema"
)

// maxConns bounds concurrent database work; the pool doubles as the write
// semaphore.
const maxConns = 5

// Record is one row to be written: the record identity (parameter combination
// plus document identifier), fetch provenance, the sections shown to the
// model, and the extracted outputs.
type Record struct {
	DocumentID string
	Source     string
	Sections   map[string]string
	Params     []schema.Item
	Outputs    map[string]any
}

// Store owns the destination table. Column names come from configuration and
// are validated as identifiers before any SQL is built from them.
type Store struct {
	db       *sql.DB
	table    string
	params   []schema.InputParameter
	features []schema.OutputFeature
	logger   *slog.Logger
}

// Open opens (creating if needed) the SQLite database at path and binds the
// store to the named table. The table itself is not created; call
// CreateTable for that.
func Open(path, table string, params []schema.InputParameter, features []schema.OutputFeature, logger *slog.Logger) (*Store, error) {
	if !schema.ValidIdentifier(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	for _, p := range params {
		if !schema.ValidIdentifier(p.Name) {
			return nil, fmt.Errorf("invalid parameter column name %q", p.Name)
		}
	}
	for _, f := range features {
		if !schema.ValidIdentifier(f.Name) {
			return nil, fmt.Errorf("invalid feature column name %q", f.Name)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// WAL mode for concurrent readers alongside the writers.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(maxConns)

	return &Store{db: db, table: table, params: params, features: features, logger: logger}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Column is one column of the destination table.
type Column struct {
	Name string
	Type string
}

// metadataColumns are the fixed leading columns of every destination table.
var metadataColumns = []Column{
	{Name: "id", Type: "INTEGER PRIMARY KEY AUTOINCREMENT"},
	{Name: "document_id", Type: "VARCHAR(32) NOT NULL"},
	{Name: "source", Type: "VARCHAR(16) NOT NULL"},
	{Name: "sections", Type: "JSON"},
}

// TableColumns returns the table layout derived from the configured schema:
// the fixed metadata columns, one column per input parameter, one per output
// feature. CreateTable builds its DDL from exactly this list, so callers
// presenting the layout cannot drift from the real table.
func TableColumns(params []schema.InputParameter, features []schema.OutputFeature) []Column {
	cols := make([]Column, 0, len(metadataColumns)+len(params)+len(features))
	cols = append(cols, metadataColumns...)
	for _, p := range params {
		cols = append(cols, Column{Name: p.Name, Type: p.SQLType() + " NOT NULL"})
	}
	for _, f := range features {
		cols = append(cols, Column{Name: f.Name, Type: f.SQLType()})
	}
	return cols
}

// CreateTable creates the destination table if it does not exist: a numeric
// primary key, the fetch metadata columns, one column per input parameter,
// and one column per output feature.
func (s *Store) CreateTable(ctx context.Context) error {
	var cols []string
	for _, c := range TableColumns(s.params, s.features) {
		cols = append(cols, c.Name+" "+c.Type)
	}

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", s.table, strings.Join(cols, ", "))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating table %s: %w", s.table, err)
	}

	idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_identity ON %s (%s)",
		s.table, s.table, strings.Join(s.identityColumns(), ", "))
	if _, err := s.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("creating identity index on %s: %w", s.table, err)
	}

	s.logger.Debug("table ready", "table", s.table, "columns", len(cols))
	return nil
}

// DropTable removes the destination table and everything in it.
func (s *Store) DropTable(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", s.table)); err != nil {
		return fmt.Errorf("dropping table %s: %w", s.table, err)
	}
	return nil
}

// FindRecord looks up a row by its identity: one canonical value per input
// parameter plus the document identifier.
func (s *Store) FindRecord(ctx context.Context, combo []schema.Item, documentID string) (int64, bool, error) {
	if len(combo) != len(s.params) {
		return 0, false, fmt.Errorf("identity has %d values, table has %d parameter columns", len(combo), len(s.params))
	}

	var conds []string
	var args []any
	for i, p := range s.params {
		conds = append(conds, p.Name+" = ?")
		args = append(args, combo[i].Name)
	}
	conds = append(conds, "document_id = ?")
	args = append(args, documentID)

	query := fmt.Sprintf("SELECT id FROM %s WHERE %s LIMIT 1", s.table, strings.Join(conds, " AND "))
	var id int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("looking up record: %w", err)
	}
	return id, true, nil
}

// Upsert writes one record. An existing row with the same identity is
// updated in place; otherwise a new row is inserted. Either way the
// operation is idempotent for a given identity.
func (s *Store) Upsert(ctx context.Context, rec *Record) error {
	if len(rec.Params) != len(s.params) {
		return fmt.Errorf("record has %d parameter values, table has %d parameter columns", len(rec.Params), len(s.params))
	}

	sections, err := json.Marshal(rec.Sections)
	if err != nil {
		return fmt.Errorf("encoding sections: %w", err)
	}

	cols := []string{"document_id", "source", "sections"}
	args := []any{rec.DocumentID, rec.Source, string(sections)}
	for i, p := range s.params {
		cols = append(cols, p.Name)
		args = append(args, rec.Params[i].Name)
	}
	for _, f := range s.features {
		value, err := encodeValue(f, rec.Outputs[f.Name])
		if err != nil {
			return fmt.Errorf("encoding feature %q: %w", f.Name, err)
		}
		cols = append(cols, f.Name)
		args = append(args, value)
	}

	id, exists, err := s.FindRecord(ctx, rec.Params, rec.DocumentID)
	if err != nil {
		return err
	}

	if exists {
		var sets []string
		for _, col := range cols {
			sets = append(sets, col+" = ?")
		}
		query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", s.table, strings.Join(sets, ", "))
		if _, err := s.db.ExecContext(ctx, query, append(args, id)...); err != nil {
			return fmt.Errorf("updating record %d: %w", id, err)
		}
		s.logger.Debug("record updated", "table", s.table, "id", id, "document_id", rec.DocumentID)
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", s.table, strings.Join(cols, ", "), placeholders)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting record: %w", err)
	}
	s.logger.Debug("record inserted", "table", s.table, "document_id", rec.DocumentID)
	return nil
}

// Count returns the number of rows in the destination table.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return n, nil
}

func (s *Store) identityColumns() []string {
	var cols []string
	for _, p := range s.params {
		cols = append(cols, p.Name)
	}
	return append(cols, "document_id")
}

// encodeValue converts a decoded extraction value into a driver value for
// its column. Lists and objects are stored as JSON text; a missing or null
// value becomes SQL NULL.
func encodeValue(f schema.OutputFeature, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	if f.Multiple || f.Type == schema.TypeList || f.Type == schema.TypeObject {
		data, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
	return value, nil
}
