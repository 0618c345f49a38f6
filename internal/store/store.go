package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/groupcast/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on groupcast_entities.table_name
const currentSchemaVersion = 1

// ErrUnknownEntityType is returned for entity types without a spec.
var ErrUnknownEntityType = errors.New("unknown entity type")

// Store is a SQLite database holding one table per entity spec.
type Store struct {
	db    *sql.DB
	specs map[string]ir.EntitySpec
	names []string // declaration order
}

// Open creates or opens a SQLite database at the given path and ensures a
// table exists for every spec. Properties added to a spec since the table
// was created are added as nullable columns.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func Open(path string, specs []ir.EntitySpec) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{db: db, specs: make(map[string]ir.EntitySpec, len(specs))}
	for _, spec := range specs {
		if err := s.register(spec); err != nil {
			db.Close()
			return nil, err
		}
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer Sessions for anything that should notify.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Spec returns the spec of entityType.
func (s *Store) Spec(entityType string) (ir.EntitySpec, bool) {
	spec, ok := s.specs[entityType]
	return spec, ok
}

// EntityTypes returns the declared entity types in declaration order.
func (s *Store) EntityTypes() []string {
	return append([]string(nil), s.names...)
}

// ResolveTypeMetadata reports the shape of entityType.
func (s *Store) ResolveTypeMetadata(entityType string) (ir.TypeMetadata, error) {
	spec, ok := s.specs[entityType]
	if !ok {
		return ir.TypeMetadata{}, fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}
	return spec.Metadata(), nil
}

// Count returns the number of rows of entityType.
func (s *Store) Count(ctx context.Context, entityType string) (int, error) {
	spec, ok := s.specs[entityType]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(spec.Table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", entityType, err)
	}
	return n, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates the bookkeeping tables and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_groupcast_entities_table
		ON groupcast_entities(table_name)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// register validates spec, creates or extends its table and records it.
func (s *Store) register(spec ir.EntitySpec) error {
	if err := validateSpec(spec); err != nil {
		return err
	}
	if _, dup := s.specs[spec.Name]; dup {
		return fmt.Errorf("entity %s declared twice", spec.Name)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("register %s: begin: %w", spec.Name, err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := tx.Exec(createTableSQL(spec)); err != nil {
		return fmt.Errorf("register %s: create table: %w", spec.Name, err)
	}

	existing, err := tableColumns(tx, spec.Table)
	if err != nil {
		return fmt.Errorf("register %s: %w", spec.Name, err)
	}
	for _, p := range spec.Properties {
		if existing[p.Name] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(spec.Table), quoteIdent(p.Name), columnType(p.Type))
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("register %s: add column %s: %w", spec.Name, p.Name, err)
		}
	}

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("register %s: marshal spec: %w", spec.Name, err)
	}
	_, err = tx.Exec(`
		INSERT INTO groupcast_entities (name, table_name, spec) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET table_name = excluded.table_name, spec = excluded.spec
	`, spec.Name, spec.Table, string(specJSON))
	if err != nil {
		return fmt.Errorf("register %s: record spec: %w", spec.Name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("register %s: commit: %w", spec.Name, err)
	}

	s.specs[spec.Name] = spec
	s.names = append(s.names, spec.Name)
	return nil
}

func validateSpec(spec ir.EntitySpec) error {
	if spec.Name == "" || spec.Table == "" {
		return fmt.Errorf("entity spec requires name and table: %+v", spec)
	}
	if len(spec.Keys) == 0 {
		return fmt.Errorf("entity %s: at least one key property is required", spec.Name)
	}
	for _, k := range spec.Keys {
		if _, ok := spec.Property(k); !ok {
			return fmt.Errorf("entity %s: key %q is not a property", spec.Name, k)
		}
	}
	if spec.AutoKey {
		if len(spec.Keys) != 1 {
			return fmt.Errorf("entity %s: auto_key requires a single key", spec.Name)
		}
		if p, _ := spec.Property(spec.Keys[0]); p.Type != ir.TypeInt {
			return fmt.Errorf("entity %s: auto_key requires an int key", spec.Name)
		}
	}
	for _, p := range spec.Properties {
		if !ir.ValidPropertyTypes[p.Type] {
			return fmt.Errorf("entity %s: property %s has invalid type %q", spec.Name, p.Name, p.Type)
		}
	}
	return nil
}

func createTableSQL(spec ir.EntitySpec) string {
	var cols []string
	autoKey := spec.AutoKey && len(spec.Keys) == 1
	for _, p := range spec.Properties {
		col := quoteIdent(p.Name) + " " + columnType(p.Type)
		if autoKey && p.Name == spec.Keys[0] {
			col += " PRIMARY KEY"
		}
		cols = append(cols, col)
	}
	if !autoKey {
		keys := make([]string, len(spec.Keys))
		for i, k := range spec.Keys {
			keys[i] = quoteIdent(k)
		}
		cols = append(cols, "PRIMARY KEY ("+strings.Join(keys, ", ")+")")
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", quoteIdent(spec.Table), strings.Join(cols, ",\n\t"))
}

func tableColumns(tx *sql.Tx, table string) (map[string]bool, error) {
	rows, err := tx.Query("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func columnType(t string) string {
	switch t {
	case ir.TypeString:
		return "TEXT"
	default:
		return "INTEGER"
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
