package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/roach88/groupcast/internal/ir"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path, blogSpecs())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path, blogSpecs())
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path, blogSpecs())
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	for _, table := range []string{"groupcast_entities", "categories", "posts", "tags"} {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_AddsNewColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path, blogSpecs())
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}
	s1.Close()

	specs := blogSpecs()
	specs[1].Properties = append(specs[1].Properties, ir.PropertySpec{Name: "Views", Type: ir.TypeInt})

	s2, err := Open(path, specs)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer s2.Close()

	var n int
	if err := s2.db.QueryRow("SELECT COUNT(*) FROM pragma_table_info('posts') WHERE name = 'Views'").Scan(&n); err != nil {
		t.Fatalf("table info failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Views column not added")
	}
}

func TestOpen_RejectsInvalidSpecs(t *testing.T) {
	tests := []struct {
		name string
		spec ir.EntitySpec
	}{
		{"no keys", ir.EntitySpec{Name: "A", Table: "a", Properties: []ir.PropertySpec{{Name: "Id", Type: ir.TypeInt}}}},
		{"key not a property", ir.EntitySpec{Name: "A", Table: "a", Keys: []string{"Id"}}},
		{"string auto key", ir.EntitySpec{Name: "A", Table: "a", Keys: []string{"Id"}, AutoKey: true,
			Properties: []ir.PropertySpec{{Name: "Id", Type: ir.TypeString}}}},
		{"float property", ir.EntitySpec{Name: "A", Table: "a", Keys: []string{"Id"},
			Properties: []ir.PropertySpec{{Name: "Id", Type: ir.TypeInt}, {Name: "Score", Type: "float"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "test.db")
			s, err := Open(path, []ir.EntitySpec{tt.spec})
			if err == nil {
				s.Close()
				t.Fatal("Open() succeeded, expected error")
			}
		})
	}
}

func TestClose_MultipleCalls(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Errorf("first Close() failed: %v", err)
	}
	// Second close on sql.DB is harmless
	_ = s.Close()
}

func TestPragmas(t *testing.T) {
	s := createTestStore(t)

	for name, expected := range map[string]string{
		"journal_mode": "wal",
		"synchronous":  "1",
		"busy_timeout": "5000",
		"foreign_keys": "1",
		"user_version": "1",
	} {
		if err := s.verifyPragma(name, expected); err != nil {
			t.Error(err)
		}
	}
}

func TestResolveTypeMetadata(t *testing.T) {
	s := createTestStore(t)

	md, err := s.ResolveTypeMetadata("Post")
	if err != nil {
		t.Fatalf("ResolveTypeMetadata() failed: %v", err)
	}
	if len(md.ForeignKeyProperties) != 1 || md.ForeignKeyProperties[0] != "CategoryId" {
		t.Errorf("foreign keys = %v", md.ForeignKeyProperties)
	}

	if _, err := s.ResolveTypeMetadata("Nope"); !errors.Is(err, ErrUnknownEntityType) {
		t.Errorf("expected ErrUnknownEntityType, got %v", err)
	}
}

func TestCount(t *testing.T) {
	s := createTestStore(t)
	n, err := s.Count(context.Background(), "Post")
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Count() = %d, want 0", n)
	}
}
