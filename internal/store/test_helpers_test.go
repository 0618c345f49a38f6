package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/groupcast/internal/ir"
)

// blogSpecs declares the entities used throughout the store tests.
func blogSpecs() []ir.EntitySpec {
	return []ir.EntitySpec{
		{
			Name:    "Category",
			Table:   "categories",
			Keys:    []string{"Id"},
			AutoKey: true,
			Properties: []ir.PropertySpec{
				{Name: "Id", Type: ir.TypeInt},
				{Name: "Name", Type: ir.TypeString},
			},
		},
		{
			Name:    "Post",
			Table:   "posts",
			Keys:    []string{"Id"},
			AutoKey: true,
			Properties: []ir.PropertySpec{
				{Name: "Id", Type: ir.TypeInt},
				{Name: "Title", Type: ir.TypeString},
				{Name: "CategoryId", Type: ir.TypeInt},
				{Name: "IsVisible", Type: ir.TypeBool},
			},
			ForeignKeys: []ir.ForeignKeySpec{{Property: "CategoryId", References: "Category"}},
			Groups:      [][]string{{"CategoryId", "IsVisible"}},
		},
		{
			Name:  "Tag",
			Table: "tags",
			Keys:  []string{"PostId", "Name"},
			Properties: []ir.PropertySpec{
				{Name: "PostId", Type: ir.TypeInt},
				{Name: "Name", Type: ir.TypeString},
			},
		},
	}
}

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, blogSpecs())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newPost(title string, category int64, visible bool) *ir.Entity {
	return ir.NewEntity("Post", ir.Object{
		"Title":      ir.String(title),
		"CategoryId": ir.Int(category),
		"IsVisible":  ir.Bool(visible),
	})
}
