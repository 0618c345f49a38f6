package store

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/groupcast/internal/ir"
)

const blogBatches = `
name: seed
ops:
  - add: {type: Category, values: {Name: Go}}
  - add: {type: Post, values: {Title: Hello, CategoryId: 1, IsVisible: true}}
---
name: move
ops:
  - update: {type: Post, key: {Id: 1}, set: {CategoryId: 2, Title: Moved}}
---
ops:
  - remove: {type: Post, key: {Id: 1}}
`

func TestDecodeBatches(t *testing.T) {
	batches, err := DecodeBatches(strings.NewReader(blogBatches))
	require.NoError(t, err)
	require.Len(t, batches, 3)

	assert.Equal(t, "seed", batches[0].Name)
	require.Len(t, batches[0].Ops, 2)
	assert.Equal(t, "Category", batches[0].Ops[0].Add.Type)
	assert.Equal(t, "Post", batches[1].Ops[0].Update.Type)
	assert.Equal(t, map[string]any{"Id": 1}, batches[2].Ops[0].Remove.Key)
}

func TestDecodeBatchesRejectsBadOps(t *testing.T) {
	tests := map[string]string{
		"unknown field": "ops:\n  - insert: {type: Post}\n",
		"two kinds":     "ops:\n  - add: {type: Post, values: {}}\n    remove: {type: Post, key: {Id: 1}}\n",
		"missing type":  "ops:\n  - add: {values: {Title: x}}\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeBatches(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestSessionApply(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	batches, err := DecodeBatches(strings.NewReader(blogBatches))
	require.NoError(t, err)

	sess := s.NewSession()
	touched, err := sess.Apply(ctx, batches[0].Ops)
	require.NoError(t, err)
	require.Len(t, touched, 2)
	assert.Equal(t, ir.StateAdded, sess.State(touched[1]))

	rows, err := sess.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rows)

	sess = s.NewSession()
	touched, err = sess.Apply(ctx, batches[1].Ops)
	require.NoError(t, err)
	assert.Equal(t, ir.Int(2), touched[0].Get("CategoryId"))
	assert.Equal(t, ir.String("Moved"), touched[0].Get("Title"))

	rows, err = sess.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rows)

	sess = s.NewSession()
	touched, err = sess.Apply(ctx, batches[2].Ops)
	require.NoError(t, err)
	assert.Equal(t, ir.StateDeleted, sess.State(touched[0]))
	_, err = sess.Commit(ctx)
	require.NoError(t, err)

	n, err := s.Count(ctx, "Post")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSessionApplyErrors(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	sess := s.NewSession()

	_, err := sess.Apply(ctx, []Op{{Update: &UpdateOp{Type: "Post", Key: map[string]any{"Id": 99}, Set: map[string]any{"Title": "x"}}}})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = sess.Apply(ctx, []Op{{Remove: &RemoveOp{Type: "Post", Key: map[string]any{"Nope": 1}}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key must name")

	_, err = sess.Apply(ctx, []Op{{Add: &AddOp{Type: "Post", Values: map[string]any{"Title": 1.5}}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats are forbidden")

	_, err = sess.Apply(ctx, []Op{{}})
	assert.Error(t, err)
}
