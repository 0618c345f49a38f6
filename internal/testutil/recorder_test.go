package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/groupcast/internal/ir"
	"github.com/roach88/groupcast/internal/subscription"
)

func TestRecorder(t *testing.T) {
	subs := subscription.New()
	rec := NewRecorder()
	sub := rec.Attach(subs, "blog")
	defer sub.Dispose()

	ctx := context.Background()
	subs.Notify(ctx, "blog", "g1", ir.ChangeNotification{EntityType: "Post", Change: ir.GroupAdded})
	subs.Notify(ctx, "blog", "g2", ir.ChangeNotification{EntityType: "Post", Change: ir.GroupRemoved})
	subs.Notify(ctx, "other", "g1", ir.ChangeNotification{EntityType: "Post", Change: ir.GroupUpdated})

	require.Equal(t, 2, rec.Len())
	assert.Equal(t, "g1", rec.Deliveries()[0].GroupID)
	assert.Equal(t, ir.GroupRemoved, rec.Notifications()[1].Change)
	assert.Len(t, rec.ForGroup("g1"), 1)
	assert.Empty(t, rec.ForGroup("g3"))

	rec.Reset()
	assert.Zero(t, rec.Len())
}

func TestRecorderFailWith(t *testing.T) {
	subs := subscription.New()
	rec := NewRecorder()
	rec.Attach(subs, "blog")
	rec.FailWith(errors.New("boom"))

	failed := subs.Notify(context.Background(), "blog", "g1", ir.ChangeNotification{Change: ir.GroupAdded})
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, rec.Len(), "failing deliveries are still recorded")
}
