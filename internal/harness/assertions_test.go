package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/groupcast/internal/grouping"
	"github.com/roach88/groupcast/internal/ir"
)

func postRule() ir.GroupingRule {
	return ir.NewGroupingRule("Post", "CategoryId")
}

func note(change ir.GroupChange, category int64, seq int64) ir.ChangeNotification {
	return ir.ChangeNotification{
		GroupID:      ir.MustGroupID(postRule(), ir.Int(category)),
		EntityType:   "Post",
		Change:       change,
		KeyNames:     []string{"Id"},
		KeyValues:    []ir.Value{ir.Int(1)},
		SourceFields: []string{"CategoryId"},
		SourceValues: []ir.Value{ir.Int(category)},
		CommitID:     "commit-1",
		Seq:          seq,
	}
}

func sampleTrace() *Result {
	r := NewResult()
	r.AddCommitTrace("move", 1, nil)
	r.AddNotificationTrace("move", note(ir.GroupRemoved, 1, 1))
	r.AddNotificationTrace("move", note(ir.GroupAdded, 2, 2))
	return r
}

func testContext(t *testing.T) *AssertionContext {
	t.Helper()
	rules, err := grouping.New([]grouping.Declaration{{EntityType: "Post", PropertyGroups: []string{"CategoryId"}}})
	require.NoError(t, err)
	return &AssertionContext{Ctx: context.Background(), Rules: rules}
}

func TestAssertNotificationContains(t *testing.T) {
	result := sampleTrace()
	actx := testContext(t)

	errs := EvaluateAssertions(result, []Assertion{{
		Type:              AssertNotificationContains,
		NotificationMatch: NotificationMatch{Entity: "Post", Change: "added", Group: map[string]any{"CategoryId": 2}, Keys: map[string]any{"Id": 1}},
	}}, actx)
	assert.Empty(t, errs)

	errs = EvaluateAssertions(result, []Assertion{{
		Type:              AssertNotificationContains,
		NotificationMatch: NotificationMatch{Entity: "Post", Change: "Added", Group: map[string]any{"CategoryId": 1}},
	}}, actx)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "Assertion failed: notification_contains")
	assert.Contains(t, errs[0], "group {CategoryId=1}")
}

func TestAssertNotificationContains_UnknownGroup(t *testing.T) {
	errs := EvaluateAssertions(sampleTrace(), []Assertion{{
		Type:              AssertNotificationContains,
		NotificationMatch: NotificationMatch{Entity: "Post", Group: map[string]any{"Title": "x"}},
	}}, testContext(t))
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "no grouping rule matches")
}

func TestAssertNotificationCount(t *testing.T) {
	result := sampleTrace()
	actx := testContext(t)

	assert.Empty(t, EvaluateAssertions(result, []Assertion{
		{Type: AssertNotificationCount, NotificationMatch: NotificationMatch{Entity: "Post"}, Count: 2},
		{Type: AssertNotificationCount, NotificationMatch: NotificationMatch{Change: "Updated"}, Count: 0},
		{Type: AssertNotificationCount, NotificationMatch: NotificationMatch{Keys: map[string]any{"Id": 2}}, Count: 0},
	}, actx))

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertNotificationCount, NotificationMatch: NotificationMatch{Entity: "Post"}, Count: 3},
	}, actx)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "2 notifications")
}

func TestAssertNotificationOrder(t *testing.T) {
	result := sampleTrace()
	actx := testContext(t)

	removed := NotificationMatch{Entity: "Post", Change: "Removed", Group: map[string]any{"CategoryId": 1}}
	added := NotificationMatch{Entity: "Post", Change: "Added", Group: map[string]any{"CategoryId": 2}}

	assert.Empty(t, EvaluateAssertions(result, []Assertion{{
		Type:     AssertNotificationOrder,
		Sequence: []NotificationMatch{removed, added},
	}}, actx))

	errs := EvaluateAssertions(result, []Assertion{{
		Type:     AssertNotificationOrder,
		Sequence: []NotificationMatch{added, removed},
	}}, actx)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "no later matching notification")
}

func TestAssertFinalState_RequiresSession(t *testing.T) {
	errs := EvaluateAssertions(sampleTrace(), []Assertion{{
		Type:              AssertFinalState,
		NotificationMatch: NotificationMatch{Entity: "Post"},
		Where:             map[string]any{"Id": 1},
		Expect:            map[string]any{"Title": "x"},
	}}, testContext(t))
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "requires a store session")
}

func TestAssertionError_TraceListing(t *testing.T) {
	result := sampleTrace()
	result.AddCommitTrace("broken", 0, assert.AnError)

	err := &AssertionError{
		Type:     AssertNotificationCount,
		Expected: "1",
		Actual:   "2",
		Trace:    result.Trace,
	}
	msg := err.Error()
	assert.Contains(t, msg, "[1] move commit rows=1")
	assert.Contains(t, msg, "[2] move Removed Post(CategoryId=1) seq=1")
	assert.Contains(t, msg, "[4] broken commit failed")
}
