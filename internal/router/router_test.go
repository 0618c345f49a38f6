package router

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/groupcast/internal/capture"
	"github.com/roach88/groupcast/internal/grouping"
	"github.com/roach88/groupcast/internal/ir"
	"github.com/roach88/groupcast/internal/store"
	"github.com/roach88/groupcast/internal/subscription"
)

// fakeStore is a Store whose pending entries are scripted by the test.
type fakeStore struct {
	entries   []ir.TrackedEntry
	keys      map[*ir.Entity]ir.Keys
	afterKeys map[*ir.Entity]ir.Keys // identities that appear on commit
	commitErr error
	commits   int
	onCommit  func()
}

func (f *fakeStore) HasPendingChanges() bool { return len(f.entries) > 0 }

func (f *fakeStore) PendingEntries(context.Context) ([]ir.TrackedEntry, error) {
	return f.entries, nil
}

func (f *fakeStore) ResolveIdentity(e *ir.Entity) (ir.Keys, bool, error) {
	k, ok := f.keys[e]
	return k, ok, nil
}

func (f *fakeStore) Commit(context.Context) (int, error) {
	f.commits++
	if f.onCommit != nil {
		f.onCommit()
	}
	if f.commitErr != nil {
		return 0, f.commitErr
	}
	if f.keys == nil {
		f.keys = map[*ir.Entity]ir.Keys{}
	}
	for e, k := range f.afterKeys {
		f.keys[e] = k
	}
	n := len(f.entries)
	f.entries = nil
	return n, nil
}

type recorded struct {
	groupID string
	n       ir.ChangeNotification
}

type recorder struct {
	mu  sync.Mutex
	got []recorded
}

func (r *recorder) callback(_ context.Context, groupID string, n ir.ChangeNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, recorded{groupID, n})
	return nil
}

func (r *recorder) notifications() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.got...)
}

var postProps = []string{"Id", "CategoryId", "IsVisible"}

func postValues(id any, category any, visible bool) ir.Object {
	return ir.Object{
		"Id":         ir.MustFromAny(id),
		"CategoryId": ir.MustFromAny(category),
		"IsVisible":  ir.Bool(visible),
	}
}

func idKeys(id int64) ir.Keys {
	return ir.Keys{{Name: "Id", Value: ir.Int(id)}}
}

var (
	categoryRule = ir.NewGroupingRule("Post", "CategoryId")
	visibleRule  = ir.NewGroupingRule("Post", "CategoryId", "IsVisible")
)

func newTestRouter(t *testing.T, st Store, opts ...Option) (*Router, *recorder) {
	t.Helper()
	subs := subscription.New()
	rec := &recorder{}
	subs.Subscribe("blog", rec.callback)
	return newRouterWithSubscriptions(t, st, subs, opts...), rec
}

func newRouterWithSubscriptions(t *testing.T, st Store, subs *subscription.Registry, opts ...Option) *Router {
	t.Helper()
	rules, err := grouping.New([]grouping.Declaration{{
		EntityType:     "Post",
		TypeGroups:     [][]string{{"CategoryId", "IsVisible"}},
		PropertyGroups: []string{"CategoryId"},
	}})
	require.NoError(t, err)

	opts = append([]Option{WithOwner("blog"), WithTokenGenerator(NewFixedGenerator("commit-1", "commit-2"))}, opts...)
	return New(st, rules, subs, opts...)
}

func TestCommitInsertNotifiesAddedGroups(t *testing.T) {
	p := ir.NewEntity("Post", nil)
	st := &fakeStore{
		entries:   []ir.TrackedEntry{{Entity: p, State: ir.StateAdded, Properties: postProps, Current: postValues(nil, 5, true)}},
		afterKeys: map[*ir.Entity]ir.Keys{p: idKeys(11)},
	}
	r, rec := newTestRouter(t, st)

	rows, err := r.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rows)

	got := rec.notifications()
	require.Len(t, got, 2, "no identity notification for inserts")

	assert.Equal(t, ir.MustGroupID(categoryRule, ir.Int(5)), got[0].groupID)
	assert.Equal(t, ir.GroupAdded, got[0].n.Change)
	assert.Equal(t, []ir.Value{ir.Int(11)}, got[0].n.KeyValues, "identity back-filled after commit")
	assert.Equal(t, []string{"CategoryId"}, got[0].n.SourceFields)

	assert.Equal(t, ir.MustGroupID(visibleRule, ir.Int(5), ir.Bool(true)), got[1].groupID)
	assert.Equal(t, ir.GroupAdded, got[1].n.Change)

	assert.Equal(t, "commit-1", got[0].n.CommitID)
	assert.Equal(t, int64(1), got[0].n.Seq)
	assert.Equal(t, int64(2), got[1].n.Seq)
}

func TestCommitMoveNotifiesRemovedThenAdded(t *testing.T) {
	p := ir.NewEntity("Post", nil)
	st := &fakeStore{
		entries: []ir.TrackedEntry{{
			Entity: p, State: ir.StateModified, Properties: postProps,
			Original: postValues(3, 5, true), Current: postValues(3, 6, true),
		}},
		keys: map[*ir.Entity]ir.Keys{p: idKeys(3)},
	}
	r, rec := newTestRouter(t, st)

	_, err := r.Commit(context.Background())
	require.NoError(t, err)

	got := rec.notifications()
	require.Len(t, got, 5)

	assert.Equal(t, ir.MustIdentityGroupID("Post", idKeys(3)), got[0].groupID)
	assert.Equal(t, ir.GroupUpdated, got[0].n.Change)
	assert.Empty(t, got[0].n.SourceFields)

	assert.Equal(t, ir.MustGroupID(categoryRule, ir.Int(5)), got[1].groupID)
	assert.Equal(t, ir.GroupRemoved, got[1].n.Change)
	assert.Equal(t, ir.MustGroupID(categoryRule, ir.Int(6)), got[2].groupID)
	assert.Equal(t, ir.GroupAdded, got[2].n.Change)

	assert.Equal(t, ir.MustGroupID(visibleRule, ir.Int(5), ir.Bool(true)), got[3].groupID)
	assert.Equal(t, ir.GroupRemoved, got[3].n.Change)
	assert.Equal(t, ir.MustGroupID(visibleRule, ir.Int(6), ir.Bool(true)), got[4].groupID)
	assert.Equal(t, ir.GroupAdded, got[4].n.Change)
}

func TestCommitUpdateWithoutMoveNotifiesUpdated(t *testing.T) {
	p := ir.NewEntity("Post", nil)
	original := postValues(3, 5, true)
	original["Title"] = ir.String("a")
	current := postValues(3, 5, true)
	current["Title"] = ir.String("b")

	st := &fakeStore{
		entries: []ir.TrackedEntry{{
			Entity: p, State: ir.StateModified, Properties: append(postProps, "Title"),
			Original: original, Current: current,
		}},
		keys: map[*ir.Entity]ir.Keys{p: idKeys(3)},
	}
	r, rec := newTestRouter(t, st)

	_, err := r.Commit(context.Background())
	require.NoError(t, err)

	got := rec.notifications()
	require.Len(t, got, 3)
	for _, g := range got {
		assert.Equal(t, ir.GroupUpdated, g.n.Change)
		assert.Equal(t, []ir.PropertyChange{{Name: "Title", Before: ir.String("a"), After: ir.String("b")}}, g.n.Changes)
	}
	assert.Equal(t, ir.MustGroupID(categoryRule, ir.Int(5)), got[1].groupID)
}

func TestCommitDeleteNotifiesRemoved(t *testing.T) {
	p := ir.NewEntity("Post", nil)
	st := &fakeStore{
		entries: []ir.TrackedEntry{{Entity: p, State: ir.StateDeleted, Properties: postProps, Original: postValues(3, 5, false)}},
		keys:    map[*ir.Entity]ir.Keys{p: idKeys(3)},
	}
	r, rec := newTestRouter(t, st)

	_, err := r.Commit(context.Background())
	require.NoError(t, err)

	got := rec.notifications()
	require.Len(t, got, 3)
	for _, g := range got {
		assert.Equal(t, ir.GroupRemoved, g.n.Change)
	}
	assert.Equal(t, ir.MustIdentityGroupID("Post", idKeys(3)), got[0].groupID)
	assert.Equal(t, ir.MustGroupID(visibleRule, ir.Int(5), ir.Bool(false)), got[2].groupID)
}

func TestCommitFailureDispatchesNothing(t *testing.T) {
	boom := errors.New("disk full")
	p := ir.NewEntity("Post", nil)
	st := &fakeStore{
		entries:   []ir.TrackedEntry{{Entity: p, State: ir.StateAdded, Properties: postProps, Current: postValues(nil, 5, true)}},
		commitErr: boom,
	}
	subs := subscription.New()
	rec := &recorder{}
	subs.Subscribe("blog", rec.callback)
	subs.Subscribe("blog", rec.callback)
	r := newRouterWithSubscriptions(t, st, subs)

	_, err := r.Commit(context.Background())
	assert.Same(t, boom, err, "store error returned unchanged")
	assert.Empty(t, rec.notifications())
	assert.Equal(t, PhaseIdle, r.Phase())
	assert.Equal(t, 2, subs.Len("blog"), "subscriptions survive a failed commit")
	assert.Equal(t, 0, subs.Len(""))
}

func TestCommitDeliversSameSequenceToEverySubscriber(t *testing.T) {
	p := ir.NewEntity("Post", nil)
	st := &fakeStore{
		entries: []ir.TrackedEntry{{
			Entity: p, State: ir.StateModified, Properties: postProps,
			Original: postValues(3, 5, true), Current: postValues(3, 6, false),
		}},
		keys: map[*ir.Entity]ir.Keys{p: idKeys(3)},
	}
	subs := subscription.New()
	first, second := &recorder{}, &recorder{}
	subs.Subscribe("blog", first.callback)
	subs.Subscribe("blog", second.callback)
	r := newRouterWithSubscriptions(t, st, subs)

	_, err := r.Commit(context.Background())
	require.NoError(t, err)

	got := first.notifications()
	require.Len(t, got, 5)
	assert.Equal(t, got, second.notifications())
	for i, g := range got {
		assert.Equal(t, int64(i+1), g.n.Seq)
	}
}

func TestCaptureFailureSkipsCommit(t *testing.T) {
	p := ir.NewEntity("Post", nil)
	st := &fakeStore{
		entries: []ir.TrackedEntry{{Entity: p, State: ir.StateDeleted, Properties: postProps, Original: postValues(3, 5, true)}},
	}
	r, rec := newTestRouter(t, st)

	_, err := r.Commit(context.Background())
	require.Error(t, err)
	assert.True(t, capture.IsCaptureError(err))
	assert.Equal(t, 0, st.commits)
	assert.Empty(t, rec.notifications())
}

func TestCommitNothingPending(t *testing.T) {
	st := &fakeStore{}
	r, rec := newTestRouter(t, st)

	rows, err := r.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rows)
	assert.Equal(t, 1, st.commits)
	assert.Empty(t, rec.notifications())
}

func TestPhasesDuringCommit(t *testing.T) {
	st := &fakeStore{}
	r, _ := newTestRouter(t, st)

	var during Phase
	st.onCommit = func() { during = r.Phase() }

	_, err := r.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseCommitting, during)
	assert.Equal(t, PhaseIdle, r.Phase())
}

func TestMissingIdentityDropsOnlyThatRecord(t *testing.T) {
	lost := ir.NewEntity("Post", nil)
	kept := ir.NewEntity("Post", nil)
	st := &fakeStore{
		entries: []ir.TrackedEntry{
			{Entity: lost, State: ir.StateAdded, Properties: postProps, Current: postValues(nil, 1, true)},
			{Entity: kept, State: ir.StateAdded, Properties: postProps, Current: postValues(nil, 2, true)},
		},
		afterKeys: map[*ir.Entity]ir.Keys{kept: idKeys(2)},
	}
	metrics := NewMetricsCollector()
	r, rec := newTestRouter(t, st, WithMetrics(metrics))

	rows, err := r.Commit(context.Background())
	require.NoError(t, err, "routing errors never fail the commit")
	assert.Equal(t, 2, rows)

	got := rec.notifications()
	require.Len(t, got, 2)
	for _, g := range got {
		assert.Equal(t, []ir.Value{ir.Int(2)}, g.n.KeyValues)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.routingErrors.WithLabelValues(string(ErrCodeIdentity))))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.notifications.WithLabelValues("Added")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.commits.WithLabelValues("ok")))
}

func TestRulesErrorKeepsIdentityNotification(t *testing.T) {
	rules, err := grouping.New([]grouping.Declaration{{EntityType: "Post", TypeGroups: [][]string{{"A", "A"}}}})
	require.NoError(t, err)
	subs := subscription.New()
	rec := &recorder{}
	subs.Subscribe(DefaultOwner, rec.callback)

	p := ir.NewEntity("Post", nil)
	st := &fakeStore{
		entries: []ir.TrackedEntry{{Entity: p, State: ir.StateDeleted, Properties: postProps, Original: postValues(3, 5, true)}},
		keys:    map[*ir.Entity]ir.Keys{p: idKeys(3)},
	}
	r := New(st, rules, subs)

	_, err = r.Commit(context.Background())
	require.NoError(t, err)

	got := rec.notifications()
	require.Len(t, got, 1)
	assert.Equal(t, ir.MustIdentityGroupID("Post", idKeys(3)), got[0].groupID)
}

func TestFailingSubscriberDoesNotAffectCommit(t *testing.T) {
	p := ir.NewEntity("Post", nil)
	st := &fakeStore{
		entries:   []ir.TrackedEntry{{Entity: p, State: ir.StateAdded, Properties: postProps, Current: postValues(nil, 5, true)}},
		afterKeys: map[*ir.Entity]ir.Keys{p: idKeys(1)},
	}
	metrics := NewMetricsCollector()
	r, rec := newTestRouter(t, st, WithMetrics(metrics))
	r.subs.Subscribe("blog", func(context.Context, string, ir.ChangeNotification) error {
		return errors.New("socket closed")
	})

	_, err := r.Commit(context.Background())
	require.NoError(t, err)
	assert.Len(t, rec.notifications(), 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.dispatchFailures))
}

func TestOtherOwnerReceivesNothing(t *testing.T) {
	p := ir.NewEntity("Post", nil)
	st := &fakeStore{
		entries:   []ir.TrackedEntry{{Entity: p, State: ir.StateAdded, Properties: postProps, Current: postValues(nil, 5, true)}},
		afterKeys: map[*ir.Entity]ir.Keys{p: idKeys(1)},
	}
	r, rec := newTestRouter(t, st, WithOwner("shop"))

	_, err := r.Commit(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rec.notifications())
}

func TestCommitAsync(t *testing.T) {
	p := ir.NewEntity("Post", nil)
	st := &fakeStore{
		entries:   []ir.TrackedEntry{{Entity: p, State: ir.StateAdded, Properties: postProps, Current: postValues(nil, 5, true)}},
		afterKeys: map[*ir.Entity]ir.Keys{p: idKeys(1)},
	}
	r, rec := newTestRouter(t, st)

	res := <-r.CommitAsync(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Rows)
	assert.Len(t, rec.notifications(), 2)

	_, open := <-r.CommitAsync(context.Background())
	assert.True(t, open, "second attempt yields a result")
}

func TestCommitAsyncCaptureError(t *testing.T) {
	p := ir.NewEntity("Post", nil)
	st := &fakeStore{
		entries: []ir.TrackedEntry{{Entity: p, State: ir.StateModified, Properties: postProps, Original: postValues(3, 5, true), Current: postValues(3, 5, true)}},
	}
	r, _ := newTestRouter(t, st)

	res := <-r.CommitAsync(context.Background())
	require.Error(t, res.Err)
	assert.True(t, capture.IsCaptureError(res.Err))
	assert.Equal(t, 0, st.commits)
}

func TestCommitCancelledWhileBusy(t *testing.T) {
	st := &fakeStore{}
	release := make(chan struct{})
	entered := make(chan struct{})
	st.onCommit = func() {
		close(entered)
		<-release
	}
	r, _ := newTestRouter(t, st)

	done := r.CommitAsync(context.Background())
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Commit(ctx)
	assert.True(t, errors.Is(err, ErrCommitInProgress))
	assert.True(t, errors.Is(err, context.Canceled))

	close(release)
	res := <-done
	require.NoError(t, res.Err)
}

func TestSequencerSharedAcrossRouters(t *testing.T) {
	clock := NewClock()
	var got []int64
	for i := 0; i < 2; i++ {
		p := ir.NewEntity("Post", nil)
		st := &fakeStore{
			entries:   []ir.TrackedEntry{{Entity: p, State: ir.StateAdded, Properties: postProps, Current: postValues(nil, 5, true)}},
			afterKeys: map[*ir.Entity]ir.Keys{p: idKeys(int64(i + 1))},
		}
		r, rec := newTestRouter(t, st, WithSequencer(clock))
		_, err := r.Commit(context.Background())
		require.NoError(t, err)
		for _, g := range rec.notifications() {
			got = append(got, g.n.Seq)
		}
	}
	assert.Equal(t, []int64{1, 2, 3, 4}, got)
}

func TestRouteWithSQLiteStore(t *testing.T) {
	specs := []ir.EntitySpec{{
		Name:    "Post",
		Table:   "posts",
		Keys:    []string{"Id"},
		AutoKey: true,
		Properties: []ir.PropertySpec{
			{Name: "Id", Type: ir.TypeInt},
			{Name: "CategoryId", Type: ir.TypeInt},
			{Name: "IsVisible", Type: ir.TypeBool},
		},
		ForeignKeys: []ir.ForeignKeySpec{{Property: "CategoryId", References: "Category"}},
	}}
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), specs)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sess := st.NewSession()
	rules, err := grouping.New(grouping.DeclarationsFromSpecs(specs),
		grouping.WithMetadata(sess), grouping.WithForeignKeyRules(true))
	require.NoError(t, err)
	require.NoError(t, rules.Validate())

	subs := subscription.New()
	rec := &recorder{}
	subs.Subscribe("blog", rec.callback)
	r := New(sess, rules, subs, WithOwner("blog"))

	p := ir.NewEntity("Post", ir.Object{"CategoryId": ir.Int(1), "IsVisible": ir.Bool(true)})
	require.NoError(t, sess.Add(p))
	_, err = r.Commit(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.Set("CategoryId", 2))
	_, err = r.Commit(context.Background())
	require.NoError(t, err)

	got := rec.notifications()
	require.Len(t, got, 4)
	assert.Equal(t, ir.GroupAdded, got[0].n.Change)
	assert.Equal(t, []ir.Value{ir.Int(1)}, got[0].n.KeyValues)
	assert.Equal(t, ir.GroupUpdated, got[1].n.Change)
	assert.Equal(t, ir.MustIdentityGroupID("Post", idKeys(1)), got[1].groupID)
	assert.Equal(t, ir.MustGroupID(categoryRule, ir.Int(1)), got[2].groupID)
	assert.Equal(t, ir.GroupRemoved, got[2].n.Change)
	assert.Equal(t, ir.MustGroupID(categoryRule, ir.Int(2)), got[3].groupID)
	assert.Equal(t, ir.GroupAdded, got[3].n.Change)
	assert.NotEqual(t, got[0].n.CommitID, got[3].n.CommitID)
}
