package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/roach88/groupcast/internal/capture"
	"github.com/roach88/groupcast/internal/grouping"
	"github.com/roach88/groupcast/internal/ir"
	"github.com/roach88/groupcast/internal/subscription"
)

// DefaultOwner is the owner name used when WithOwner is not given.
const DefaultOwner = "default"

// Store is the persistence collaborator a Router commits through.
type Store interface {
	capture.Source

	// Commit persists the pending changes and returns the number of rows
	// affected. After a successful commit the Store's pending set is empty.
	Commit(ctx context.Context) (int, error)
}

// Phase is the stage of the Router's current commit attempt.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseCapturing
	PhaseCommitting
	PhasePostCommit
	PhaseRouting
	PhaseDispatched
	PhaseFailed
)

var phaseNames = [...]string{"idle", "capturing", "committing", "post_commit", "routing", "dispatched", "failed"}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

// CommitResult is delivered by CommitAsync.
type CommitResult struct {
	Rows int
	Err  error
}

// Option configures a Router.
type Option func(*Router)

// WithOwner sets the owner name subscribers use to receive this Router's
// notifications.
func WithOwner(owner string) Option {
	return func(r *Router) {
		r.owner = owner
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithTokenGenerator sets the commit identifier generator.
// Default: UUIDv7Generator.
func WithTokenGenerator(gen TokenGenerator) Option {
	return func(r *Router) {
		r.tokens = gen
	}
}

// Sequencer hands out strictly increasing sequence numbers.
// Implemented by Clock.
type Sequencer interface {
	Next() int64
}

// WithSequencer sets the clock that stamps notification Seq values.
// Routers sharing a clock produce one global order.
func WithSequencer(seq Sequencer) Option {
	return func(r *Router) {
		r.clock = seq
	}
}

// WithMetrics records commit and notification counters on c.
func WithMetrics(c *Collector) Option {
	return func(r *Router) {
		r.metrics = c
	}
}

// Router captures, commits and routes one Store's changes.
//
// Thread-safety model:
//   - Commit / CommitAsync: safe from any goroutine; attempts are serialized
//   - Route: safe from any goroutine
//   - Phase: safe from any goroutine
type Router struct {
	store   Store
	rules   *grouping.Registry
	subs    *subscription.Registry
	owner   string
	logger  *slog.Logger
	tokens  TokenGenerator
	clock   Sequencer
	metrics *Collector

	sem   chan struct{} // one commit attempt at a time
	phase atomic.Int32
}

// New creates a Router. rules may be nil, in which case only identity
// groups are notified.
func New(st Store, rules *grouping.Registry, subs *subscription.Registry, opts ...Option) *Router {
	r := &Router{
		store:  st,
		rules:  rules,
		subs:   subs,
		owner:  DefaultOwner,
		logger: slog.Default(),
		tokens: UUIDv7Generator{},
		clock:  NewClock(),
		sem:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Owner returns the owner name notifications are dispatched under.
func (r *Router) Owner() string {
	return r.owner
}

// Phase reports the stage of the current commit attempt.
func (r *Router) Phase() Phase {
	return Phase(r.phase.Load())
}

func (r *Router) setPhase(p Phase) {
	r.phase.Store(int32(p))
}

// Commit captures the Store's pending changes, commits them and dispatches
// the resulting notifications. It returns the Store's result.
//
// A capture error aborts the attempt before the Store is touched. A commit
// error is returned as the Store produced it and nothing is dispatched.
// Routing errors never fail the commit.
func (r *Router) Commit(ctx context.Context) (int, error) {
	if err := r.acquire(ctx); err != nil {
		return 0, err
	}
	defer r.release()

	records, err := r.capture(ctx)
	if err != nil {
		return 0, err
	}
	return r.commitAndRoute(ctx, records)
}

// CommitAsync is Commit with the Store commit, identity back-fill and
// routing on a separate goroutine. Capture runs before CommitAsync returns,
// so the caller may keep mutating tracked entities afterwards. The channel
// receives exactly one result and is then closed.
func (r *Router) CommitAsync(ctx context.Context) <-chan CommitResult {
	ch := make(chan CommitResult, 1)

	if err := r.acquire(ctx); err != nil {
		ch <- CommitResult{Err: err}
		close(ch)
		return ch
	}

	records, err := r.capture(ctx)
	if err != nil {
		r.release()
		ch <- CommitResult{Err: err}
		close(ch)
		return ch
	}

	go func() {
		defer close(ch)
		defer r.release()
		rows, err := r.commitAndRoute(ctx, records)
		ch <- CommitResult{Rows: rows, Err: err}
	}()
	return ch
}

func (r *Router) acquire(ctx context.Context) error {
	select {
	case r.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrCommitInProgress, ctx.Err())
	}
}

func (r *Router) release() {
	r.setPhase(PhaseIdle)
	<-r.sem
}

func (r *Router) capture(ctx context.Context) ([]*ir.ChangeRecord, error) {
	r.setPhase(PhaseCapturing)
	records, err := capture.Capture(ctx, r.store)
	if err != nil {
		r.setPhase(PhaseFailed)
		r.metrics.commit("capture_failed")
		r.logger.Error("capture failed", "owner", r.owner, "error", err)
		return nil, err
	}
	return records, nil
}

func (r *Router) commitAndRoute(ctx context.Context, records []*ir.ChangeRecord) (int, error) {
	r.setPhase(PhaseCommitting)
	rows, err := r.store.Commit(ctx)
	if err != nil {
		r.setPhase(PhaseFailed)
		r.metrics.commit("commit_failed")
		r.logger.Error("commit failed", "owner", r.owner, "records", len(records), "error", err)
		return rows, err
	}

	r.setPhase(PhasePostCommit)
	r.backfillIdentities(records)

	r.setPhase(PhaseRouting)
	commitID := r.tokens.Generate()
	sent := r.Route(ctx, commitID, records)

	r.setPhase(PhaseDispatched)
	r.metrics.commit("ok")
	r.logger.Debug("commit dispatched",
		"owner", r.owner,
		"commit_id", commitID,
		"rows", rows,
		"records", len(records),
		"notifications", len(sent),
	)
	return rows, nil
}

// backfillIdentities assigns the Store-generated keys of inserted records.
// A key the Store cannot report leaves the record without identity; Route
// then drops its notifications.
func (r *Router) backfillIdentities(records []*ir.ChangeRecord) {
	for _, rec := range records {
		if rec.Kind() != ir.Inserted {
			continue
		}
		if _, ok := rec.Identity(); ok {
			continue
		}
		keys, ok, err := r.store.ResolveIdentity(rec.Entity())
		if err != nil || !ok {
			r.logger.Warn("identity unavailable after commit",
				"owner", r.owner,
				"entity_type", rec.EntityType(),
				"error", err,
			)
			continue
		}
		if err := rec.SetIdentity(keys); err != nil {
			r.logger.Warn("identity back-fill rejected", "entity_type", rec.EntityType(), "error", err)
		}
	}
}
