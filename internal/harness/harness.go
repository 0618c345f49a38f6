package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/roach88/groupcast/internal/compiler"
	"github.com/roach88/groupcast/internal/grouping"
	"github.com/roach88/groupcast/internal/router"
	"github.com/roach88/groupcast/internal/store"
	"github.com/roach88/groupcast/internal/subscription"
	"github.com/roach88/groupcast/internal/testutil"
)

// Harness executes one scenario against a fresh in-memory store.
type Harness struct {
	store    *store.Store
	rules    *grouping.Registry
	subs     *subscription.Registry
	recorder *testutil.Recorder
	clock    *testutil.DeterministicClock
	commits  *testutil.SequentialCommitGenerator
	owner    string
	logger   *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database. Commit identifiers are
// "commit-1", "commit-2", ... and sequence numbers start at 1, so traces are
// reproducible.
//
// Execution flow:
// 1. Compile the entity specs and open the store
// 2. Commit the setup ops without routing
// 3. Commit each flow step through a Router and record the deliveries
// 4. Evaluate assertions against the trace and the final store contents
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	loaded, errs := compiler.LoadSpecs(scenario.Specs, compiler.LoadModeFailFast)
	if len(errs) > 0 {
		return nil, fmt.Errorf("failed to load specs: %w", errors.Join(errs...))
	}

	st, err := store.Open(":memory:", loaded.Entities)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests

	rules, err := grouping.New(
		grouping.DeclarationsFromSpecs(loaded.Entities),
		grouping.WithMetadata(st),
		grouping.WithForeignKeyRules(scenario.ForeignKeyGroups),
		grouping.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build grouping rules: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return nil, fmt.Errorf("invalid grouping rules: %w", err)
	}

	owner := scenario.Owner
	if owner == "" {
		owner = router.DefaultOwner
	}

	h := &Harness{
		store:    st,
		rules:    rules,
		subs:     subscription.New(subscription.WithLogger(logger)),
		recorder: testutil.NewRecorder(),
		clock:    testutil.NewDeterministicClock(),
		commits:  testutil.NewSequentialCommitGenerator("commit"),
		owner:    owner,
		logger:   logger,
	}
	defer h.subs.Close()
	h.recorder.Attach(h.subs, owner)

	if err := h.executeSetup(ctx, scenario.Setup); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}

	result := NewResult()
	h.executeFlow(ctx, scenario.Flow, result)

	actx := &AssertionContext{
		Ctx:     ctx,
		Session: st.NewSession(),
		Rules:   rules,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}

	return result, nil
}

// executeSetup commits the setup ops in one session without a Router, so
// no notifications are produced.
func (h *Harness) executeSetup(ctx context.Context, ops []store.Op) error {
	if len(ops) == 0 {
		return nil
	}
	sess := h.store.NewSession()
	if _, err := sess.Apply(ctx, ops); err != nil {
		return err
	}
	rows, err := sess.Commit(ctx)
	if err != nil {
		return err
	}
	h.logger.Info("setup committed", "ops", len(ops), "rows", rows)
	return nil
}

// executeFlow commits each step through its own session and Router. The
// Routers share the clock and commit generator so the trace has one global
// order.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) {
	for i, step := range flow {
		delivered := h.recorder.Len()

		sess := h.store.NewSession()
		rows, err := h.commitStep(ctx, sess, step)
		result.AddCommitTrace(step.Name, rows, err)

		for _, d := range h.recorder.Deliveries()[delivered:] {
			result.AddNotificationTrace(step.Name, d.Notification)
		}

		if msg := checkExpect(step, rows, err); msg != "" {
			result.AddError(fmt.Sprintf("flow[%d] %s: %s", i, step.Name, msg))
		}

		h.logger.Info("flow step completed",
			"step", i,
			"name", step.Name,
			"rows", rows,
			"error", err,
		)
	}
}

func (h *Harness) commitStep(ctx context.Context, sess *store.Session, step FlowStep) (int, error) {
	if _, err := sess.Apply(ctx, step.Ops); err != nil {
		return 0, err
	}
	r := router.New(sess, h.rules, h.subs,
		router.WithOwner(h.owner),
		router.WithLogger(h.logger),
		router.WithTokenGenerator(h.commits),
		router.WithSequencer(h.clock),
	)
	return r.Commit(ctx)
}

// checkExpect compares a step outcome with its expect clause. Without a
// clause the step must succeed.
func checkExpect(step FlowStep, rows int, err error) string {
	if step.Expect == nil || step.Expect.Error == "" {
		if err != nil {
			return fmt.Sprintf("unexpected error: %v", err)
		}
	} else {
		if err == nil {
			return fmt.Sprintf("expected error containing %q, commit succeeded", step.Expect.Error)
		}
		if !strings.Contains(err.Error(), step.Expect.Error) {
			return fmt.Sprintf("expected error containing %q, got %q", step.Expect.Error, err.Error())
		}
	}
	if step.Expect != nil && step.Expect.Rows != nil && *step.Expect.Rows != rows {
		return fmt.Sprintf("expected %d rows, got %d", *step.Expect.Rows, rows)
	}
	return ""
}
