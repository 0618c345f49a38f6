package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/groupcast/internal/grouping"
	"github.com/roach88/groupcast/internal/ir"
	"github.com/roach88/groupcast/internal/store"
)

// AssertionContext carries what assertions need besides the trace.
type AssertionContext struct {
	Ctx     context.Context
	Session *store.Session
	Rules   *grouping.Registry
}

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for i, event := range e.Trace {
		switch event.Type {
		case EventNotification:
			fmt.Fprintf(&buf, "  [%d] %s %s %s seq=%d\n", i+1, event.Step, event.Change, event.Group, event.Seq)
		case EventCommit:
			if event.Failed {
				fmt.Fprintf(&buf, "  [%d] %s commit failed\n", i+1, event.Step)
			} else {
				fmt.Fprintf(&buf, "  [%d] %s commit rows=%d\n", i+1, event.Step, event.Rows)
			}
		}
	}

	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluateAssertion(result.Trace, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}

func evaluateAssertion(trace []TraceEvent, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertNotificationContains:
		return assertNotificationContains(trace, a, actx)
	case AssertNotificationOrder:
		return assertNotificationOrder(trace, a, actx)
	case AssertNotificationCount:
		return assertNotificationCount(trace, a, actx)
	case AssertFinalState:
		return assertFinalState(actx, a)
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
}

// assertNotificationContains checks that at least one notification matches.
func assertNotificationContains(trace []TraceEvent, a Assertion, actx *AssertionContext) error {
	m, err := compileMatch(a.NotificationMatch, actx)
	if err != nil {
		return err
	}
	for _, event := range trace {
		if m.matches(event) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertNotificationContains,
		Expected: describeMatch(a.NotificationMatch),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertNotificationCount checks the exact number of matching notifications.
func assertNotificationCount(trace []TraceEvent, a Assertion, actx *AssertionContext) error {
	m, err := compileMatch(a.NotificationMatch, actx)
	if err != nil {
		return err
	}
	count := 0
	for _, event := range trace {
		if m.matches(event) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertNotificationCount,
			Expected: fmt.Sprintf("%d notifications matching %s", a.Count, describeMatch(a.NotificationMatch)),
			Actual:   fmt.Sprintf("%d notifications", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertNotificationOrder checks that each entry of the sequence matches a
// notification delivered after the one matching the previous entry.
// Intervening notifications are allowed.
func assertNotificationOrder(trace []TraceEvent, a Assertion, actx *AssertionContext) error {
	pos := 0
	for i, want := range a.Sequence {
		m, err := compileMatch(want, actx)
		if err != nil {
			return fmt.Errorf("sequence[%d]: %w", i, err)
		}
		found := false
		for ; pos < len(trace); pos++ {
			if m.matches(trace[pos]) {
				found = true
				pos++
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertNotificationOrder,
				Expected: fmt.Sprintf("sequence[%d] %s after sequence[%d]", i, describeMatch(want), i-1),
				Actual:   "no later matching notification",
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertFinalState loads exactly one entity matching where and compares
// the expected properties.
func assertFinalState(actx *AssertionContext, a Assertion) error {
	if actx == nil || actx.Session == nil {
		return fmt.Errorf("final_state assertion requires a store session")
	}

	where, err := toValues(a.Where)
	if err != nil {
		return fmt.Errorf("where: %w", err)
	}
	found, err := actx.Session.Query(actx.Ctx, a.Entity, where)
	if err != nil {
		return fmt.Errorf("query %s: %w", a.Entity, err)
	}
	if len(found) != 1 {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one %s where %v", a.Entity, a.Where),
			Actual:   fmt.Sprintf("%d rows", len(found)),
		}
	}

	entity := found[0]
	for _, name := range sortedNames(a.Expect) {
		want, err := ir.FromAny(a.Expect[name])
		if err != nil {
			return fmt.Errorf("expect %s: %w", name, err)
		}
		if !entity.Has(name) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s.%s = %s", a.Entity, name, ir.Format(want)),
				Actual:   "property not present",
			}
		}
		if got := entity.Get(name); !ir.Equal(got, want) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s.%s = %s", a.Entity, name, ir.Format(want)),
				Actual:   ir.Format(got),
			}
		}
	}
	return nil
}

// matcher is a NotificationMatch with its group resolved to an identifier.
type matcher struct {
	entity  string
	change  ir.GroupChange
	groupID string
	keys    map[string]ir.Value
}

func compileMatch(m NotificationMatch, actx *AssertionContext) (*matcher, error) {
	out := &matcher{entity: m.Entity}

	if m.Change != "" {
		c, err := ir.ParseGroupChange(m.Change)
		if err != nil {
			return nil, err
		}
		out.change = c
	}

	switch {
	case m.Group != nil:
		if actx == nil || actx.Rules == nil {
			return nil, fmt.Errorf("group match requires grouping rules")
		}
		props, err := toValues(m.Group)
		if err != nil {
			return nil, fmt.Errorf("group: %w", err)
		}
		gid, err := actx.Rules.GroupFor(m.Entity, props)
		if err != nil {
			return nil, fmt.Errorf("group: %w", err)
		}
		out.groupID = gid

	case m.Identity != nil:
		if actx == nil || actx.Session == nil || actx.Rules == nil {
			return nil, fmt.Errorf("identity match requires a store session")
		}
		keys, err := orderedKeys(actx.Session, m.Entity, m.Identity)
		if err != nil {
			return nil, fmt.Errorf("identity: %w", err)
		}
		gid, err := actx.Rules.IdentityGroupFor(m.Entity, keys)
		if err != nil {
			return nil, fmt.Errorf("identity: %w", err)
		}
		out.groupID = gid
	}

	if m.Keys != nil {
		keys, err := toValues(m.Keys)
		if err != nil {
			return nil, fmt.Errorf("keys: %w", err)
		}
		out.keys = keys
	}
	return out, nil
}

func (m *matcher) matches(event TraceEvent) bool {
	n, ok := event.Notification()
	if !ok {
		return false
	}
	if m.entity != "" && n.EntityType != m.entity {
		return false
	}
	if m.change != 0 && n.Change != m.change {
		return false
	}
	if m.groupID != "" && n.GroupID != m.groupID {
		return false
	}
	if len(m.keys) > 0 {
		got := make(map[string]ir.Value, len(n.KeyNames))
		for _, kv := range n.Keys() {
			got[kv.Name] = kv.Value
		}
		for name, want := range m.keys {
			v, ok := got[name]
			if !ok || !ir.Equal(v, want) {
				return false
			}
		}
	}
	return true
}

// orderedKeys arranges identity values in the entity's key declaration order.
func orderedKeys(sess *store.Session, entityType string, values map[string]any) (ir.Keys, error) {
	md, err := sess.ResolveTypeMetadata(entityType)
	if err != nil {
		return nil, err
	}
	if len(values) != len(md.KeyProperties) {
		return nil, fmt.Errorf("%s key must name %v", entityType, md.KeyProperties)
	}
	keys := make(ir.Keys, len(md.KeyProperties))
	for i, name := range md.KeyProperties {
		raw, ok := values[name]
		if !ok {
			return nil, fmt.Errorf("%s key must name %v", entityType, md.KeyProperties)
		}
		v, err := ir.FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		keys[i] = ir.KeyValue{Name: name, Value: v}
	}
	return keys, nil
}

func toValues(m map[string]any) (map[string]ir.Value, error) {
	out := make(map[string]ir.Value, len(m))
	for name, raw := range m {
		v, err := ir.FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

func describeMatch(m NotificationMatch) string {
	var parts []string
	if m.Change != "" {
		parts = append(parts, m.Change)
	}
	if m.Entity != "" {
		parts = append(parts, m.Entity)
	}
	if m.Group != nil {
		parts = append(parts, "group "+describeValues(m.Group))
	}
	if m.Identity != nil {
		parts = append(parts, "identity "+describeValues(m.Identity))
	}
	if m.Keys != nil {
		parts = append(parts, "keys "+describeValues(m.Keys))
	}
	if len(parts) == 0 {
		return "any notification"
	}
	return strings.Join(parts, " ")
}

func describeValues(m map[string]any) string {
	pairs := make([]string, 0, len(m))
	for _, name := range sortedNames(m) {
		pairs = append(pairs, fmt.Sprintf("%s=%v", name, m[name]))
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

func sortedNames(m map[string]any) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
