package harness

import "github.com/roach88/groupcast/internal/ir"

// Trace event types.
const (
	EventCommit       = "commit"
	EventNotification = "notification"
)

// TraceEvent is one commit outcome or one delivered notification.
type TraceEvent struct {
	Type string `json:"type"`
	Step string `json:"step"`

	// Commit events.
	Rows   int    `json:"rows,omitempty"`
	Failed bool   `json:"failed,omitempty"`
	Error  string `json:"error,omitempty"`

	// Notification events.
	Commit  string         `json:"commit,omitempty"`
	Group   string         `json:"group,omitempty"`
	GroupID string         `json:"group_id,omitempty"`
	Entity  string         `json:"entity,omitempty"`
	Change  string         `json:"change,omitempty"`
	Keys    map[string]any `json:"keys,omitempty"`
	Seq     int64          `json:"seq,omitempty"`

	notification *ir.ChangeNotification
}

// Notification returns the delivered notification of a notification event.
func (e TraceEvent) Notification() (ir.ChangeNotification, bool) {
	if e.notification == nil {
		return ir.ChangeNotification{}, false
	}
	return *e.notification, true
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace lists commit outcomes and notifications in delivery order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds failed expectations and assertions.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result with an empty trace.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddCommitTrace records a commit outcome.
func (r *Result) AddCommitTrace(step string, rows int, err error) {
	ev := TraceEvent{Type: EventCommit, Step: step, Rows: rows}
	if err != nil {
		ev.Failed = true
		ev.Error = err.Error()
	}
	r.Trace = append(r.Trace, ev)
}

// AddNotificationTrace records a delivered notification.
func (r *Result) AddNotificationTrace(step string, n ir.ChangeNotification) {
	keys := make(map[string]any, len(n.KeyNames))
	for _, kv := range n.Keys() {
		keys[kv.Name] = ir.ToAny(kv.Value)
	}
	note := n
	r.Trace = append(r.Trace, TraceEvent{
		Type:         EventNotification,
		Step:         step,
		Commit:       n.CommitID,
		Group:        GroupLabel(n),
		GroupID:      n.GroupID,
		Entity:       n.EntityType,
		Change:       n.Change.String(),
		Keys:         keys,
		Seq:          n.Seq,
		notification: &note,
	})
}

// Notifications returns the notification events of the trace.
func (r *Result) Notifications() []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Type == EventNotification {
			out = append(out, ev)
		}
	}
	return out
}
