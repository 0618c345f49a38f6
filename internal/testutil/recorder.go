package testutil

import (
	"context"
	"sync"

	"github.com/roach88/groupcast/internal/ir"
	"github.com/roach88/groupcast/internal/subscription"
)

// Delivery is one notification as received by a subscriber.
type Delivery struct {
	GroupID      string
	Notification ir.ChangeNotification
}

// Recorder collects deliveries in arrival order. Its OnChange method has
// the subscription.Callback signature.
type Recorder struct {
	mu         sync.Mutex
	deliveries []Delivery
	err        error
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith makes every later OnChange call return err after recording.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// OnChange records the delivery.
func (r *Recorder) OnChange(_ context.Context, groupID string, n ir.ChangeNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, Delivery{GroupID: groupID, Notification: n})
	return r.err
}

// Attach subscribes the recorder to owner.
func (r *Recorder) Attach(subs *subscription.Registry, owner string) *subscription.Subscription {
	return subs.Subscribe(owner, r.OnChange)
}

// Deliveries returns a copy of everything recorded so far.
func (r *Recorder) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.deliveries...)
}

// Notifications returns the recorded notifications in order.
func (r *Recorder) Notifications() []ir.ChangeNotification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ir.ChangeNotification, len(r.deliveries))
	for i, d := range r.deliveries {
		out[i] = d.Notification
	}
	return out
}

// ForGroup returns the notifications delivered to groupID.
func (r *Recorder) ForGroup(groupID string) []ir.ChangeNotification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ir.ChangeNotification
	for _, d := range r.deliveries {
		if d.GroupID == groupID {
			out = append(out, d.Notification)
		}
	}
	return out
}

// Len returns the number of deliveries.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deliveries)
}

// Reset discards every delivery.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = nil
}
