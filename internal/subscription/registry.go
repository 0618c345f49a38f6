// Package subscription routes notifications to the listeners registered
// for an owner.
//
// An owner is the name of the Router (usually the application or database
// name) whose notifications a listener wants. The Registry is an explicit
// instance; construct one per process and share it between Routers.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/groupcast/internal/ir"
)

// Callback receives one notification addressed to groupID.
type Callback func(ctx context.Context, groupID string, n ir.ChangeNotification) error

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used to report failing subscribers.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// Registry maps owners to their subscribers. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription
	nextID uint64
	logger *slog.Logger
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		subs:   make(map[string][]*Subscription),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id       uint64
	owner    string
	callback Callback
	registry *Registry
	once     sync.Once
}

// Owner returns the owner the subscription listens to.
func (s *Subscription) Owner() string {
	return s.owner
}

// Dispose removes the subscription. Calling it more than once is a no-op.
func (s *Subscription) Dispose() {
	s.once.Do(func() {
		s.registry.remove(s)
	})
}

// Subscribe registers cb for notifications of owner.
func (r *Registry) Subscribe(owner string, cb Callback) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &Subscription{id: r.nextID, owner: owner, callback: cb, registry: r}
	r.subs[owner] = append(r.subs[owner], sub)
	return sub
}

func (r *Registry) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.subs[sub.owner]
	for i, s := range list {
		if s.id != sub.id {
			continue
		}
		// Copy so snapshots taken by Notify stay intact.
		next := make([]*Subscription, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(r.subs, sub.owner)
		} else {
			r.subs[sub.owner] = next
		}
		return
	}
}

// Len returns the number of subscribers of owner.
func (r *Registry) Len(owner string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[owner])
}

// Close drops every subscription.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = make(map[string][]*Subscription)
}

// Notify delivers n to every subscriber of owner in subscription order and
// returns the number of deliveries that failed. Callbacks run without the
// registry lock held, so they may Subscribe or Dispose. A failing or
// panicking subscriber does not stop delivery to the others.
func (r *Registry) Notify(ctx context.Context, owner, groupID string, n ir.ChangeNotification) int {
	r.mu.RLock()
	snapshot := r.subs[owner]
	r.mu.RUnlock()

	failed := 0
	for _, sub := range snapshot {
		if err := r.deliver(ctx, sub, groupID, n); err != nil {
			failed++
			r.logger.Warn("subscriber failed",
				"owner", owner,
				"subscription", sub.id,
				"group_id", groupID,
				"entity_type", n.EntityType,
				"error", err,
			)
		}
	}
	return failed
}

func (r *Registry) deliver(ctx context.Context, sub *Subscription, groupID string, n ir.ChangeNotification) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("subscriber panic: %v", p)
		}
	}()
	return sub.callback(ctx, groupID, n)
}
