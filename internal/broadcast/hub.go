package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/groupcast/internal/grouping"
	"github.com/roach88/groupcast/internal/ir"
	"github.com/roach88/groupcast/internal/subscription"
)

// ErrUnknownConnection is returned for a connection ID the Hub does not hold.
var ErrUnknownConnection = errors.New("unknown connection")

// ErrConnectionClosed is returned by Next after the connection is closed
// and drained.
var ErrConnectionClosed = errors.New("connection closed")

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithMethod sets the client method name carried by every message.
func WithMethod(method string) HubOption {
	return func(h *Hub) {
		h.method = method
	}
}

// WithHubLogger sets the Hub's logger.
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// Hub is an in-process broadcaster. Connections join groups by identifier
// or by entity property values; OnChange queues one message on every member
// of the addressed group. It is safe for concurrent use.
type Hub struct {
	rules  *grouping.Registry
	method string
	logger *slog.Logger

	mu     sync.RWMutex
	conns  map[string]*Conn
	groups map[string]map[string]*Conn
}

// NewHub creates a Hub. rules resolves JoinEntity requests and may be nil
// when clients only join by group identifier.
func NewHub(rules *grouping.Registry, opts ...HubOption) *Hub {
	h := &Hub{
		rules:  rules,
		method: DefaultMethod,
		logger: slog.Default(),
		conns:  make(map[string]*Conn),
		groups: make(map[string]map[string]*Conn),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Conn is one client connection held by a Hub.
type Conn struct {
	id    string
	hub   *Hub
	queue *messageQueue
}

// ID returns the connection identifier.
func (c *Conn) ID() string {
	return c.id
}

// Pending returns the number of queued messages.
func (c *Conn) Pending() int {
	return c.queue.Len()
}

// Next blocks until a message is available, ctx is done or the connection
// is closed. Messages queued before Close are still returned.
func (c *Conn) Next(ctx context.Context) (Message, error) {
	for {
		if m, ok := c.queue.TryDequeue(); ok {
			return m, nil
		}
		if c.queue.Closed() {
			return Message{}, ErrConnectionClosed
		}
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-c.queue.Wait():
		}
	}
}

// Close disconnects the connection and leaves every group.
func (c *Conn) Close() {
	c.hub.disconnect(c.id)
}

// Connect registers a new connection.
func (h *Hub) Connect() *Conn {
	c := &Conn{id: uuid.NewString(), hub: h, queue: newMessageQueue()}

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	h.logger.Debug("connection opened", "conn", c.id)
	return c
}

func (h *Hub) disconnect(connID string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if ok {
		delete(h.conns, connID)
		for groupID, members := range h.groups {
			delete(members, connID)
			if len(members) == 0 {
				delete(h.groups, groupID)
			}
		}
	}
	h.mu.Unlock()

	if ok {
		c.queue.Close()
		h.logger.Debug("connection closed", "conn", connID)
	}
}

// Join adds the connection to groupID. Joining twice is a no-op.
func (h *Hub) Join(connID, groupID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connID]
	if !ok {
		return fmt.Errorf("join %s: %w", connID, ErrUnknownConnection)
	}
	members := h.groups[groupID]
	if members == nil {
		members = make(map[string]*Conn)
		h.groups[groupID] = members
	}
	members[connID] = c
	return nil
}

// Leave removes the connection from groupID. Leaving a group the
// connection is not in is a no-op.
func (h *Hub) Leave(connID, groupID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[connID]; !ok {
		return fmt.Errorf("leave %s: %w", connID, ErrUnknownConnection)
	}
	if members := h.groups[groupID]; members != nil {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.groups, groupID)
		}
	}
	return nil
}

// JoinEntity resolves the group of entityType addressed by props and joins
// it. It returns the group identifier.
func (h *Hub) JoinEntity(connID, entityType string, props map[string]ir.Value) (string, error) {
	groupID, err := h.resolve(entityType, props)
	if err != nil {
		return "", err
	}
	return groupID, h.Join(connID, groupID)
}

// LeaveEntity is the inverse of JoinEntity.
func (h *Hub) LeaveEntity(connID, entityType string, props map[string]ir.Value) (string, error) {
	groupID, err := h.resolve(entityType, props)
	if err != nil {
		return "", err
	}
	return groupID, h.Leave(connID, groupID)
}

// JoinIdentity joins the identity group of one entity.
func (h *Hub) JoinIdentity(connID, entityType string, keys ir.Keys) (string, error) {
	if h.rules == nil {
		return "", errors.New("hub has no grouping registry")
	}
	groupID, err := h.rules.IdentityGroupFor(entityType, keys)
	if err != nil {
		return "", err
	}
	return groupID, h.Join(connID, groupID)
}

func (h *Hub) resolve(entityType string, props map[string]ir.Value) (string, error) {
	if h.rules == nil {
		return "", errors.New("hub has no grouping registry")
	}
	return h.rules.GroupFor(entityType, props)
}

// Members returns the sorted connection IDs in groupID.
func (h *Hub) Members(groupID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.groups[groupID]))
	for id := range h.groups[groupID] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Groups returns the sorted group IDs connID belongs to.
func (h *Hub) Groups(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []string
	for groupID, members := range h.groups {
		if _, ok := members[connID]; ok {
			out = append(out, groupID)
		}
	}
	slices.Sort(out)
	return out
}

// OnChange queues n on every member of groupID. It has the
// subscription.Callback signature.
func (h *Hub) OnChange(_ context.Context, groupID string, n ir.ChangeNotification) error {
	msg := Message{Method: h.method, GroupID: groupID, Payload: NewPayload(n)}

	h.mu.RLock()
	members := make([]*Conn, 0, len(h.groups[groupID]))
	for _, c := range h.groups[groupID] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		if !c.queue.Enqueue(msg) {
			h.logger.Debug("dropped message for closed connection", "conn", c.id, "group_id", groupID)
		}
	}
	return nil
}

// Attach subscribes the Hub to owner's notifications.
func (h *Hub) Attach(subs *subscription.Registry, owner string) *subscription.Subscription {
	return subs.Subscribe(owner, h.OnChange)
}
