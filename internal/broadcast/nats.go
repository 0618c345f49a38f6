package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/roach88/groupcast/internal/ir"
	"github.com/roach88/groupcast/internal/subscription"
)

// DefaultSubjectPrefix is the subject prefix used when none is configured.
const DefaultSubjectPrefix = "groupcast.groups"

// NATSOption configures a NATSPublisher.
type NATSOption func(*NATSPublisher)

// WithSubjectPrefix sets the subject prefix. Trailing dots are trimmed.
func WithSubjectPrefix(prefix string) NATSOption {
	return func(p *NATSPublisher) {
		p.prefix = strings.TrimRight(prefix, ".")
	}
}

// WithNATSMethod sets the client method name carried by every message.
func WithNATSMethod(method string) NATSOption {
	return func(p *NATSPublisher) {
		p.method = method
	}
}

// WithNATSLogger sets the publisher's logger.
func WithNATSLogger(logger *slog.Logger) NATSOption {
	return func(p *NATSPublisher) {
		p.logger = logger
	}
}

// NATSPublisher publishes every notification on prefix.<groupID>.
// Group identifiers are hex digests and therefore valid subject tokens.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	method string
	logger *slog.Logger
}

// NewNATSPublisher creates a publisher on an established connection. The
// caller owns nc.
func NewNATSPublisher(nc *nats.Conn, opts ...NATSOption) *NATSPublisher {
	p := &NATSPublisher{
		nc:     nc,
		prefix: DefaultSubjectPrefix,
		method: DefaultMethod,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subject returns the subject notifications for groupID are published on.
func (p *NATSPublisher) Subject(groupID string) string {
	return p.prefix + "." + groupID
}

// Wildcard returns the subject matching every group.
func (p *NATSPublisher) Wildcard() string {
	return p.prefix + ".*"
}

// OnChange publishes n. It has the subscription.Callback signature.
func (p *NATSPublisher) OnChange(ctx context.Context, groupID string, n ir.ChangeNotification) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish %s: %w", groupID, err)
	}

	data, err := Message{Method: p.method, GroupID: groupID, Payload: NewPayload(n)}.Encode()
	if err != nil {
		return err
	}

	subject := p.Subject(groupID)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug("published notification", "subject", subject, "entity_type", n.EntityType, "change", n.Change.String())
	return nil
}

// Flush waits until the server has processed every published message.
// Without a ctx deadline the connection's default timeout applies.
func (p *NATSPublisher) Flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		return p.nc.Flush()
	}
	return p.nc.FlushWithContext(ctx)
}

// Attach subscribes the publisher to owner's notifications.
func (p *NATSPublisher) Attach(subs *subscription.Registry, owner string) *subscription.Subscription {
	return subs.Subscribe(owner, p.OnChange)
}
