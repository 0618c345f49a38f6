// Package broadcast delivers routed change notifications to real-time
// clients.
//
// Two broadcasters are provided. Hub keeps in-process connections with
// per-group membership and an outbound queue per connection. NATSPublisher
// publishes each notification on a subject derived from the group
// identifier. Both expose OnChange with the subscription.Callback signature
// and an Attach helper that subscribes them to a Router owner.
//
// Every pushed message carries a client method name (DefaultMethod unless
// configured) and a Payload describing the change.
package broadcast
