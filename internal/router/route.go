package router

import (
	"context"
	"errors"
	"slices"

	"github.com/roach88/groupcast/internal/ir"
)

// Route computes the notifications for records, stamps them with commitID
// and the Router's clock, and dispatches them to the owner's subscribers.
// It returns the notifications in dispatch order.
//
// Records must carry identity; see Commit for how inserted records get it.
// Notifications that cannot be produced are logged and skipped.
func (r *Router) Route(ctx context.Context, commitID string, records []*ir.ChangeRecord) []ir.ChangeNotification {
	var sent []ir.ChangeNotification
	for _, rec := range records {
		notes, errs := r.notificationsFor(commitID, rec)
		for _, err := range errs {
			r.logRoutingError(commitID, err)
		}
		for _, n := range notes {
			n.Seq = r.clock.Next()
			failed := r.subs.Notify(ctx, r.owner, n.GroupID, n)
			r.metrics.notification(n.Change.String())
			r.metrics.dispatchFailed(failed)
			sent = append(sent, n)
		}
	}
	return sent
}

func (r *Router) logRoutingError(commitID string, err error) {
	code := ErrCodeResolve
	var re *RoutingError
	if errors.As(err, &re) {
		code = re.Code
	}
	r.metrics.routingError(code)
	r.logger.Warn("notification dropped",
		"owner", r.owner,
		"commit_id", commitID,
		"error", err,
	)
}

// notificationsFor returns the notifications of one record in routing order.
func (r *Router) notificationsFor(commitID string, rec *ir.ChangeRecord) ([]ir.ChangeNotification, []error) {
	entityType := rec.EntityType()

	keys, ok := rec.Identity()
	if !ok {
		return nil, []error{&RoutingError{
			Code:       ErrCodeIdentity,
			Message:    "record has no identity",
			EntityType: entityType,
		}}
	}

	base := ir.ChangeNotification{
		EntityType: entityType,
		KeyNames:   keys.Names(),
		KeyValues:  keys.Values(),
		CommitID:   commitID,
	}
	changes := rec.Changes()

	var (
		out  []ir.ChangeNotification
		errs []error
	)

	if rec.Kind() != ir.Inserted {
		change := ir.GroupUpdated
		if rec.Kind() == ir.Deleted {
			change = ir.GroupRemoved
		}
		gid, err := ir.IdentityGroupID(entityType, keys)
		if err != nil {
			errs = append(errs, &RoutingError{
				Code:       ErrCodeResolve,
				Message:    "identity group",
				EntityType: entityType,
				Err:        err,
			})
		} else {
			n := base
			n.Changes = slices.Clone(changes)
			n.GroupID = gid
			n.Change = change
			n.SourceFields = []string{}
			n.SourceValues = []ir.Value{}
			out = append(out, n)
		}
	}

	if r.rules == nil {
		return out, errs
	}
	rules, err := r.rules.RulesFor(entityType)
	if err != nil {
		return out, append(errs, &RoutingError{
			Code:       ErrCodeRules,
			Message:    "resolve grouping rules",
			EntityType: entityType,
			Err:        err,
		})
	}

	for _, rule := range rules {
		before, after, changed, err := ruleValues(rec, rule)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		emit := func(change ir.GroupChange, values []ir.Value) {
			gid, err := ir.GroupID(rule, values)
			if err != nil {
				errs = append(errs, &RoutingError{
					Code:       ErrCodeResolve,
					Message:    "group identifier",
					EntityType: entityType,
					Rule:       rule.Key(),
					Err:        err,
				})
				return
			}
			n := base
			n.Changes = slices.Clone(changes)
			n.GroupID = gid
			n.Change = change
			n.SourceFields = append([]string(nil), rule.PropertyNames...)
			n.SourceValues = values
			out = append(out, n)
		}

		switch {
		case rec.Kind() == ir.Inserted:
			emit(ir.GroupAdded, after)
		case rec.Kind() == ir.Deleted:
			emit(ir.GroupRemoved, before)
		case changed:
			emit(ir.GroupRemoved, before)
			emit(ir.GroupAdded, after)
		default:
			emit(ir.GroupUpdated, after)
		}
	}

	return out, errs
}

// ruleValues returns the prior and current values of rule's properties and
// whether any of them changed.
func ruleValues(rec *ir.ChangeRecord, rule ir.GroupingRule) (before, after []ir.Value, changed bool, err error) {
	before = make([]ir.Value, len(rule.PropertyNames))
	after = make([]ir.Value, len(rule.PropertyNames))
	for i, name := range rule.PropertyNames {
		delta, ok := rec.Property(name)
		if !ok {
			return nil, nil, false, &RoutingError{
				Code:       ErrCodeResolve,
				Message:    "record lacks property " + name,
				EntityType: rec.EntityType(),
				Rule:       rule.Key(),
			}
		}
		before[i] = delta.Before
		after[i] = delta.After
		if delta.Changed {
			changed = true
		}
	}
	return before, after, changed, nil
}
