package router

import (
	"errors"
	"fmt"
)

// RoutingError reports a notification that could not be produced.
//
// Routing errors happen after the commit succeeded. They are logged and
// counted, the affected notification is dropped and the commit result is
// still returned to the caller.
type RoutingError struct {
	// Code identifies the error category.
	Code RoutingErrorCode

	// Message is a human-readable description.
	Message string

	// EntityType is the type of the changed entity.
	EntityType string

	// Rule is the grouping rule key, empty for the identity group.
	Rule string

	// Err is the underlying cause.
	Err error
}

// RoutingErrorCode categorizes routing errors.
type RoutingErrorCode string

const (
	// ErrCodeRules indicates the entity type's grouping rules could not be resolved.
	ErrCodeRules RoutingErrorCode = "RULES"

	// ErrCodeResolve indicates a group identifier could not be computed.
	ErrCodeResolve RoutingErrorCode = "RESOLVE"

	// ErrCodeIdentity indicates an entity's primary key was unavailable.
	ErrCodeIdentity RoutingErrorCode = "IDENTITY"
)

// Error implements the error interface.
func (e *RoutingError) Error() string {
	msg := fmt.Sprintf("%s: %s (entity=%s", e.Code, e.Message, e.EntityType)
	if e.Rule != "" {
		msg += ", rule=" + e.Rule
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RoutingError) Unwrap() error {
	return e.Err
}

// IsRoutingError returns true if the error is a routing error.
// Uses errors.As to handle wrapped errors.
func IsRoutingError(err error) bool {
	var re *RoutingError
	return errors.As(err, &re)
}

// ErrCommitInProgress is returned by Commit when ctx is cancelled while
// waiting for another commit attempt on the same Router.
var ErrCommitInProgress = errors.New("commit in progress")
