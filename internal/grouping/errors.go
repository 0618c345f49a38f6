package grouping

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoMatchingRule is returned by GroupFor when no rule of the entity type
// covers exactly the given property names.
var ErrNoMatchingRule = errors.New("no grouping rule matches properties")

// ConfigError reports an invalid grouping declaration. It is raised when the
// entity type's rules are first resolved, or eagerly by Validate.
type ConfigError struct {
	EntityType string
	Rule       []string
	Message    string
	Err        error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "grouping %s", e.EntityType)
	if len(e.Rule) > 0 {
		fmt.Fprintf(&b, "(%s)", strings.Join(e.Rule, ","))
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsConfigError returns true if the error is a grouping configuration error.
// Uses errors.As to handle wrapped errors.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
