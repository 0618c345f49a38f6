package ir

import (
	"fmt"
	"slices"
)

// Entity is a tracked domain object. Two entities are the same object only
// if they are the same pointer; equal values do not make equal entities.
type Entity struct {
	Type   string
	values Object
}

// NewEntity creates an entity of the given type with the given values.
func NewEntity(entityType string, values Object) *Entity {
	if values == nil {
		values = Object{}
	}
	return &Entity{Type: entityType, values: values.Clone()}
}

// Get returns the value of a property, or Null if it is unset.
func (e *Entity) Get(name string) Value {
	if v, ok := e.values[name]; ok && v != nil {
		return v
	}
	return Null{}
}

// Has reports whether the property has been set.
func (e *Entity) Has(name string) bool {
	_, ok := e.values[name]
	return ok
}

// Set assigns a property from any value FromAny accepts.
func (e *Entity) Set(name string, v any) error {
	val, err := FromAny(v)
	if err != nil {
		return fmt.Errorf("set %s.%s: %w", e.Type, name, err)
	}
	if e.values == nil {
		e.values = Object{}
	}
	e.values[name] = val
	return nil
}

// Values returns a copy of the entity's property values.
func (e *Entity) Values() Object {
	return e.values.Clone()
}

// Snapshot returns the values of names, with Null for unset properties.
func (e *Entity) Snapshot(names []string) Object {
	out := make(Object, len(names))
	for _, name := range names {
		out[name] = e.Get(name)
	}
	return out
}

// String renders the entity for logs.
func (e *Entity) String() string {
	names := make([]string, 0, len(e.values))
	for k := range e.values {
		names = append(names, k)
	}
	slices.Sort(names)
	s := e.Type + "{"
	for i, k := range names {
		if i > 0 {
			s += " "
		}
		s += k + "=" + Format(e.values[k])
	}
	return s + "}"
}
