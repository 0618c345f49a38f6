package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/groupcast/internal/ir"
)

// Op is one change of a batch. Exactly one of Add, Update or Remove is set.
type Op struct {
	Add    *AddOp    `yaml:"add,omitempty" json:"add,omitempty"`
	Update *UpdateOp `yaml:"update,omitempty" json:"update,omitempty"`
	Remove *RemoveOp `yaml:"remove,omitempty" json:"remove,omitempty"`
}

// AddOp inserts a new entity.
type AddOp struct {
	Type   string         `yaml:"type" json:"type"`
	Values map[string]any `yaml:"values" json:"values"`
}

// UpdateOp loads an entity by key and assigns Set.
type UpdateOp struct {
	Type string         `yaml:"type" json:"type"`
	Key  map[string]any `yaml:"key" json:"key"`
	Set  map[string]any `yaml:"set" json:"set"`
}

// RemoveOp loads an entity by key and deletes it.
type RemoveOp struct {
	Type string         `yaml:"type" json:"type"`
	Key  map[string]any `yaml:"key" json:"key"`
}

// Batch is one unit of work.
type Batch struct {
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	Ops  []Op   `yaml:"ops" json:"ops"`
}

// DecodeBatches reads every YAML document of r as a Batch. Unknown fields
// are rejected.
func DecodeBatches(r io.Reader) ([]Batch, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read batches: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var batches []Batch
	for {
		var b Batch
		err := dec.Decode(&b)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", len(batches), err)
		}
		for i, op := range b.Ops {
			if err := op.validate(); err != nil {
				return nil, fmt.Errorf("batch %d op %d: %w", len(batches), i, err)
			}
		}
		batches = append(batches, b)
	}
	return batches, nil
}

func (op Op) validate() error {
	n := 0
	typ := ""
	if op.Add != nil {
		n++
		typ = op.Add.Type
	}
	if op.Update != nil {
		n++
		typ = op.Update.Type
	}
	if op.Remove != nil {
		n++
		typ = op.Remove.Type
	}
	if n != 1 {
		return errors.New("exactly one of add, update or remove is required")
	}
	if typ == "" {
		return errors.New("type is required")
	}
	return nil
}

// Apply stages ops on the session. Nothing is written until Commit. It
// returns the entities touched, in op order.
func (s *Session) Apply(ctx context.Context, ops []Op) ([]*ir.Entity, error) {
	out := make([]*ir.Entity, 0, len(ops))
	for i, op := range ops {
		if err := op.validate(); err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		e, err := s.applyOp(ctx, op)
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Session) applyOp(ctx context.Context, op Op) (*ir.Entity, error) {
	switch {
	case op.Add != nil:
		values, err := toObject(op.Add.Values)
		if err != nil {
			return nil, fmt.Errorf("add %s: %w", op.Add.Type, err)
		}
		e := ir.NewEntity(op.Add.Type, values)
		return e, s.Add(e)

	case op.Update != nil:
		e, err := s.findByKey(ctx, op.Update.Type, op.Update.Key)
		if err != nil {
			return nil, fmt.Errorf("update: %w", err)
		}
		names := make([]string, 0, len(op.Update.Set))
		for name := range op.Update.Set {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			if err := e.Set(name, op.Update.Set[name]); err != nil {
				return nil, fmt.Errorf("update %s.%s: %w", e.Type, name, err)
			}
		}
		return e, nil

	default:
		e, err := s.findByKey(ctx, op.Remove.Type, op.Remove.Key)
		if err != nil {
			return nil, fmt.Errorf("remove: %w", err)
		}
		return e, s.Remove(e)
	}
}

func (s *Session) findByKey(ctx context.Context, entityType string, key map[string]any) (*ir.Entity, error) {
	spec, err := s.spec(entityType)
	if err != nil {
		return nil, err
	}
	if len(key) != len(spec.Keys) {
		return nil, fmt.Errorf("%s key must name %v", entityType, spec.Keys)
	}
	values := make([]ir.Value, len(spec.Keys))
	for i, name := range spec.Keys {
		raw, ok := key[name]
		if !ok {
			return nil, fmt.Errorf("%s key must name %v", entityType, spec.Keys)
		}
		v, err := ir.FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("%s key %s: %w", entityType, name, err)
		}
		values[i] = v
	}
	return s.Find(ctx, entityType, values...)
}

func toObject(m map[string]any) (ir.Object, error) {
	out := make(ir.Object, len(m))
	for k, raw := range m {
		v, err := ir.FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}
