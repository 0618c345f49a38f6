package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/groupcast/internal/ir"
)

var (
	// ErrNotFound is returned by Find when no row has the given key.
	ErrNotFound = errors.New("entity not found")

	// ErrNotTracked is returned when an operation names an entity the
	// session does not track.
	ErrNotTracked = errors.New("entity not tracked")

	// ErrAlreadyTracked is returned when an entity is added or attached twice.
	ErrAlreadyTracked = errors.New("entity already tracked")

	// ErrConcurrencyConflict is returned by Commit when an updated or
	// deleted row no longer exists.
	ErrConcurrencyConflict = errors.New("row changed or deleted since it was loaded")
)

type entry struct {
	entity   *ir.Entity
	spec     ir.EntitySpec
	state    ir.EntryState
	original ir.Object
}

// Session is a unit of work over a Store. It is not safe for concurrent
// use; give each goroutine its own Session.
type Session struct {
	store      *Store
	entries    []*entry
	tracked    map[*ir.Entity]*entry
	autoDetect bool
}

// NewSession starts a unit of work.
func (s *Store) NewSession() *Session {
	return &Session{
		store:      s,
		tracked:    make(map[*ir.Entity]*entry),
		autoDetect: true,
	}
}

// Store returns the session's Store.
func (s *Session) Store() *Store {
	return s.store
}

// SetAutoDetectChanges controls whether pending changes are recomputed
// before they are enumerated. With it off, call DetectChanges explicitly.
func (s *Session) SetAutoDetectChanges(enabled bool) {
	s.autoDetect = enabled
}

// State returns the tracking state of e.
func (s *Session) State(e *ir.Entity) ir.EntryState {
	if en, ok := s.tracked[e]; ok {
		return en.state
	}
	return ir.StateDetached
}

// ResolveTypeMetadata reports the shape of entityType.
func (s *Session) ResolveTypeMetadata(entityType string) (ir.TypeMetadata, error) {
	return s.store.ResolveTypeMetadata(entityType)
}

// Add tracks e as a new entity to insert on Commit. Adding an entity that
// is pending deletion cancels the deletion.
func (s *Session) Add(e *ir.Entity) error {
	if en, ok := s.tracked[e]; ok {
		if en.state == ir.StateDeleted {
			en.state = ir.StateUnchanged
			return nil
		}
		return fmt.Errorf("add %s: %w", e.Type, ErrAlreadyTracked)
	}
	spec, err := s.spec(e.Type)
	if err != nil {
		return fmt.Errorf("add: %w", err)
	}
	if err := checkValues(spec, e); err != nil {
		return fmt.Errorf("add: %w", err)
	}
	s.track(&entry{entity: e, spec: spec, state: ir.StateAdded})
	return nil
}

// Attach tracks e as an existing, unchanged row. Its key properties must be
// set.
func (s *Session) Attach(e *ir.Entity) error {
	if _, ok := s.tracked[e]; ok {
		return fmt.Errorf("attach %s: %w", e.Type, ErrAlreadyTracked)
	}
	spec, err := s.spec(e.Type)
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	for _, k := range spec.Keys {
		if ir.IsNull(e.Get(k)) {
			return fmt.Errorf("attach %s: key %s is not set", e.Type, k)
		}
	}
	s.track(&entry{entity: e, spec: spec, state: ir.StateUnchanged, original: e.Snapshot(spec.PropertyNames())})
	return nil
}

// Remove marks e for deletion. Removing an entity added in this session
// stops tracking it.
func (s *Session) Remove(e *ir.Entity) error {
	en, ok := s.tracked[e]
	if !ok {
		return fmt.Errorf("remove %s: %w", e.Type, ErrNotTracked)
	}
	if en.state == ir.StateAdded {
		s.untrack(e)
		return nil
	}
	en.state = ir.StateDeleted
	return nil
}

// Find loads the entity of entityType with the given key values, in key
// declaration order. An entity already tracked by the session is returned
// as is.
func (s *Session) Find(ctx context.Context, entityType string, keys ...ir.Value) (*ir.Entity, error) {
	spec, err := s.spec(entityType)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	if len(keys) != len(spec.Keys) {
		return nil, fmt.Errorf("find %s: expected %d key values, got %d", entityType, len(spec.Keys), len(keys))
	}
	where := make(map[string]ir.Value, len(keys))
	for i, k := range spec.Keys {
		where[k] = keys[i]
	}
	found, err := s.Query(ctx, entityType, where)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("find %s%v: %w", entityType, keys, ErrNotFound)
	}
	return found[0], nil
}

// Query loads the entities of entityType whose properties equal where,
// ordered by primary key. A Null in where matches NULL columns.
func (s *Session) Query(ctx context.Context, entityType string, where map[string]ir.Value) ([]*ir.Entity, error) {
	spec, err := s.spec(entityType)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	names := spec.PropertyNames()
	cols := make([]string, len(names))
	for i, n := range names {
		cols[i] = quoteIdent(n)
	}

	filters := make([]string, 0, len(where))
	for name := range where {
		if _, ok := spec.Property(name); !ok {
			return nil, fmt.Errorf("query %s: unknown property %q", entityType, name)
		}
		filters = append(filters, name)
	}
	slices.Sort(filters)

	var (
		conds []string
		args  []any
	)
	for _, name := range filters {
		v := where[name]
		if ir.IsNull(v) {
			conds = append(conds, quoteIdent(name)+" IS NULL")
			continue
		}
		conds = append(conds, quoteIdent(name)+" = ?")
		args = append(args, toDriver(v))
	}

	order := make([]string, len(spec.Keys))
	for i, k := range spec.Keys {
		order[i] = quoteIdent(k) + " ASC"
	}

	q := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), quoteIdent(spec.Table))
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY " + strings.Join(order, ", ")

	rows, err := s.store.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", entityType, err)
	}
	defer rows.Close()

	var out []*ir.Entity
	for rows.Next() {
		raw := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("query %s: scan: %w", entityType, err)
		}

		values := make(ir.Object, len(names))
		for i, p := range spec.Properties {
			v, err := fromDriver(raw[i], p.Type)
			if err != nil {
				return nil, fmt.Errorf("query %s.%s: %w", entityType, p.Name, err)
			}
			values[p.Name] = v
		}

		out = append(out, s.materialize(spec, values))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", entityType, err)
	}
	return out, nil
}

// materialize returns the tracked entity for a loaded row, attaching a new
// one when the row is not tracked yet.
func (s *Session) materialize(spec ir.EntitySpec, values ir.Object) *ir.Entity {
	for _, en := range s.entries {
		if en.entity.Type != spec.Name || en.state == ir.StateAdded {
			continue
		}
		if sameKeys(spec.Keys, en.original, values) {
			return en.entity
		}
	}
	e := ir.NewEntity(spec.Name, values)
	s.track(&entry{entity: e, spec: spec, state: ir.StateUnchanged, original: values.Clone()})
	return e
}

// DetectChanges marks tracked rows whose current values differ from the
// loaded values as modified, and modified rows that were reverted as
// unchanged.
func (s *Session) DetectChanges() {
	for _, en := range s.entries {
		if en.state != ir.StateUnchanged && en.state != ir.StateModified {
			continue
		}
		en.state = ir.StateUnchanged
		for _, name := range en.spec.PropertyNames() {
			if !ir.Equal(en.original[name], en.entity.Get(name)) {
				en.state = ir.StateModified
				break
			}
		}
	}
}

// HasPendingChanges reports whether Commit would write anything.
func (s *Session) HasPendingChanges() bool {
	if s.autoDetect {
		s.DetectChanges()
	}
	for _, en := range s.entries {
		if isPending(en.state) {
			return true
		}
	}
	return false
}

// PendingEntries enumerates every tracked entity in tracking order.
func (s *Session) PendingEntries(ctx context.Context) ([]ir.TrackedEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.autoDetect {
		s.DetectChanges()
	}

	out := make([]ir.TrackedEntry, 0, len(s.entries))
	for _, en := range s.entries {
		names := en.spec.PropertyNames()
		te := ir.TrackedEntry{
			Entity:     en.entity,
			State:      en.state,
			Properties: names,
		}
		if en.state != ir.StateAdded {
			te.Original = en.original.Clone()
		}
		if en.state != ir.StateDeleted {
			te.Current = en.entity.Snapshot(names)
		}
		out = append(out, te)
	}
	return out, nil
}

// ResolveIdentity returns the primary key of e. Rows loaded from the
// database are identified by their loaded key; new entities by their
// current key values, which are unknown for store-generated keys until
// Commit.
func (s *Session) ResolveIdentity(e *ir.Entity) (ir.Keys, bool, error) {
	spec, err := s.spec(e.Type)
	if err != nil {
		return nil, false, err
	}

	source := e.Snapshot(spec.Keys)
	if en, ok := s.tracked[e]; ok && en.state != ir.StateAdded {
		source = en.original
	}

	keys := make(ir.Keys, len(spec.Keys))
	for i, k := range spec.Keys {
		v := source[k]
		if ir.IsNull(v) {
			return nil, false, nil
		}
		keys[i] = ir.KeyValue{Name: k, Value: v}
	}
	return keys, true, nil
}

// Commit writes every pending change in one transaction and returns the
// number of rows affected. On success inserted and updated entities become
// unchanged and deleted entities stop being tracked; on failure tracking is
// left as it was.
func (s *Session) Commit(ctx context.Context) (int, error) {
	if s.autoDetect {
		s.DetectChanges()
	}

	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("commit: begin transaction: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	type keyAssignment struct {
		entity *ir.Entity
		name   string
		value  ir.Int
	}
	var assigned []keyAssignment

	total := 0
	for _, en := range s.entries {
		var (
			n   int64
			err error
		)
		switch en.state {
		case ir.StateAdded:
			var id int64
			var generated bool
			n, id, generated, err = insertRow(ctx, tx, en)
			if generated {
				assigned = append(assigned, keyAssignment{entity: en.entity, name: en.spec.Keys[0], value: ir.Int(id)})
			}
		case ir.StateModified:
			n, err = updateRow(ctx, tx, en)
		case ir.StateDeleted:
			n, err = deleteRow(ctx, tx, en)
		default:
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("commit %s: %w", en.entity.Type, err)
		}
		total += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	for _, a := range assigned {
		if err := a.entity.Set(a.name, a.value); err != nil {
			return total, err
		}
	}
	s.acceptChanges()
	return total, nil
}

// acceptChanges resets tracking after a successful commit.
func (s *Session) acceptChanges() {
	kept := s.entries[:0]
	for _, en := range s.entries {
		if en.state == ir.StateDeleted {
			delete(s.tracked, en.entity)
			continue
		}
		en.state = ir.StateUnchanged
		en.original = en.entity.Snapshot(en.spec.PropertyNames())
		kept = append(kept, en)
	}
	s.entries = kept
}

func insertRow(ctx context.Context, tx *sql.Tx, en *entry) (n, id int64, generated bool, err error) {
	spec := en.spec
	var (
		cols, marks []string
		args        []any
	)
	for _, p := range spec.Properties {
		v := en.entity.Get(p.Name)
		if spec.AutoKey && p.Name == spec.Keys[0] && ir.IsNull(v) {
			generated = true
			continue
		}
		if !checkType(v, p.Type) {
			return 0, 0, false, fmt.Errorf("insert: %s is not a %s", p.Name, p.Type)
		}
		cols = append(cols, quoteIdent(p.Name))
		marks = append(marks, "?")
		args = append(args, toDriver(v))
	}

	var q string
	if len(cols) == 0 {
		q = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", quoteIdent(spec.Table))
	} else {
		q = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quoteIdent(spec.Table), strings.Join(cols, ", "), strings.Join(marks, ", "))
	}

	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, 0, false, fmt.Errorf("insert: %w", err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return 0, 0, false, fmt.Errorf("insert: rows affected: %w", err)
	}
	if generated {
		id, err = res.LastInsertId()
		if err != nil {
			return 0, 0, false, fmt.Errorf("insert: last insert id: %w", err)
		}
	}
	return n, id, generated, nil
}

func updateRow(ctx context.Context, tx *sql.Tx, en *entry) (int64, error) {
	spec := en.spec
	var (
		sets []string
		args []any
	)
	for _, p := range spec.Properties {
		v := en.entity.Get(p.Name)
		if ir.Equal(en.original[p.Name], v) {
			continue
		}
		if slices.Contains(spec.Keys, p.Name) {
			return 0, fmt.Errorf("update: key property %s cannot change", p.Name)
		}
		if !checkType(v, p.Type) {
			return 0, fmt.Errorf("update: %s is not a %s", p.Name, p.Type)
		}
		sets = append(sets, quoteIdent(p.Name)+" = ?")
		args = append(args, toDriver(v))
	}
	if len(sets) == 0 {
		return 0, nil
	}

	where, keyArgs := keyPredicate(spec, en.original)
	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s", quoteIdent(spec.Table), strings.Join(sets, ", "), where)
	res, err := tx.ExecContext(ctx, q, append(args, keyArgs...)...)
	if err != nil {
		return 0, fmt.Errorf("update: %w", err)
	}
	return checkAffected(res)
}

func deleteRow(ctx context.Context, tx *sql.Tx, en *entry) (int64, error) {
	where, args := keyPredicate(en.spec, en.original)
	q := fmt.Sprintf("DELETE FROM %s WHERE %s", quoteIdent(en.spec.Table), where)
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	return checkAffected(res)
}

func checkAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return 0, ErrConcurrencyConflict
	}
	return n, nil
}

func keyPredicate(spec ir.EntitySpec, values ir.Object) (string, []any) {
	conds := make([]string, len(spec.Keys))
	args := make([]any, len(spec.Keys))
	for i, k := range spec.Keys {
		conds[i] = quoteIdent(k) + " = ?"
		args[i] = toDriver(values[k])
	}
	return strings.Join(conds, " AND "), args
}

func (s *Session) spec(entityType string) (ir.EntitySpec, error) {
	spec, ok := s.store.specs[entityType]
	if !ok {
		return ir.EntitySpec{}, fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}
	return spec, nil
}

func (s *Session) track(en *entry) {
	s.entries = append(s.entries, en)
	s.tracked[en.entity] = en
}

func (s *Session) untrack(e *ir.Entity) {
	delete(s.tracked, e)
	s.entries = slices.DeleteFunc(s.entries, func(en *entry) bool { return en.entity == e })
}

func isPending(state ir.EntryState) bool {
	return state == ir.StateAdded || state == ir.StateModified || state == ir.StateDeleted
}

func sameKeys(keys []string, a, b ir.Object) bool {
	for _, k := range keys {
		if !ir.Equal(a[k], b[k]) {
			return false
		}
	}
	return true
}

func checkValues(spec ir.EntitySpec, e *ir.Entity) error {
	for name, v := range e.Values() {
		p, ok := spec.Property(name)
		if !ok {
			return fmt.Errorf("%s has no property %q", spec.Name, name)
		}
		if !checkType(v, p.Type) {
			return fmt.Errorf("%s.%s is not a %s", spec.Name, name, p.Type)
		}
	}
	return nil
}
