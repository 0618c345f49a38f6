// Package capture snapshots a Store's pending changes before they commit.
//
// A commit resets the Store's tracking state, so the before/after values of
// every changed entity must be read first. Capture produces one
// ir.ChangeRecord per added, modified or deleted entry, in the order the
// Store enumerates them.
package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/groupcast/internal/ir"
)

// Source is the part of a Store that Capture reads.
type Source interface {
	// HasPendingChanges reports whether any tracked entity is added,
	// modified or deleted.
	HasPendingChanges() bool

	// PendingEntries enumerates tracked entities with their states and
	// value snapshots.
	PendingEntries(ctx context.Context) ([]ir.TrackedEntry, error)

	// ResolveIdentity returns the primary key of a tracked entity. ok is
	// false when the key is not yet known.
	ResolveIdentity(entity *ir.Entity) (keys ir.Keys, ok bool, err error)
}

// CaptureError reports an entry that could not be snapshotted. The commit
// attempt is abandoned.
type CaptureError struct {
	Entity *ir.Entity
	Op     string
	Err    error
}

func (e *CaptureError) Error() string {
	if e.Entity == nil {
		return fmt.Sprintf("capture %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("capture %s %s: %v", e.Op, e.Entity.Type, e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// IsCaptureError returns true if the error is a capture error.
func IsCaptureError(err error) bool {
	var ce *CaptureError
	return errors.As(err, &ce)
}

// ErrSnapshotMismatch is wrapped by a CaptureError when an entry's snapshot
// does not cover its declared properties.
var ErrSnapshotMismatch = errors.New("snapshot does not match property list")

// ErrMissingIdentity is wrapped by a CaptureError when a modified or deleted
// entity has no primary key.
var ErrMissingIdentity = errors.New("identity unavailable")

// Capture returns a record for every added, modified or deleted entry of
// src. It must run before src commits. An empty, non-nil slice is returned
// when there is nothing to capture.
func Capture(ctx context.Context, src Source) ([]*ir.ChangeRecord, error) {
	records := []*ir.ChangeRecord{}
	if !src.HasPendingChanges() {
		return records, nil
	}

	entries, err := src.PendingEntries(ctx)
	if err != nil {
		return nil, &CaptureError{Op: "enumerate", Err: err}
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, &CaptureError{Op: "enumerate", Err: err}
		}

		var rec *ir.ChangeRecord
		switch entry.State {
		case ir.StateAdded:
			rec, err = captureInserted(entry)
		case ir.StateModified:
			rec, err = captureUpdated(src, entry)
		case ir.StateDeleted:
			rec, err = captureDeleted(src, entry)
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, nil
}

func captureInserted(entry ir.TrackedEntry) (*ir.ChangeRecord, error) {
	if err := checkSnapshot(entry, entry.Current, "current"); err != nil {
		return nil, err
	}
	props := make([]ir.PropertyDelta, len(entry.Properties))
	for i, name := range entry.Properties {
		props[i] = ir.PropertyDelta{Name: name, Before: ir.Null{}, After: orNull(entry.Current[name])}
	}
	// Store-generated keys are unknown until after commit.
	return ir.NewChangeRecord(entry.Entity, ir.Inserted, props, nil), nil
}

func captureUpdated(src Source, entry ir.TrackedEntry) (*ir.ChangeRecord, error) {
	if err := checkSnapshot(entry, entry.Original, "original"); err != nil {
		return nil, err
	}
	if err := checkSnapshot(entry, entry.Current, "current"); err != nil {
		return nil, err
	}
	keys, err := identity(src, entry)
	if err != nil {
		return nil, err
	}
	props := make([]ir.PropertyDelta, len(entry.Properties))
	for i, name := range entry.Properties {
		before, after := orNull(entry.Original[name]), orNull(entry.Current[name])
		props[i] = ir.PropertyDelta{
			Name:    name,
			Before:  before,
			After:   after,
			Changed: !ir.Equal(before, after),
		}
	}
	return ir.NewChangeRecord(entry.Entity, ir.Updated, props, keys), nil
}

func captureDeleted(src Source, entry ir.TrackedEntry) (*ir.ChangeRecord, error) {
	if err := checkSnapshot(entry, entry.Original, "original"); err != nil {
		return nil, err
	}
	keys, err := identity(src, entry)
	if err != nil {
		return nil, err
	}
	props := make([]ir.PropertyDelta, len(entry.Properties))
	for i, name := range entry.Properties {
		props[i] = ir.PropertyDelta{Name: name, Before: orNull(entry.Original[name]), After: ir.Null{}}
	}
	return ir.NewChangeRecord(entry.Entity, ir.Deleted, props, keys), nil
}

func identity(src Source, entry ir.TrackedEntry) (ir.Keys, error) {
	keys, ok, err := src.ResolveIdentity(entry.Entity)
	if err != nil {
		return nil, &CaptureError{Entity: entry.Entity, Op: "identity", Err: err}
	}
	if !ok || len(keys) == 0 {
		return nil, &CaptureError{Entity: entry.Entity, Op: "identity", Err: ErrMissingIdentity}
	}
	return keys, nil
}

func checkSnapshot(entry ir.TrackedEntry, snap ir.Object, which string) error {
	if entry.Entity == nil {
		return &CaptureError{Op: "snapshot", Err: errors.New("entry has no entity")}
	}
	if len(snap) != len(entry.Properties) {
		return &CaptureError{
			Entity: entry.Entity,
			Op:     "snapshot",
			Err:    fmt.Errorf("%s has %d values for %d properties: %w", which, len(snap), len(entry.Properties), ErrSnapshotMismatch),
		}
	}
	for _, name := range entry.Properties {
		if _, ok := snap[name]; !ok {
			return &CaptureError{
				Entity: entry.Entity,
				Op:     "snapshot",
				Err:    fmt.Errorf("%s lacks %q: %w", which, name, ErrSnapshotMismatch),
			}
		}
	}
	return nil
}

func orNull(v ir.Value) ir.Value {
	if v == nil {
		return ir.Null{}
	}
	return v
}
