package compiler

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"

	"github.com/roach88/groupcast/internal/ir"
)

// CompileEntity parses a CUE value into an EntitySpec.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The CUE value should be the entity struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`entity: Post: { ... }`)
//	spec, err := CompileEntity(v.LookupPath(cue.ParsePath("entity.Post")))
//
// Entity struct fields:
//
//	table:           string            (default: lower-cased name)
//	key:             [...string]       (required)
//	auto_key:        bool              (store-generated single int key)
//	properties:      {Name: type, ...} (string, int, bool; `| null` allowed)
//	foreign_keys:    {Property: "EntityType", ...}
//	groups:          [[...string], ...]
//	property_groups: [...string]
func CompileEntity(v cue.Value) (*ir.EntitySpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	spec := &ir.EntitySpec{}

	labels := v.Path().Selectors()
	if len(labels) > 0 {
		spec.Name = labels[len(labels)-1].String()
	}

	table, err := optionalString(v, "table")
	if err != nil {
		return nil, err
	}
	if table == "" {
		table = strings.ToLower(spec.Name)
	}
	spec.Table = table

	spec.Keys, err = stringList(v, "key")
	if err != nil {
		return nil, err
	}
	if len(spec.Keys) == 0 {
		return nil, &CompileError{
			Field:   "key",
			Message: "at least one key property is required",
			Pos:     v.Pos(),
		}
	}

	autoVal := v.LookupPath(cue.ParsePath("auto_key"))
	if autoVal.Exists() {
		spec.AutoKey, err = autoVal.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
	}

	spec.Properties, err = parseProperties(v)
	if err != nil {
		return nil, err
	}
	if len(spec.Properties) == 0 {
		return nil, &CompileError{
			Field:   "properties",
			Message: "at least one property is required",
			Pos:     v.Pos(),
		}
	}

	spec.ForeignKeys, err = parseForeignKeys(v)
	if err != nil {
		return nil, err
	}

	groupsVal := v.LookupPath(cue.ParsePath("groups"))
	if groupsVal.Exists() {
		iter, err := groupsVal.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			var group []string
			if err := iter.Value().Decode(&group); err != nil {
				return nil, &CompileError{
					Field:   "groups",
					Message: "each group must be a list of property names",
					Pos:     iter.Value().Pos(),
				}
			}
			spec.Groups = append(spec.Groups, group)
		}
	}

	spec.PropertyGroups, err = stringList(v, "property_groups")
	if err != nil {
		return nil, err
	}

	return spec, nil
}

// parseProperties extracts property declarations in declaration order.
func parseProperties(v cue.Value) ([]ir.PropertySpec, error) {
	propsVal := v.LookupPath(cue.ParsePath("properties"))
	if !propsVal.Exists() {
		return nil, nil
	}

	iter, err := propsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var props []ir.PropertySpec
	for iter.Next() {
		typeName, err := extractTypeName(iter.Value())
		if err != nil {
			return nil, err
		}
		props = append(props, ir.PropertySpec{Name: iter.Label(), Type: typeName})
	}
	return props, nil
}

func parseForeignKeys(v cue.Value) ([]ir.ForeignKeySpec, error) {
	fkVal := v.LookupPath(cue.ParsePath("foreign_keys"))
	if !fkVal.Exists() {
		return nil, nil
	}

	iter, err := fkVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var fks []ir.ForeignKeySpec
	for iter.Next() {
		ref, err := iter.Value().String()
		if err != nil {
			return nil, &CompileError{
				Field:   "foreign_keys",
				Message: fmt.Sprintf("foreign key %s must name an entity type", iter.Label()),
				Pos:     iter.Value().Pos(),
			}
		}
		fks = append(fks, ir.ForeignKeySpec{Property: iter.Label(), References: ref})
	}
	return fks, nil
}

// extractTypeName converts a CUE type to a property type name.
// A `| null` disjunct marks the property nullable and is ignored; all
// properties are nullable in storage. Floats are forbidden.
func extractTypeName(v cue.Value) (string, error) {
	kind := v.IncompleteKind() &^ cue.NullKind
	switch kind {
	case cue.StringKind:
		return ir.TypeString, nil
	case cue.IntKind:
		return ir.TypeInt, nil
	case cue.BoolKind:
		return ir.TypeBool, nil
	case cue.FloatKind, cue.NumberKind:
		return "", &CompileError{
			Field:   "type",
			Message: "float types are forbidden - use int instead",
			Pos:     v.Pos(),
		}
	default:
		return "", &CompileError{
			Field:   "type",
			Message: fmt.Sprintf("unsupported type kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

func optionalString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func stringList(v cue.Value, field string) ([]string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return nil, nil
	}
	var out []string
	if err := fv.Decode(&out); err != nil {
		return nil, &CompileError{
			Field:   field,
			Message: "must be a list of strings",
			Pos:     fv.Pos(),
		}
	}
	return out, nil
}
