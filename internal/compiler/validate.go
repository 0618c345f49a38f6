package compiler

import (
	"fmt"
	"regexp"

	"github.com/roach88/groupcast/internal/ir"
)

// Validation error codes (E100-E199)
const (
	// General validation errors (E100)
	ErrUnsupportedIRType = "E100" // unsupported IR type for validation

	// EntitySpec errors (E101-E109)
	ErrKeyMissing         = "E101" // at least one key property required
	ErrKeyNotProperty     = "E102" // key names an undeclared property
	ErrInvalidName        = "E103" // entity, table or property name is not an identifier
	ErrInvalidFieldType   = "E104" // invalid type string
	ErrDuplicateName      = "E105" // duplicate property or entity name
	ErrFloatTypeForbidden = "E106" // float types not allowed
	ErrUnknownGroupProp   = "E107" // grouping rule names an undeclared property
	ErrInvalidForeignKey  = "E108" // foreign key property or reference invalid
	ErrInvalidAutoKey     = "E109" // auto_key requires a single int key
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// identPattern restricts names to what can be used unquoted as a SQL
// identifier and a NATS subject token.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate validates compiled IR against schema rules.
// Returns all errors found (does not fail-fast).
func Validate(v any) []ValidationError {
	switch spec := v.(type) {
	case *ir.EntitySpec:
		return validateEntitySpec(spec)
	case ir.EntitySpec:
		return validateEntitySpec(&spec)
	case []ir.EntitySpec:
		return ValidateSpecs(spec)
	default:
		return []ValidationError{{
			Field:   "type",
			Message: fmt.Sprintf("unsupported IR type: %T", v),
			Code:    ErrUnsupportedIRType,
		}}
	}
}

// ValidateSpecs validates each spec and the references between them.
// Foreign keys must reference a declared entity type.
func ValidateSpecs(specs []ir.EntitySpec) []ValidationError {
	var errs []ValidationError

	names := make(map[string]bool, len(specs))
	tables := make(map[string]string, len(specs))
	for i := range specs {
		spec := &specs[i]
		errs = append(errs, validateEntitySpec(spec)...)

		if names[spec.Name] {
			errs = append(errs, ValidationError{
				Field:   "entity." + spec.Name,
				Message: "duplicate entity name",
				Code:    ErrDuplicateName,
			})
		}
		names[spec.Name] = true

		if other, ok := tables[spec.Table]; ok && spec.Table != "" {
			errs = append(errs, ValidationError{
				Field:   "entity." + spec.Name + ".table",
				Message: fmt.Sprintf("table %q already used by %s", spec.Table, other),
				Code:    ErrDuplicateName,
			})
		}
		tables[spec.Table] = spec.Name
	}

	for _, spec := range specs {
		for _, fk := range spec.ForeignKeys {
			if !names[fk.References] {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("entity.%s.foreign_keys.%s", spec.Name, fk.Property),
					Message: fmt.Sprintf("references undeclared entity %q", fk.References),
					Code:    ErrInvalidForeignKey,
				})
			}
		}
	}

	return errs
}

func validateEntitySpec(spec *ir.EntitySpec) []ValidationError {
	var errs []ValidationError
	field := func(f string) string { return "entity." + spec.Name + "." + f }

	if !identPattern.MatchString(spec.Name) {
		errs = append(errs, ValidationError{
			Field:   "entity",
			Message: fmt.Sprintf("invalid entity name %q", spec.Name),
			Code:    ErrInvalidName,
		})
	}
	if !identPattern.MatchString(spec.Table) {
		errs = append(errs, ValidationError{
			Field:   field("table"),
			Message: fmt.Sprintf("invalid table name %q", spec.Table),
			Code:    ErrInvalidName,
		})
	}

	seen := make(map[string]bool, len(spec.Properties))
	for _, p := range spec.Properties {
		if !identPattern.MatchString(p.Name) {
			errs = append(errs, ValidationError{
				Field:   field("properties"),
				Message: fmt.Sprintf("invalid property name %q", p.Name),
				Code:    ErrInvalidName,
			})
		}
		if seen[p.Name] {
			errs = append(errs, ValidationError{
				Field:   field("properties." + p.Name),
				Message: "duplicate property name",
				Code:    ErrDuplicateName,
			})
		}
		seen[p.Name] = true
		errs = append(errs, validateFieldType(field("properties."+p.Name), p.Type)...)
	}

	// E101: at least one key
	if len(spec.Keys) == 0 {
		errs = append(errs, ValidationError{
			Field:   field("key"),
			Message: "at least one key property is required",
			Code:    ErrKeyMissing,
		})
	}
	keySeen := make(map[string]bool, len(spec.Keys))
	for _, k := range spec.Keys {
		if !seen[k] {
			errs = append(errs, ValidationError{
				Field:   field("key"),
				Message: fmt.Sprintf("key %q is not a declared property", k),
				Code:    ErrKeyNotProperty,
			})
		}
		if keySeen[k] {
			errs = append(errs, ValidationError{
				Field:   field("key"),
				Message: fmt.Sprintf("key %q listed twice", k),
				Code:    ErrDuplicateName,
			})
		}
		keySeen[k] = true
	}

	if spec.AutoKey {
		if len(spec.Keys) != 1 {
			errs = append(errs, ValidationError{
				Field:   field("auto_key"),
				Message: "auto_key requires exactly one key property",
				Code:    ErrInvalidAutoKey,
			})
		} else if p, ok := spec.Property(spec.Keys[0]); ok && p.Type != ir.TypeInt {
			errs = append(errs, ValidationError{
				Field:   field("auto_key"),
				Message: fmt.Sprintf("auto_key property %q must be int, got %s", p.Name, p.Type),
				Code:    ErrInvalidAutoKey,
			})
		}
	}

	fkSeen := make(map[string]bool, len(spec.ForeignKeys))
	for _, fk := range spec.ForeignKeys {
		if !seen[fk.Property] {
			errs = append(errs, ValidationError{
				Field:   field("foreign_keys." + fk.Property),
				Message: "foreign key is not a declared property",
				Code:    ErrInvalidForeignKey,
			})
		}
		if fkSeen[fk.Property] {
			errs = append(errs, ValidationError{
				Field:   field("foreign_keys." + fk.Property),
				Message: "duplicate foreign key",
				Code:    ErrDuplicateName,
			})
		}
		fkSeen[fk.Property] = true
		if fk.References == "" {
			errs = append(errs, ValidationError{
				Field:   field("foreign_keys." + fk.Property),
				Message: "foreign key must name the referenced entity",
				Code:    ErrInvalidForeignKey,
			})
		}
	}

	for i, group := range spec.Groups {
		inGroup := make(map[string]bool, len(group))
		for _, name := range group {
			if !seen[name] {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("%s[%d]", field("groups"), i),
					Message: fmt.Sprintf("unknown property %q", name),
					Code:    ErrUnknownGroupProp,
				})
			}
			if inGroup[name] {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("%s[%d]", field("groups"), i),
					Message: fmt.Sprintf("property %q listed twice", name),
					Code:    ErrDuplicateName,
				})
			}
			inGroup[name] = true
		}
	}

	for _, name := range spec.PropertyGroups {
		if !seen[name] {
			errs = append(errs, ValidationError{
				Field:   field("property_groups"),
				Message: fmt.Sprintf("unknown property %q", name),
				Code:    ErrUnknownGroupProp,
			})
		}
	}

	return errs
}

// validateFieldType validates a property type string.
func validateFieldType(field, typeName string) []ValidationError {
	if typeName == "float" || typeName == "number" {
		return []ValidationError{{
			Field:   field,
			Message: "float types are forbidden - use int instead",
			Code:    ErrFloatTypeForbidden,
		}}
	}
	if !ir.ValidPropertyTypes[typeName] {
		return []ValidationError{{
			Field:   field,
			Message: fmt.Sprintf("invalid type %q (must be string, int or bool)", typeName),
			Code:    ErrInvalidFieldType,
		}}
	}
	return nil
}
