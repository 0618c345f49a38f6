package grouping

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/groupcast/internal/ir"
)

// Declaration is the grouping registration data for one entity type.
//
// Each entry of TypeGroups is a multi-property rule. Each entry of
// PropertyGroups is a single-property rule.
type Declaration struct {
	EntityType     string     `json:"entity_type" yaml:"entity_type"`
	TypeGroups     [][]string `json:"type_groups,omitempty" yaml:"type_groups,omitempty"`
	PropertyGroups []string   `json:"property_groups,omitempty" yaml:"property_groups,omitempty"`
}

// DeclarationsFromSpecs derives declarations from compiled entity specs.
func DeclarationsFromSpecs(specs []ir.EntitySpec) []Declaration {
	out := make([]Declaration, 0, len(specs))
	for _, s := range specs {
		out = append(out, Declaration{
			EntityType:     s.Name,
			TypeGroups:     s.Groups,
			PropertyGroups: s.PropertyGroups,
		})
	}
	return out
}

// MetadataSource reports the shape of an entity type. Stores implement it.
type MetadataSource interface {
	ResolveTypeMetadata(entityType string) (ir.TypeMetadata, error)
}

// Option configures a Registry.
type Option func(*Registry)

// WithMetadata checks declared properties against the source and enables
// foreign-key rules.
func WithMetadata(src MetadataSource) Option {
	return func(r *Registry) {
		r.metadata = src
	}
}

// WithForeignKeyRules adds a single-property rule for every foreign key the
// MetadataSource reports. Has no effect without WithMetadata.
func WithForeignKeyRules(enabled bool) Option {
	return func(r *Registry) {
		r.foreignKeys = enabled
	}
}

// WithLogger sets the logger used for resolution diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// Registry resolves and caches the grouping rules of each entity type.
// It is safe for concurrent use.
type Registry struct {
	decls       map[string]Declaration
	metadata    MetadataSource
	foreignKeys bool
	logger      *slog.Logger

	cache sync.Map // entity type -> *cacheEntry
}

type cacheEntry struct {
	once  sync.Once
	rules []ir.GroupingRule
	err   error
}

// New creates a Registry from declarations. Declarations naming the same
// entity type are merged.
func New(decls []Declaration, opts ...Option) (*Registry, error) {
	r := &Registry{
		decls:  make(map[string]Declaration, len(decls)),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	for i, d := range decls {
		if strings.TrimSpace(d.EntityType) == "" {
			return nil, fmt.Errorf("declaration %d: entity type is required", i)
		}
		merged := r.decls[d.EntityType]
		merged.EntityType = d.EntityType
		merged.TypeGroups = append(merged.TypeGroups, d.TypeGroups...)
		merged.PropertyGroups = append(merged.PropertyGroups, d.PropertyGroups...)
		r.decls[d.EntityType] = merged
	}

	return r, nil
}

// DeclaredTypes returns the entity types with declarations, sorted.
func (r *Registry) DeclaredTypes() []string {
	out := make([]string, 0, len(r.decls))
	for t := range r.decls {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// RulesFor returns the rules of entityType sorted by Key.
//
// Resolution happens at most once per type; later calls, including
// concurrent ones, observe the same result. A type with no declarations
// and no foreign-key rules has no rules.
func (r *Registry) RulesFor(entityType string) ([]ir.GroupingRule, error) {
	v, _ := r.cache.LoadOrStore(entityType, &cacheEntry{})
	entry := v.(*cacheEntry)
	entry.once.Do(func() {
		entry.rules, entry.err = r.resolve(entityType)
		if entry.err == nil {
			r.logger.Debug("grouping rules resolved",
				"entity_type", entityType,
				"rules", len(entry.rules),
			)
		}
	})
	if entry.err != nil {
		return nil, entry.err
	}
	return cloneRules(entry.rules), nil
}

// Validate resolves every declared type so configuration errors surface
// before the first commit.
func (r *Registry) Validate() error {
	var errs []error
	for _, t := range r.DeclaredTypes() {
		if _, err := r.RulesFor(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GroupFor returns the identifier of the group addressed by props.
// The property names must equal the property set of one of the type's rules.
func (r *Registry) GroupFor(entityType string, props map[string]ir.Value) (string, error) {
	rules, err := r.RulesFor(entityType)
	if err != nil {
		return "", err
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}

	for _, rule := range rules {
		if !rule.Matches(names) {
			continue
		}
		values := make([]ir.Value, len(rule.PropertyNames))
		for i, name := range rule.PropertyNames {
			values[i] = props[name]
		}
		return ir.GroupID(rule, values)
	}

	slices.Sort(names)
	return "", fmt.Errorf("%s(%s): %w", entityType, strings.Join(names, ","), ErrNoMatchingRule)
}

// IdentityGroupFor returns the identifier of the entity's reserved
// primary-key group. With a MetadataSource the key names are checked
// against the type's key properties.
func (r *Registry) IdentityGroupFor(entityType string, keys ir.Keys) (string, error) {
	if r.metadata != nil {
		md, err := r.metadata.ResolveTypeMetadata(entityType)
		if err != nil {
			return "", &ConfigError{EntityType: entityType, Message: "resolve metadata", Err: err}
		}
		if !slices.Equal(keys.Names(), md.KeyProperties) {
			return "", &ConfigError{
				EntityType: entityType,
				Rule:       keys.Names(),
				Message:    fmt.Sprintf("key properties are %v", md.KeyProperties),
			}
		}
	}
	return ir.IdentityGroupID(entityType, keys)
}

func (r *Registry) resolve(entityType string) ([]ir.GroupingRule, error) {
	decl, declared := r.decls[entityType]

	var md *ir.TypeMetadata
	if r.metadata != nil && (declared || r.foreignKeys) {
		m, err := r.metadata.ResolveTypeMetadata(entityType)
		if err != nil {
			return nil, &ConfigError{EntityType: entityType, Message: "resolve metadata", Err: err}
		}
		md = &m
	}

	seen := make(map[string]bool)
	var rules []ir.GroupingRule
	add := func(names []string) error {
		if err := checkRule(entityType, names, md); err != nil {
			return err
		}
		rule := ir.NewGroupingRule(entityType, names...)
		if seen[rule.Key()] {
			return nil
		}
		seen[rule.Key()] = true
		rules = append(rules, rule)
		return nil
	}

	for _, group := range decl.TypeGroups {
		if len(group) == 0 {
			continue
		}
		if err := add(group); err != nil {
			return nil, err
		}
	}
	for _, name := range decl.PropertyGroups {
		if err := add([]string{name}); err != nil {
			return nil, err
		}
	}
	if r.foreignKeys && md != nil {
		for _, fk := range md.ForeignKeyProperties {
			if err := add([]string{fk}); err != nil {
				return nil, err
			}
		}
	}

	sort.Slice(rules, func(i, j int) bool {
		return rules[i].Key() < rules[j].Key()
	})
	return rules, nil
}

func checkRule(entityType string, names []string, md *ir.TypeMetadata) error {
	set := make(map[string]bool, len(names))
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			return &ConfigError{EntityType: entityType, Rule: names, Message: "empty property name"}
		}
		if set[name] {
			return &ConfigError{
				EntityType: entityType,
				Rule:       names,
				Message:    fmt.Sprintf("property %q listed more than once", name),
			}
		}
		set[name] = true
		if md != nil && !md.HasProperty(name) {
			return &ConfigError{
				EntityType: entityType,
				Rule:       names,
				Message:    fmt.Sprintf("unknown property %q", name),
			}
		}
	}
	return nil
}

func cloneRules(rules []ir.GroupingRule) []ir.GroupingRule {
	out := make([]ir.GroupingRule, len(rules))
	for i, rule := range rules {
		out[i] = ir.GroupingRule{
			EntityType:    rule.EntityType,
			PropertyNames: slices.Clone(rule.PropertyNames),
		}
	}
	return out
}
