package ir

// Property type names accepted in entity specs.
const (
	TypeString = "string"
	TypeInt    = "int"
	TypeBool   = "bool"
)

// ValidPropertyTypes defines allowed property types.
var ValidPropertyTypes = map[string]bool{
	TypeString: true,
	TypeInt:    true,
	TypeBool:   true,
}

// EntitySpec represents a compiled entity declaration.
type EntitySpec struct {
	Name           string           `json:"name"`
	Table          string           `json:"table"`
	Keys           []string         `json:"keys"`
	AutoKey        bool             `json:"auto_key"`
	Properties     []PropertySpec   `json:"properties"`
	ForeignKeys    []ForeignKeySpec `json:"foreign_keys,omitempty"`
	Groups         [][]string       `json:"groups,omitempty"`
	PropertyGroups []string         `json:"property_groups,omitempty"`
}

// PropertySpec is one scalar property and its type.
type PropertySpec struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ForeignKeySpec marks a property as referencing another entity type.
type ForeignKeySpec struct {
	Property   string `json:"property"`
	References string `json:"references"`
}

// PropertyNames returns the scalar property names in declaration order.
func (s EntitySpec) PropertyNames() []string {
	out := make([]string, len(s.Properties))
	for i, p := range s.Properties {
		out[i] = p.Name
	}
	return out
}

// Property returns the property spec for name.
func (s EntitySpec) Property(name string) (PropertySpec, bool) {
	for _, p := range s.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return PropertySpec{}, false
}

// Metadata derives the type metadata a Store reports for this entity.
func (s EntitySpec) Metadata() TypeMetadata {
	md := TypeMetadata{
		Properties:    s.PropertyNames(),
		KeyProperties: append([]string(nil), s.Keys...),
	}
	for _, fk := range s.ForeignKeys {
		md.ForeignKeyProperties = append(md.ForeignKeyProperties, fk.Property)
		md.NavigationProperties = append(md.NavigationProperties, fk.References)
	}
	return md
}

// TypeMetadata describes an entity type as known to a Store.
type TypeMetadata struct {
	Properties           []string `json:"properties"`
	KeyProperties        []string `json:"key_properties"`
	NavigationProperties []string `json:"navigation_properties,omitempty"`
	ForeignKeyProperties []string `json:"foreign_key_properties,omitempty"`
}

// HasProperty reports whether name is a scalar property of the type.
func (m TypeMetadata) HasProperty(name string) bool {
	for _, p := range m.Properties {
		if p == name {
			return true
		}
	}
	return false
}
