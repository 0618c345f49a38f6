package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/groupcast/internal/ir"
	"github.com/roach88/groupcast/internal/store"
)

// Scenario defines one end-to-end change scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Specs is the directory of CUE entity specs. Relative paths are
	// resolved against the scenario file.
	Specs string `yaml:"specs"`

	// Owner is the subscription owner the Router dispatches under.
	Owner string `yaml:"owner,omitempty"`

	// ForeignKeyGroups adds a single-property group per foreign key.
	ForeignKeyGroups bool `yaml:"foreign_key_groups,omitempty"`

	// Setup ops are committed before the flow without a Router, so they
	// produce no notifications.
	Setup []store.Op `yaml:"setup,omitempty"`

	// Flow steps are committed one by one through the Router.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the trace and the final store contents.
	Assertions []Assertion `yaml:"assertions"`
}

// FlowStep is one unit of work.
type FlowStep struct {
	Name   string        `yaml:"name"`
	Ops    []store.Op    `yaml:"ops"`
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected commit outcome of a step.
type ExpectClause struct {
	// Rows is the expected number of affected rows.
	Rows *int `yaml:"rows,omitempty"`

	// Error, when set, requires the commit to fail with an error whose
	// message contains it.
	Error string `yaml:"error,omitempty"`
}

// NotificationMatch selects notifications. Empty fields match anything.
type NotificationMatch struct {
	Entity string `yaml:"entity,omitempty"`
	Change string `yaml:"change,omitempty"`

	// Group holds the rule property values addressing the group.
	Group map[string]any `yaml:"group,omitempty"`

	// Identity holds the key values addressing the identity group.
	Identity map[string]any `yaml:"identity,omitempty"`

	// Keys is a subset of the notified entity's key values.
	Keys map[string]any `yaml:"keys,omitempty"`
}

// Assertion validates the trace or the final store contents.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// NotificationMatch is used by notification_contains and
	// notification_count.
	NotificationMatch `yaml:",inline"`

	// Count is the expected number of matches (notification_count).
	Count int `yaml:"count,omitempty"`

	// Sequence is the expected order (notification_order).
	Sequence []NotificationMatch `yaml:"sequence,omitempty"`

	// Where and Expect select and check one stored entity (final_state).
	// Entity names its type.
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertNotificationContains = "notification_contains"
	AssertNotificationOrder    = "notification_order"
	AssertNotificationCount    = "notification_count"
	AssertFinalState           = "final_state"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected and the spec directory is resolved against the file's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	if scenario.Specs != "" && !filepath.IsAbs(scenario.Specs) {
		scenario.Specs = filepath.Join(filepath.Dir(path), scenario.Specs)
	}

	if err := validateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return scenario, nil
}

// ParseScenario decodes scenario YAML without validating it.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches typos like "assertion:"
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Specs == "" {
		return fmt.Errorf("specs directory is required")
	}
	if info, err := os.Stat(s.Specs); err != nil || !info.IsDir() {
		return fmt.Errorf("specs directory not found: %s", s.Specs)
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Flow {
		if step.Name == "" {
			return fmt.Errorf("flow[%d]: name is required", i)
		}
		if len(step.Ops) == 0 {
			return fmt.Errorf("flow[%d]: ops list is required and must be non-empty", i)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertNotificationContains:
		if err := validateMatch(a.NotificationMatch); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
	case AssertNotificationCount:
		if err := validateMatch(a.NotificationMatch); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for notification_count", index)
		}
	case AssertNotificationOrder:
		if len(a.Sequence) < 2 {
			return fmt.Errorf("assertions[%d]: sequence needs at least two entries for notification_order", index)
		}
		for j, m := range a.Sequence {
			if err := validateMatch(m); err != nil {
				return fmt.Errorf("assertions[%d].sequence[%d]: %w", index, j, err)
			}
		}
	case AssertFinalState:
		if a.Entity == "" {
			return fmt.Errorf("assertions[%d]: entity is required for final_state", index)
		}
		if len(a.Where) == 0 {
			return fmt.Errorf("assertions[%d]: where is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func validateMatch(m NotificationMatch) error {
	if m.Change != "" {
		if _, err := ir.ParseGroupChange(m.Change); err != nil {
			return err
		}
	}
	if m.Group != nil && m.Identity != nil {
		return fmt.Errorf("group and identity are mutually exclusive")
	}
	if (m.Group != nil || m.Identity != nil) && m.Entity == "" {
		return fmt.Errorf("entity is required to address a group")
	}
	return nil
}
