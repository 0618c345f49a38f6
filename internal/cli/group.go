package cli

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/groupcast/internal/broadcast"
	"github.com/roach88/groupcast/internal/ir"
)

// GroupOptions holds flags for the group command.
type GroupOptions struct {
	*RootOptions
	Identity bool // address the primary-key group
}

// GroupResult is the JSON output of the group command.
type GroupResult struct {
	Entity     string         `json:"entity"`
	Identity   bool           `json:"identity,omitempty"`
	Properties map[string]any `json:"properties"`
	GroupID    string         `json:"group_id"`
	Subject    string         `json:"subject"`
}

// NewGroupCommand creates the group command.
func NewGroupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GroupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "group <entity> <property=value>...",
		Short: "Print the identifier of a notification group",
		Long: `Print the identifier of the group addressed by an entity's property values.

The property names must equal one of the entity's grouping rules. With
--identity the values address the entity's primary-key group instead.
Values are parsed as null, true, false, integers or strings.

Examples:
  groupcast group Post CategoryId=1 IsVisible=true
  groupcast group Tag --identity PostId=1 Label=go`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGroup(opts, args[0], args[1:], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Identity, "identity", false, "address the primary-key group")

	return cmd
}

func runGroup(opts *GroupOptions, entityType string, pairs []string, cmd *cobra.Command) error {
	cfg, logger, err := opts.Resolve(cmd)
	if err != nil {
		return err
	}

	props, err := parsePairs(pairs)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid property", err)
	}

	specs, err := loadEntities(cfg.Specs.Dir)
	if err != nil {
		return err
	}
	md := newSpecMetadata(specs)
	rules, err := buildRules(specs, md, cfg, logger)
	if err != nil {
		return err
	}

	var groupID string
	if opts.Identity {
		spec, ok := md[entityType]
		if !ok {
			return NewExitError(ExitCommandError, fmt.Sprintf("unknown entity type %q", entityType))
		}
		keys := make(ir.Keys, 0, len(spec.Keys))
		for _, name := range spec.Keys {
			v, ok := props[name]
			if !ok {
				return NewExitError(ExitCommandError, fmt.Sprintf("%s key must name %v", entityType, spec.Keys))
			}
			keys = append(keys, ir.KeyValue{Name: name, Value: v})
		}
		if len(keys) != len(props) {
			return NewExitError(ExitCommandError, fmt.Sprintf("%s key must name %v", entityType, spec.Keys))
		}
		groupID, err = rules.IdentityGroupFor(entityType, keys)
	} else {
		groupID, err = rules.GroupFor(entityType, props)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "cannot resolve group", err)
	}

	pub := broadcast.NewNATSPublisher(nil, broadcast.WithSubjectPrefix(cfg.NATS.SubjectPrefix))
	result := GroupResult{
		Entity:     entityType,
		Identity:   opts.Identity,
		Properties: make(map[string]any, len(props)),
		GroupID:    groupID,
		Subject:    pub.Subject(groupID),
	}
	for name, v := range props {
		result.Properties[name] = ir.ToAny(v)
	}

	formatter := opts.formatter(cmd)
	if formatter.JSON() {
		return formatter.Success(result)
	}
	fmt.Fprintln(formatter.Writer, groupID)
	formatter.Debugf("subject: %s", result.Subject)
	return nil
}

// parsePairs parses name=value arguments.
func parsePairs(pairs []string) (map[string]ir.Value, error) {
	out := make(map[string]ir.Value, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%q is not name=value", pair)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("%s given more than once", name)
		}
		out[name] = ir.ParseLiteral(raw)
	}
	return out, nil
}

// sortedKeys returns the keys of m in order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
