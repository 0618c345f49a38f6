package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/groupcast/internal/ir"
)

func runGroupCmd(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewGroupCommand(&RootOptions{Format: format, SpecsDir: testSpecsDir})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestGroupCommand(t *testing.T) {
	out, err := runGroupCmd(t, "text", "Post", "IsVisible=true", "CategoryId=1")
	require.NoError(t, err)

	rule := ir.NewGroupingRule("Post", "CategoryId", "IsVisible")
	assert.Equal(t, ir.MustGroupID(rule, ir.Int(1), ir.Bool(true))+"\n", out)
}

func TestGroupCommandNullValue(t *testing.T) {
	out, err := runGroupCmd(t, "text", "Post", "CategoryId=null")
	require.NoError(t, err)

	rule := ir.NewGroupingRule("Post", "CategoryId")
	assert.Equal(t, ir.MustGroupID(rule, ir.Null{})+"\n", out)
}

func TestGroupCommandIdentity(t *testing.T) {
	out, err := runGroupCmd(t, "json", "Tag", "--identity", "Label=go", "PostId=1")
	require.NoError(t, err)

	var resp struct {
		Status string      `json:"status"`
		Data   GroupResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))

	want := ir.MustIdentityGroupID("Tag", ir.Keys{
		{Name: "PostId", Value: ir.Int(1)},
		{Name: "Label", Value: ir.String("go")},
	})
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Identity)
	assert.Equal(t, want, resp.Data.GroupID)
	assert.Equal(t, "groupcast.groups."+want, resp.Data.Subject)
	assert.Equal(t, "go", resp.Data.Properties["Label"])
}

func TestGroupCommandIdentityWrongKeys(t *testing.T) {
	_, err := runGroupCmd(t, "text", "Tag", "--identity", "PostId=1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "key must name")
}

func TestGroupCommandNoMatchingRule(t *testing.T) {
	_, err := runGroupCmd(t, "text", "Post", "Title=Hello")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "no grouping rule matches")
}

func TestGroupCommandBadPair(t *testing.T) {
	_, err := runGroupCmd(t, "text", "Post", "CategoryId")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestParsePairs(t *testing.T) {
	props, err := parsePairs([]string{"A=1", "B=true", "C=hello", `D="42"`, "E=null"})
	require.NoError(t, err)
	assert.Equal(t, map[string]ir.Value{
		"A": ir.Int(1),
		"B": ir.Bool(true),
		"C": ir.String("hello"),
		"D": ir.String("42"),
		"E": ir.Null{},
	}, props)

	_, err = parsePairs([]string{"A=1", "A=2"})
	assert.Error(t, err)
	_, err = parsePairs([]string{"=1"})
	assert.Error(t, err)
}
