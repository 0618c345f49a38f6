package grouping

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/groupcast/internal/ir"
)

type fakeMetadata struct {
	types map[string]ir.TypeMetadata
	calls atomic.Int64
}

func (f *fakeMetadata) ResolveTypeMetadata(entityType string) (ir.TypeMetadata, error) {
	f.calls.Add(1)
	md, ok := f.types[entityType]
	if !ok {
		return ir.TypeMetadata{}, fmt.Errorf("unknown entity type %q", entityType)
	}
	return md, nil
}

func postMetadata() *fakeMetadata {
	return &fakeMetadata{types: map[string]ir.TypeMetadata{
		"Post": {
			Properties:           []string{"Id", "Title", "CategoryId", "IsVisible"},
			KeyProperties:        []string{"Id"},
			NavigationProperties: []string{"Category"},
			ForeignKeyProperties: []string{"CategoryId"},
		},
	}}
}

func TestRulesForMergesAndSorts(t *testing.T) {
	reg, err := New([]Declaration{{
		EntityType:     "Post",
		TypeGroups:     [][]string{{"IsVisible", "CategoryId"}, {}},
		PropertyGroups: []string{"Id", "CategoryId"},
	}})
	require.NoError(t, err)

	rules, err := reg.RulesFor("Post")
	require.NoError(t, err)

	keys := make([]string, len(rules))
	for i, r := range rules {
		keys[i] = r.Key()
	}
	assert.Equal(t, []string{
		"Post(CategoryId)",
		"Post(CategoryId,IsVisible)",
		"Post(Id)",
	}, keys)
}

func TestRulesForDeduplicatesEquivalentRules(t *testing.T) {
	reg, err := New([]Declaration{
		{EntityType: "Post", TypeGroups: [][]string{{"A", "B"}, {"B", "A"}}},
		{EntityType: "Post", PropertyGroups: []string{"A"}, TypeGroups: [][]string{{"A"}}},
	})
	require.NoError(t, err)

	rules, err := reg.RulesFor("Post")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, []string{"A"}, rules[0].PropertyNames)
	assert.Equal(t, []string{"A", "B"}, rules[1].PropertyNames)
}

func TestRulesForUndeclaredType(t *testing.T) {
	reg, err := New(nil)
	require.NoError(t, err)

	rules, err := reg.RulesFor("Comment")
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestRulesForRepeatedPropertyIsConfigError(t *testing.T) {
	reg, err := New([]Declaration{{EntityType: "Post", TypeGroups: [][]string{{"A", "A"}}}})
	require.NoError(t, err)

	_, err = reg.RulesFor("Post")
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	assert.Contains(t, err.Error(), `"A" listed more than once`)
}

func TestRulesForUnknownPropertyWithMetadata(t *testing.T) {
	reg, err := New(
		[]Declaration{{EntityType: "Post", PropertyGroups: []string{"AuthorId"}}},
		WithMetadata(postMetadata()),
	)
	require.NoError(t, err)

	err = reg.Validate()
	require.Error(t, err)

	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "Post", ce.EntityType)
	assert.Contains(t, ce.Message, "unknown property")
}

func TestRulesForForeignKeyRules(t *testing.T) {
	reg, err := New(
		[]Declaration{{EntityType: "Post", PropertyGroups: []string{"Id"}}},
		WithMetadata(postMetadata()),
		WithForeignKeyRules(true),
	)
	require.NoError(t, err)

	rules, err := reg.RulesFor("Post")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "Post(CategoryId)", rules[0].Key())
	assert.Equal(t, "Post(Id)", rules[1].Key())
}

func TestRulesForResolvesOnceConcurrently(t *testing.T) {
	md := postMetadata()
	reg, err := New(
		[]Declaration{{EntityType: "Post", TypeGroups: [][]string{{"CategoryId", "IsVisible"}}}},
		WithMetadata(md),
	)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]ir.GroupingRule, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rules, err := reg.RulesFor("Post")
			assert.NoError(t, err)
			results[i] = rules
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), md.calls.Load(), "metadata resolved once")
	for _, rules := range results {
		assert.Equal(t, results[0], rules)
	}
}

func TestRulesForReturnsCopy(t *testing.T) {
	reg, err := New([]Declaration{{EntityType: "Post", PropertyGroups: []string{"CategoryId"}}})
	require.NoError(t, err)

	rules, err := reg.RulesFor("Post")
	require.NoError(t, err)
	rules[0].PropertyNames[0] = "Mutated"

	again, err := reg.RulesFor("Post")
	require.NoError(t, err)
	assert.Equal(t, "CategoryId", again[0].PropertyNames[0])
}

func TestNewRequiresEntityType(t *testing.T) {
	_, err := New([]Declaration{{PropertyGroups: []string{"A"}}})
	assert.Error(t, err)
}

func TestGroupFor(t *testing.T) {
	reg, err := New([]Declaration{{
		EntityType: "Post",
		TypeGroups: [][]string{{"CategoryId", "IsVisible"}},
	}})
	require.NoError(t, err)

	id, err := reg.GroupFor("Post", map[string]ir.Value{
		"IsVisible":  ir.Bool(true),
		"CategoryId": ir.Int(5),
	})
	require.NoError(t, err)

	rule := ir.NewGroupingRule("Post", "CategoryId", "IsVisible")
	assert.Equal(t, ir.MustGroupID(rule, ir.Int(5), ir.Bool(true)), id)

	_, err = reg.GroupFor("Post", map[string]ir.Value{"CategoryId": ir.Int(5)})
	assert.True(t, errors.Is(err, ErrNoMatchingRule))
}

func TestIdentityGroupFor(t *testing.T) {
	reg, err := New(nil, WithMetadata(postMetadata()))
	require.NoError(t, err)

	keys := ir.Keys{{Name: "Id", Value: ir.Int(9)}}
	id, err := reg.IdentityGroupFor("Post", keys)
	require.NoError(t, err)
	assert.Equal(t, ir.MustIdentityGroupID("Post", keys), id)

	_, err = reg.IdentityGroupFor("Post", ir.Keys{{Name: "Title", Value: ir.String("x")}})
	assert.True(t, IsConfigError(err))
}

func TestDeclarationsFromSpecs(t *testing.T) {
	decls := DeclarationsFromSpecs([]ir.EntitySpec{{
		Name:           "Post",
		Groups:         [][]string{{"CategoryId", "IsVisible"}},
		PropertyGroups: []string{"Id"},
	}})

	require.Len(t, decls, 1)
	assert.Equal(t, "Post", decls[0].EntityType)
	assert.Equal(t, [][]string{{"CategoryId", "IsVisible"}}, decls[0].TypeGroups)
	assert.Equal(t, []string{"Id"}, decls[0].PropertyGroups)
}
