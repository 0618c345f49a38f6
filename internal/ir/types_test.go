package ir

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeRecordIdentitySetOnce(t *testing.T) {
	rec := NewChangeRecord(NewEntity("Post", nil), Inserted, nil, nil)

	_, ok := rec.Identity()
	assert.False(t, ok, "inserted record starts without identity")

	require.NoError(t, rec.SetIdentity(Keys{{Name: "Id", Value: Int(1)}}))
	keys, ok := rec.Identity()
	require.True(t, ok)
	assert.Equal(t, []Value{Int(1)}, keys.Values())

	err := rec.SetIdentity(Keys{{Name: "Id", Value: Int(2)}})
	assert.True(t, errors.Is(err, ErrIdentityAlreadySet))
}

func TestChangeRecordIdentityNotDeferred(t *testing.T) {
	keys := Keys{{Name: "Id", Value: Int(3)}}
	rec := NewChangeRecord(NewEntity("Post", nil), Updated, nil, keys)

	got, ok := rec.Identity()
	require.True(t, ok)
	assert.Equal(t, keys, got)

	err := rec.SetIdentity(Keys{{Name: "Id", Value: Int(4)}})
	assert.True(t, errors.Is(err, ErrIdentityNotDeferred))
}

func TestChangeRecordIsolatedFromCallers(t *testing.T) {
	props := []PropertyDelta{
		{Name: "Title", Before: String("a"), After: String("b"), Changed: true},
		{Name: "CategoryId", Before: Int(1), After: Int(1)},
	}
	keys := Keys{{Name: "Id", Value: Int(3)}}
	rec := NewChangeRecord(NewEntity("Post", nil), Updated, props, keys)

	props[0].After = String("mutated")
	keys[0].Value = Int(99)
	got := rec.Properties()
	got[1].Changed = true

	title, _ := rec.Property("Title")
	assert.Equal(t, String("b"), title.After)
	category, _ := rec.Property("CategoryId")
	assert.False(t, category.Changed)
	id, _ := rec.Identity()
	assert.Equal(t, Int(3), id[0].Value)
	assert.Equal(t, Updated, rec.Kind())
	assert.Equal(t, "Post", rec.EntityType())
}

func TestChangeRecordChanges(t *testing.T) {
	props := []PropertyDelta{
		{Name: "Title", Before: String("a"), After: String("b"), Changed: true},
		{Name: "CategoryId", Before: Int(1), After: Int(1)},
	}
	upd := NewChangeRecord(NewEntity("Post", nil), Updated, props, Keys{{Name: "Id", Value: Int(1)}})
	assert.Equal(t, []PropertyChange{{Name: "Title", Before: String("a"), After: String("b")}}, upd.Changes())

	ins := NewChangeRecord(NewEntity("Post", nil), Inserted, props, nil)
	assert.Nil(t, ins.Changes())
}

func TestNewGroupingRuleSortsNames(t *testing.T) {
	rule := NewGroupingRule("Post", "IsVisible", "CategoryId")
	assert.Equal(t, []string{"CategoryId", "IsVisible"}, rule.PropertyNames)
	assert.Equal(t, "Post(CategoryId,IsVisible)", rule.Key())
	assert.True(t, rule.Matches([]string{"IsVisible", "CategoryId"}))
	assert.False(t, rule.Matches([]string{"CategoryId"}))
}

func TestGroupChangeJSON(t *testing.T) {
	n := ChangeNotification{
		GroupID:      "g",
		EntityType:   "Post",
		Change:       GroupRemoved,
		KeyNames:     []string{"Id"},
		KeyValues:    []Value{Int(1)},
		SourceFields: []string{"CategoryId"},
		SourceValues: []Value{Null{}},
		CommitID:     "c",
		Seq:          2,
	}

	data, err := json.Marshal(n)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"group_id": "g",
		"entity_type": "Post",
		"change": "Removed",
		"key_names": ["Id"],
		"key_values": [1],
		"source_fields": ["CategoryId"],
		"source_values": [null],
		"commit_id": "c",
		"seq": 2
	}`, string(data))

	var c GroupChange
	require.NoError(t, json.Unmarshal([]byte(`"added"`), &c))
	assert.Equal(t, GroupAdded, c)
	assert.Error(t, json.Unmarshal([]byte(`"Moved"`), &c))
}

func TestEntityValuesAreCopied(t *testing.T) {
	src := Object{"Title": String("a")}
	e := NewEntity("Post", src)
	src["Title"] = String("b")

	assert.Equal(t, String("a"), e.Get("Title"))
	assert.Equal(t, Null{}, e.Get("Missing"))

	require.NoError(t, e.Set("Views", 3))
	assert.Equal(t, Int(3), e.Get("Views"))
	assert.Error(t, e.Set("Score", 0.5))
}

func TestEntitySpecMetadata(t *testing.T) {
	spec := EntitySpec{
		Name: "Post",
		Keys: []string{"Id"},
		Properties: []PropertySpec{
			{Name: "Id", Type: TypeInt},
			{Name: "CategoryId", Type: TypeInt},
		},
		ForeignKeys: []ForeignKeySpec{{Property: "CategoryId", References: "Category"}},
	}

	md := spec.Metadata()
	assert.Equal(t, []string{"Id", "CategoryId"}, md.Properties)
	assert.Equal(t, []string{"Id"}, md.KeyProperties)
	assert.Equal(t, []string{"CategoryId"}, md.ForeignKeyProperties)
	assert.True(t, md.HasProperty("CategoryId"))
	assert.False(t, md.HasProperty("Title"))
}
