package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/groupcast/internal/ir"
)

func TestGroupLabel(t *testing.T) {
	tests := []struct {
		name string
		n    ir.ChangeNotification
		want string
	}{
		{
			name: "rule",
			n: ir.ChangeNotification{
				EntityType:   "Post",
				SourceFields: []string{"CategoryId", "IsVisible"},
				SourceValues: []ir.Value{ir.Int(1), ir.Bool(true)},
			},
			want: "Post(CategoryId=1,IsVisible=true)",
		},
		{
			name: "null value",
			n: ir.ChangeNotification{
				EntityType:   "Post",
				SourceFields: []string{"CategoryId"},
				SourceValues: []ir.Value{ir.Null{}},
			},
			want: "Post(CategoryId=null)",
		},
		{
			name: "identity",
			n: ir.ChangeNotification{
				EntityType:   "Tag",
				KeyNames:     []string{"PostId", "Label"},
				KeyValues:    []ir.Value{ir.Int(1), ir.String("go")},
				SourceFields: []string{},
			},
			want: "Tag[PostId=1,Label=go]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GroupLabel(tt.n))
		})
	}
}
