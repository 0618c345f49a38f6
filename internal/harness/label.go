package harness

import (
	"strings"

	"github.com/roach88/groupcast/internal/ir"
)

// GroupLabel renders the group a notification addresses in readable form:
// Post(CategoryId=1,IsVisible=true) for a grouping rule and Post[Id=1] for
// the identity group.
func GroupLabel(n ir.ChangeNotification) string {
	var b strings.Builder
	b.WriteString(n.EntityType)

	if len(n.SourceFields) == 0 {
		b.WriteByte('[')
		writePairs(&b, n.KeyNames, n.KeyValues)
		b.WriteByte(']')
		return b.String()
	}

	b.WriteByte('(')
	writePairs(&b, n.SourceFields, n.SourceValues)
	b.WriteByte(')')
	return b.String()
}

func writePairs(b *strings.Builder, names []string, values []ir.Value) {
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
		b.WriteByte('=')
		var v ir.Value = ir.Null{}
		if i < len(values) {
			v = values[i]
		}
		if s, ok := v.(ir.String); ok {
			b.WriteString(string(s))
		} else {
			b.WriteString(ir.Format(v))
		}
	}
}
