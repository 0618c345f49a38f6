package store

import (
	"fmt"

	"github.com/roach88/groupcast/internal/ir"
)

// toDriver converts a value to the form go-sqlite3 binds.
func toDriver(v ir.Value) any {
	switch val := v.(type) {
	case ir.String:
		return string(val)
	case ir.Int:
		return int64(val)
	case ir.Bool:
		if val {
			return int64(1)
		}
		return int64(0)
	default:
		return nil
	}
}

// fromDriver converts a scanned column to the property's declared type.
func fromDriver(raw any, typ string) (ir.Value, error) {
	if raw == nil {
		return ir.Null{}, nil
	}
	switch typ {
	case ir.TypeBool:
		switch val := raw.(type) {
		case int64:
			return ir.Bool(val != 0), nil
		case bool:
			return ir.Bool(val), nil
		}
	case ir.TypeInt:
		if val, ok := raw.(int64); ok {
			return ir.Int(val), nil
		}
	case ir.TypeString:
		switch raw.(type) {
		case string, []byte:
			return ir.FromAny(raw)
		}
	}
	return nil, fmt.Errorf("column value %v (%T) is not a %s", raw, raw, typ)
}

// checkType reports whether v may be stored in a property of type typ.
func checkType(v ir.Value, typ string) bool {
	switch v.(type) {
	case nil, ir.Null:
		return true
	case ir.String:
		return typ == ir.TypeString
	case ir.Int:
		return typ == ir.TypeInt
	case ir.Bool:
		return typ == ir.TypeBool
	default:
		return false
	}
}
