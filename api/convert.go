package api

import "github.com/ohler55/ojg/oj"

// ToValue wraps a Go-native value (a module getter's return, a host
// data-source's fetched payload) into the Literal/Array form the
// data-source and module-injection steps require. Anything that isn't a
// plain scalar or slice is rendered to JSON text via ojg, the same
// library the rest of the module uses for host-value stringification.
func ToValue(raw any, loc Location) Value {
	switch v := raw.(type) {
	case nil:
		return NewNullLiteral(loc)
	case string:
		return NewStringLiteral(v, loc)
	case bool:
		return NewBoolLiteral(v, loc)
	case float64:
		return NewNumberLiteral(v, loc)
	case int:
		return NewNumberLiteral(float64(v), loc)
	case []any:
		arr := &Array{Loc: loc}
		for _, e := range v {
			arr.Elements = append(arr.Elements, ToValue(e, loc))
		}
		return arr
	default:
		return NewStringLiteral(oj.JSON(v), loc)
	}
}
