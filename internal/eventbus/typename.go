package eventbus

import "reflect"

// typeName returns a stable string key for v's concrete type, used to key
// subjects in the Bus's subscriber map.
func typeName(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return "<nil>"
	}
	return t.PkgPath() + "." + t.Name()
}
