// Package nilcheck detects nil values hidden behind non-nil interfaces.
package nilcheck

import "reflect"

// Is reports whether value is nil or an interface holding a typed nil.
func Is(value any) bool {
	if value == nil {
		return true
	}

	rv := reflect.ValueOf(value)

	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}

	return false
}
