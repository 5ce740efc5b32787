package observerbus

import "reflect"

// reflectSame compares two function values by underlying code pointer.
// Go funcs aren't comparable with ==; this is the idiomatic way to detect
// "the same observer was already registered" for Add/Remove idempotency.
func reflectSame(a, b Observer) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}
