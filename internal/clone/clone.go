// Package clone provides a recursive deep-copy used at every adapter
// boundary crossing so that a caller mutating a value it received back can
// never reach the adapter's stored copy.
//
// Go has no native structuredClone equivalent, so this is a reflection-based
// structural copy. It understands maps, slices, pointers, structs,
// time.Time and *regexp.Regexp. Anything else that cannot be meaningfully
// duplicated (func, chan, unsafe.Pointer) is returned as-is and reported via
// the second return value so the caller can log a one-shot warning.
// Unexported struct fields are not copied: they are left at their zero value
// in the result, and this does not set ok to false.
package clone

import (
	"reflect"
	"regexp"
	"time"
)

// Value returns a deep copy of v. ok is false if any leaf encountered during
// the walk could not be cloned (the original leaf is embedded unchanged in
// that case, so the returned tree is otherwise still a full copy).
func Value(v any) (any, bool) {
	if v == nil {
		return nil, true
	}
	ok := true
	result := cloneValue(reflect.ValueOf(v), &ok)
	return result.Interface(), ok
}

func cloneValue(rv reflect.Value, ok *bool) reflect.Value {
	if !rv.IsValid() {
		return rv
	}

	switch v := rv.Interface().(type) {
	case time.Time:
		return reflect.ValueOf(v)
	case *regexp.Regexp:
		if v == nil {
			return rv
		}
		return reflect.ValueOf(regexp.MustCompile(v.String()))
	}

	switch rv.Kind() {
	case reflect.Ptr:
		if rv.IsNil() {
			return rv
		}
		elem := cloneValue(rv.Elem(), ok)
		out := reflect.New(elem.Type())
		out.Elem().Set(elem)
		return out

	case reflect.Interface:
		if rv.IsNil() {
			return rv
		}
		inner := cloneValue(rv.Elem(), ok)
		out := reflect.New(rv.Type()).Elem()
		out.Set(inner)
		return out

	case reflect.Map:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := cloneValue(iter.Key(), ok)
			val := cloneValue(iter.Value(), ok)
			out.SetMapIndex(k, val)
		}
		return out

	case reflect.Slice:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Cap())
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(cloneValue(rv.Index(i), ok))
		}
		return out

	case reflect.Array:
		out := reflect.New(rv.Type()).Elem()
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(cloneValue(rv.Index(i), ok))
		}
		return out

	case reflect.Struct:
		out := reflect.New(rv.Type()).Elem()
		for i := 0; i < rv.NumField(); i++ {
			f := rv.Type().Field(i)
			if !f.IsExported() {
				continue
			}
			out.Field(i).Set(cloneValue(rv.Field(i), ok))
		}
		return out

	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		*ok = false
		return rv

	default:
		// Scalars (numbers, strings, bools) are copied by value already.
		return rv
	}
}
