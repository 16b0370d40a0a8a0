package tracker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// GenerateCompositeKey derives the stable identity key for a (category, id)
// pair: the hex-encoded SHA-256 of "category:id".
func GenerateCompositeKey(category, id string) string {
	sum := sha256.Sum256([]byte(category + ":" + id))
	return hex.EncodeToString(sum[:])
}

// GenerateDetailsHash derives a stable content fingerprint for an arbitrary
// details payload. Keys of nested maps are sorted lexicographically before
// hashing so that two logically identical payloads always hash the same way.
// Nil or empty details (an empty map, slice or struct) yield the empty string.
//
// A payload that cannot be canonicalized (for example one containing a
// reference cycle) yields the empty string rather than an error; callers
// must never see a hashing failure surface as a trackEvent error.
func GenerateDetailsHash(details any) string {
	if details == nil {
		return ""
	}
	canon, err := canonicalize(details, make(map[uintptr]bool))
	if err != nil {
		return ""
	}
	switch canon {
	case "", "null", "{}", "[]":
		return ""
	}
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:])
}

// canonicalize renders v as a deterministic string: object keys sorted,
// arrays in original order, scalars via a fixed textual form. seen tracks
// the addresses of maps, slices and pointers currently being walked so that a cycle
// is reported as an error instead of recursing forever.
func canonicalize(v any, seen map[uintptr]bool) (string, error) {
	if v == nil {
		return "null", nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Len() == 0 && rv.Pointer() == 0 {
			return "{}", nil
		}
		ptr := rv.Pointer()
		if ptr != 0 {
			if seen[ptr] {
				return "", fmt.Errorf("tracker: cyclic details payload")
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		keys := make([]string, 0, rv.Len())
		vals := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := fmt.Sprintf("%v", iter.Key().Interface())
			keys = append(keys, k)
			vals[k] = iter.Value().Interface()
		}
		sort.Strings(keys)
		out := "{"
		for i, k := range keys {
			if i > 0 {
				out += ","
			}
			encoded, err := canonicalize(vals[k], seen)
			if err != nil {
				return "", err
			}
			out += strconv.Quote(k) + ":" + encoded
		}
		out += "}"
		return out, nil

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice {
			if rv.IsNil() {
				return "null", nil
			}
			ptr := rv.Pointer()
			if ptr != 0 {
				if seen[ptr] {
					return "", fmt.Errorf("tracker: cyclic details payload")
				}
				seen[ptr] = true
				defer delete(seen, ptr)
			}
		}
		out := "["
		for i := 0; i < rv.Len(); i++ {
			if i > 0 {
				out += ","
			}
			encoded, err := canonicalize(rv.Index(i).Interface(), seen)
			if err != nil {
				return "", err
			}
			out += encoded
		}
		out += "]"
		return out, nil

	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return "null", nil
		}
		if rv.Kind() == reflect.Ptr {
			ptr := rv.Pointer()
			if seen[ptr] {
				return "", fmt.Errorf("tracker: cyclic details payload")
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		return canonicalize(rv.Elem().Interface(), seen)

	case reflect.String:
		return strconv.Quote(rv.String()), nil

	case reflect.Bool:
		return strconv.FormatBool(rv.Bool()), nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10), nil

	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(rv.Float(), 'g', -1, 64), nil

	case reflect.Struct:
		t := rv.Type()
		keys := make([]string, 0, rv.NumField())
		vals := make(map[string]any, rv.NumField())
		for i := 0; i < rv.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			keys = append(keys, f.Name)
			vals[f.Name] = rv.Field(i).Interface()
		}
		sort.Strings(keys)
		out := "{"
		for i, k := range keys {
			if i > 0 {
				out += ","
			}
			encoded, err := canonicalize(vals[k], seen)
			if err != nil {
				return "", err
			}
			out += strconv.Quote(k) + ":" + encoded
		}
		out += "}"
		return out, nil

	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return "", fmt.Errorf("tracker: non-canonicalizable value of kind %s", rv.Kind())

	default:
		return "", fmt.Errorf("tracker: non-canonicalizable value of kind %s", rv.Kind())
	}
}
