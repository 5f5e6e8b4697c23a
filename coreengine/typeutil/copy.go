package typeutil

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// DeepCopyMap returns a copy of m in which every nested map and slice is
// copied as well. Scalar values are shared. A nil map copies to nil.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = DeepCopyValue(v)
	}
	return out
}

// DeepCopyValue copies maps, slices, arrays and pointers recursively. The
// JSON-shaped types take a fast path; any other reference type is copied by
// reflection. Struct values are copied field by field where the field is
// exported; unexported fields keep their original value.
func DeepCopyValue(v any) any {
	switch val := v.(type) {
	case nil, string, bool, float64, int, int64:
		return v
	case map[string]any:
		return DeepCopyMap(val)
	case []any:
		if val == nil {
			return val
		}
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = DeepCopyValue(item)
		}
		return out
	case []string:
		if val == nil {
			return val
		}
		out := make([]string, len(val))
		copy(out, val)
		return out
	}
	return deepCopyReflect(reflect.ValueOf(v)).Interface()
}

func deepCopyReflect(src reflect.Value) reflect.Value {
	switch src.Kind() {
	case reflect.Interface:
		if src.IsNil() {
			return src
		}
		out := reflect.New(src.Type()).Elem()
		out.Set(deepCopyReflect(src.Elem()))
		return out
	case reflect.Pointer:
		if src.IsNil() {
			return src
		}
		out := reflect.New(src.Type().Elem())
		out.Elem().Set(deepCopyReflect(src.Elem()))
		return out
	case reflect.Map:
		if src.IsNil() {
			return src
		}
		out := reflect.MakeMapWithSize(src.Type(), src.Len())
		iter := src.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), deepCopyReflect(iter.Value()))
		}
		return out
	case reflect.Slice:
		if src.IsNil() {
			return src
		}
		out := reflect.MakeSlice(src.Type(), src.Len(), src.Len())
		for i := 0; i < src.Len(); i++ {
			out.Index(i).Set(deepCopyReflect(src.Index(i)))
		}
		return out
	case reflect.Array:
		out := reflect.New(src.Type()).Elem()
		for i := 0; i < src.Len(); i++ {
			out.Index(i).Set(deepCopyReflect(src.Index(i)))
		}
		return out
	case reflect.Struct:
		out := reflect.New(src.Type()).Elem()
		out.Set(src)
		for i := 0; i < src.NumField(); i++ {
			if out.Field(i).CanSet() {
				out.Field(i).Set(deepCopyReflect(src.Field(i)))
			}
		}
		return out
	}
	return src
}

// NormalizeMap returns m as it reads back from JSON: numbers become float64,
// typed slices become []any and typed maps become map[string]any. Values
// that cannot be encoded yield an error. A nil map stays nil.
func NormalizeMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("payload is not JSON-encodable: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("payload is not JSON-encodable: %w", err)
	}
	return out, nil
}
