package report

import (
	"bytes"
	"encoding"
	"encoding/json"
	"math"
	"reflect"
	"strings"
)

// volatileFields differ between otherwise identical runs and are dropped
// before comparing two reports.
var volatileFields = []string{"run_id", "generated_at"}

// canonical converts v into maps, slices and scalars keyed by JSON tag.
// Floats are rounded to 6 places and nil or omitempty-zero fields are
// dropped, so map-ordered encoders produce byte-identical output.
func canonical(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	if tm, ok := v.(encoding.TextMarshaler); ok {
		val := reflect.ValueOf(v)
		if val.Kind() == reflect.Ptr && val.IsNil() {
			return nil
		}
		text, err := tm.MarshalText()
		if err != nil {
			return nil
		}
		return string(text)
	}

	val := reflect.ValueOf(v)
	for val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return nil
		}
		val = val.Elem()
	}

	switch val.Kind() {
	case reflect.Map:
		return canonicalMap(val)
	case reflect.Slice, reflect.Array:
		return canonicalSlice(val)
	case reflect.Struct:
		return canonicalStruct(val)
	case reflect.Float32, reflect.Float64:
		return roundFloat(val.Float())
	case reflect.String:
		return val.String()
	case reflect.Bool:
		return val.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return val.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return val.Uint()
	case reflect.Interface:
		if val.IsNil() {
			return nil
		}
		return canonical(val.Interface())
	default:
		return val.Interface()
	}
}

func canonicalMap(val reflect.Value) map[string]interface{} {
	if val.IsNil() || val.Len() == 0 {
		return nil
	}
	out := make(map[string]interface{}, val.Len())
	iter := val.MapRange()
	for iter.Next() {
		if value := canonical(iter.Value().Interface()); value != nil {
			out[iter.Key().String()] = value
		}
	}
	return out
}

func canonicalSlice(val reflect.Value) interface{} {
	if (val.Kind() == reflect.Slice && val.IsNil()) || val.Len() == 0 {
		return nil
	}
	out := make([]interface{}, val.Len())
	for i := range out {
		out[i] = canonical(val.Index(i).Interface())
	}
	return out
}

func canonicalStruct(val reflect.Value) interface{} {
	if tm, ok := val.Interface().(encoding.TextMarshaler); ok {
		return canonical(tm)
	}
	out := make(map[string]interface{})
	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}
		tag := field.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		if name == "" {
			name = field.Name
		}
		value := canonical(val.Field(i).Interface())
		if value == nil || (strings.Contains(opts, "omitempty") && isZero(value)) {
			continue
		}
		out[name] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func isZero(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case bool:
		return !val
	case int64:
		return val == 0
	case uint64:
		return val == 0
	case float64:
		return val == 0
	case string:
		return val == ""
	default:
		return false
	}
}

func roundFloat(f float64) float64 {
	return math.Round(f*1e6) / 1e6
}

// encodeJSON writes the canonical form with sorted keys.
func encodeJSON(v interface{}, indent string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	if err := enc.Encode(canonical(v)); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Snapshot is the canonical JSON of r without its volatile fields. Two runs
// over identical input produce equal snapshots.
func Snapshot(r *Report) ([]byte, error) {
	c, ok := canonical(r).(map[string]interface{})
	if !ok {
		return nil, nil
	}
	for _, f := range volatileFields {
		delete(c, f)
	}
	return encodeJSON(c, "")
}

// SameResult reports whether two reports differ only in volatile fields.
func SameResult(a, b *Report) bool {
	sa, errA := Snapshot(a)
	sb, errB := Snapshot(b)
	return errA == nil && errB == nil && bytes.Equal(sa, sb)
}
