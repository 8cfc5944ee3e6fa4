package packet

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode"
)

var marshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()

// Plain converts a typed payload into plain maps, slices and scalars ready
// for JSON encoding.
//
// Struct fields are renamed to lowerCamelCase: a json tag name wins,
// otherwise the Go field name has its leading initialism lower-cased
// (HitPoints -> hitPoints, ID -> id, URLPath -> urlPath). Fields that hold no
// value (nil pointer, interface, map or slice) are omitted rather than
// emitted as null, and so are zero fields tagged omitempty. Untagged embedded
// structs are flattened. Values implementing json.Marshaler are rendered
// through their own encoding.
//
// Postcondition: The result shares no mutable state with v.
func Plain(v any) any {
	if v == nil {
		return nil
	}
	return plainValue(reflect.ValueOf(v))
}

func plainValue(v reflect.Value) any {
	if !v.IsValid() {
		return nil
	}
	if implementsMarshaler(v) {
		return viaJSON(v)
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return plainValue(v.Elem())
	case reflect.Struct:
		out := make(map[string]any, v.NumField())
		appendFields(out, v)
		return out
	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[mapKey(iter.Key())] = plainValue(iter.Value())
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return base64.StdEncoding.EncodeToString(v.Bytes())
		}
		return plainList(v)
	case reflect.Array:
		return plainList(v)
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return int(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := v.Uint()
		if u <= math.MaxInt {
			return int(u)
		}
		return u
	case reflect.Float32, reflect.Float64:
		return v.Float()
	case reflect.String:
		return v.String()
	default:
		return v.Interface()
	}
}

func plainList(v reflect.Value) []any {
	out := make([]any, v.Len())
	for i := range out {
		out[i] = plainValue(v.Index(i))
	}
	return out
}

func appendFields(out map[string]any, v reflect.Value) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		fv := v.Field(i)

		name, omitEmpty, skip := parseTag(f.Tag.Get("json"))
		if skip {
			continue
		}
		if f.Anonymous && name == "" {
			ev := fv
			if ev.Kind() == reflect.Pointer {
				if ev.IsNil() {
					continue
				}
				ev = ev.Elem()
			}
			if ev.Kind() == reflect.Struct {
				appendFields(out, ev)
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		if isAbsent(fv) || (omitEmpty && fv.IsZero()) {
			continue
		}
		if name == "" {
			name = LowerCamel(f.Name)
		}
		out[name] = plainValue(fv)
	}
}

func parseTag(tag string) (name string, omitEmpty, skip bool) {
	if tag == "-" {
		return "", false, true
	}
	parts := strings.Split(tag, ",")
	for _, opt := range parts[1:] {
		if opt == "omitempty" || opt == "omitzero" {
			omitEmpty = true
		}
	}
	return parts[0], omitEmpty, false
}

func isAbsent(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return v.IsNil()
	}
	return false
}

func implementsMarshaler(v reflect.Value) bool {
	if v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return false
		}
	}
	return v.Type().Implements(marshalerType)
}

func viaJSON(v reflect.Value) any {
	raw, err := json.Marshal(v.Interface())
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func mapKey(k reflect.Value) string {
	switch k.Kind() {
	case reflect.String:
		return k.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(k.Uint(), 10)
	}
	if s, ok := k.Interface().(interface{ String() string }); ok {
		return s.String()
	}
	return ""
}

// LowerCamel lower-cases the leading initialism of a Go identifier.
func LowerCamel(name string) string {
	r := []rune(name)
	n := 0
	for n < len(r) && unicode.IsUpper(r[n]) {
		n++
	}
	switch {
	case n == 0:
		return name
	case n == 1 || n == len(r):
		// single capital, or the whole name is an initialism
	default:
		// the last capital starts the next word
		n--
	}
	for i := 0; i < n; i++ {
		r[i] = unicode.ToLower(r[i])
	}
	return string(r)
}
