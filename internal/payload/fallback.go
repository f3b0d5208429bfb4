package payload

import (
	"encoding"
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"
)

// maxDepth bounds the normalizing walk so self-referencing Dump or fallback
// results fail instead of recursing forever.
const maxDepth = 64

// ISOFormatter is implemented by date/time-like values that render
// themselves as ISO-8601 strings.
type ISOFormatter interface {
	ISOFormat() string
}

// Dumper is implemented by values that expose a structured dump of their
// state, typically a map or a slice.
type Dumper interface {
	Dump() any
}

// EnumValuer is implemented by enumerated types whose wire form is their
// underlying value rather than their name.
type EnumValuer interface {
	EnumValue() any
}

// Multiset is implemented by counter types.
type Multiset interface {
	Counts() map[string]int
}

// Counter is a multiset of strings. It encodes as a plain JSON object.
type Counter map[string]int

// Add increments the count of key by n.
func (c Counter) Add(key string, n int) { c[key] += n }

// Counts returns a copy of the counts.
func (c Counter) Counts() map[string]int {
	out := make(map[string]int, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

var (
	jsonMarshalerType = reflect.TypeFor[json.Marshaler]()
	textMarshalerType = reflect.TypeFor[encoding.TextMarshaler]()
)

type normalizer struct {
	extra Fallback
	depth int
}

// normalize returns a copy of v in which every value encoding/json cannot
// express has been replaced using, in order: the extra fallback, ISO-8601
// conversion, Dump, set/iterator to list, enum value, UUID string, decimal to
// float and counter to map.
func (n *normalizer) normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	n.depth++
	defer func() { n.depth-- }()
	if n.depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d at %T", ErrUnsupportedType, maxDepth, v)
	}

	if n.extra != nil {
		if out, ok := n.extra(v); ok {
			return n.normalize(out)
		}
	}
	if out, ok, err := n.builtin(v); ok || err != nil {
		return out, err
	}
	return n.native(v)
}

func (n *normalizer) builtin(v any) (any, bool, error) {
	switch t := v.(type) {
	case time.Time:
		return t.Format(time.RFC3339Nano), true, nil
	case *time.Time:
		if t == nil {
			return nil, true, nil
		}
		return t.Format(time.RFC3339Nano), true, nil
	case ISOFormatter:
		return t.ISOFormat(), true, nil
	case Dumper:
		out, err := n.normalize(t.Dump())
		return out, true, err
	}

	if out, ok, err := n.sequence(v); ok || err != nil {
		return out, ok, err
	}

	switch t := v.(type) {
	case EnumValuer:
		out, err := n.normalize(t.EnumValue())
		return out, true, err
	case uuid.UUID:
		return t.String(), true, nil
	case *uuid.UUID:
		if t == nil {
			return nil, true, nil
		}
		return t.String(), true, nil
	case apd.Decimal:
		f, err := t.Float64()
		if err != nil {
			return nil, true, fmt.Errorf("%w: decimal %s: %v", ErrUnsupportedType, t.String(), err)
		}
		return f, true, nil
	case *apd.Decimal:
		if t == nil {
			return nil, true, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, true, fmt.Errorf("%w: decimal %s: %v", ErrUnsupportedType, t.String(), err)
		}
		return f, true, nil
	case *big.Float:
		if t == nil {
			return nil, true, nil
		}
		f, _ := t.Float64()
		return f, true, nil
	case *big.Rat:
		if t == nil {
			return nil, true, nil
		}
		f, _ := t.Float64()
		return f, true, nil
	case Multiset:
		counts := t.Counts()
		out := make(map[string]any, len(counts))
		for k, c := range counts {
			out[k] = c
		}
		return out, true, nil
	}
	return nil, false, nil
}

// sequence converts sets (maps with empty-struct values) and range-over-func
// iterators into lists.
func (n *normalizer) sequence(v any) (any, bool, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		elem := rv.Type().Elem()
		if elem.Kind() != reflect.Struct || elem.NumField() != 0 {
			return nil, false, nil
		}
		keys := rv.MapKeys()
		sortValues(keys)
		out := make([]any, 0, len(keys))
		for _, k := range keys {
			item, err := n.normalize(k.Interface())
			if err != nil {
				return nil, true, err
			}
			out = append(out, item)
		}
		return out, true, nil
	case reflect.Func:
		if rv.IsNil() || !rv.Type().CanSeq() {
			return nil, false, nil
		}
		out := []any{}
		for item := range rv.Seq() {
			norm, err := n.normalize(item.Interface())
			if err != nil {
				return nil, true, err
			}
			out = append(out, norm)
		}
		return out, true, nil
	}
	return nil, false, nil
}

// native walks containers and struct fields so nested values also go through
// the fallback chain. Scalars and json/text marshalers are handed to
// encoding/json untouched.
func (n *normalizer) native(v any) (any, error) {
	rv := reflect.ValueOf(v)
	typ := rv.Type()
	if typ.Implements(jsonMarshalerType) || typ.Implements(textMarshalerType) {
		return v, nil
	}

	switch rv.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return v, nil
	case reflect.Struct:
		return n.object(rv)
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return n.normalize(rv.Elem().Interface())
	case reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
		if typ.Elem().Kind() == reflect.Uint8 {
			return v, nil
		}
		fallthrough
	case reflect.Array:
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			item, err := n.normalize(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = item
		}
		return out, nil
	case reflect.Map:
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key, err := mapKey(iter.Key())
			if err != nil {
				return nil, err
			}
			item, err := n.normalize(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[key] = item
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
}

// object converts a struct to a map following encoding/json field rules:
// json tag names, "-", omitempty and string options, and promoted fields of
// untagged embedded structs, which lose to fields of the outer struct.
func (n *normalizer) object(rv reflect.Value) (map[string]any, error) {
	typ := rv.Type()
	n.depth++
	defer func() { n.depth-- }()
	if n.depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d at %s", ErrUnsupportedType, maxDepth, typ)
	}
	out := make(map[string]any, typ.NumField())
	var embedded []reflect.Value
	for i := range typ.NumField() {
		f := typ.Field(i)
		name, opts, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" && opts == "" {
			continue
		}
		fv := rv.Field(i)
		if f.Anonymous && name == "" {
			ft := f.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				if fv.Kind() == reflect.Pointer {
					if fv.IsNil() {
						continue
					}
					fv = fv.Elem()
				}
				embedded = append(embedded, fv)
				continue
			}
		}
		if !f.IsExported() || !fv.CanInterface() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		if hasOption(opts, "omitempty") && isEmptyValue(fv) {
			continue
		}
		item, err := n.normalize(fv.Interface())
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		if hasOption(opts, "string") {
			item = quoted(item)
		}
		out[name] = item
	}
	for _, ev := range embedded {
		promoted, err := n.object(ev)
		if err != nil {
			return nil, err
		}
		for k, v := range promoted {
			if _, ok := out[k]; !ok {
				out[k] = v
			}
		}
	}
	return out, nil
}

func hasOption(opts, want string) bool {
	for opts != "" {
		var opt string
		opt, opts, _ = strings.Cut(opts, ",")
		if opt == want {
			return true
		}
	}
	return false
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Pointer:
		return v.IsNil()
	}
	return false
}

// quoted applies the json ",string" option to scalar field values.
func quoted(v any) any {
	switch v.(type) {
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, uintptr,
		float32, float64:
		b, err := json.Marshal(v)
		if err != nil {
			return v
		}
		return string(b)
	}
	return v
}

func mapKey(k reflect.Value) (string, error) {
	if k.Kind() == reflect.Interface {
		k = k.Elem()
	}
	if tm, ok := k.Interface().(encoding.TextMarshaler); ok {
		b, err := tm.MarshalText()
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	switch k.Kind() {
	case reflect.String:
		return k.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(k.Uint(), 10), nil
	}
	return "", fmt.Errorf("%w: map key %s", ErrUnsupportedType, k.Type())
}

// sortValues orders set members so the encoded list is deterministic.
func sortValues(vals []reflect.Value) {
	slices.SortFunc(vals, func(a, b reflect.Value) int {
		switch a.Kind() {
		case reflect.String:
			return strings.Compare(a.String(), b.String())
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return cmpOrdered(a.Int(), b.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
			return cmpOrdered(a.Uint(), b.Uint())
		case reflect.Float32, reflect.Float64:
			return cmpOrdered(a.Float(), b.Float())
		}
		return strings.Compare(fmt.Sprint(a.Interface()), fmt.Sprint(b.Interface()))
	})
}

func cmpOrdered[T int64 | uint64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
