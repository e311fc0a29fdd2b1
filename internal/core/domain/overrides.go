package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/spf13/cast"
)

// ValueKind tags the concrete type carried by a Value.
type ValueKind string

const (
	KindInt    ValueKind = "int"
	KindFloat  ValueKind = "float"
	KindBool   ValueKind = "bool"
	KindString ValueKind = "string"
)

// Value is a tagged configuration scalar. It encodes to and from plain
// JSON scalars.
type Value struct {
	Kind  ValueKind
	Int   int64
	Float float64
	Bool  bool
	Str   string
}

func IntValue(v int64) Value     { return Value{Kind: KindInt, Int: v} }
func FloatValue(v float64) Value { return Value{Kind: KindFloat, Float: v} }
func BoolValue(v bool) Value     { return Value{Kind: KindBool, Bool: v} }
func StringValue(v string) Value { return Value{Kind: KindString, Str: v} }

// ValueOf infers a Value from a Go scalar.
func ValueOf(raw any) (Value, error) {
	switch v := raw.(type) {
	case Value:
		return v, nil
	case bool:
		return BoolValue(v), nil
	case string:
		return StringValue(v), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		n, err := cast.ToInt64E(v)
		if err != nil {
			return Value{}, err
		}
		return IntValue(n), nil
	case float32, float64:
		f := cast.ToFloat64(v)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return IntValue(int64(f)), nil
		}
		return FloatValue(f), nil
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return IntValue(n), nil
		}
		f, err := v.Float64()
		if err != nil {
			return Value{}, err
		}
		return FloatValue(f), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", raw)
	}
}

// Any returns the underlying Go value.
func (v Value) Any() any {
	switch v.Kind {
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindBool:
		return v.Bool
	default:
		return v.Str
	}
}

func (v Value) String() string {
	return cast.ToString(v.Any())
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if n, ok := raw.(json.Number); ok && strings.ContainsAny(n.String(), ".eE") {
		f, err := n.Float64()
		if err != nil {
			return err
		}
		*v = FloatValue(f)
		return nil
	}
	parsed, err := ValueOf(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Overrides maps "category.key" to a value.
type Overrides map[string]Value

// Clone copies the map.
func (o Overrides) Clone() Overrides {
	if o == nil {
		return make(Overrides)
	}
	return maps.Clone(o)
}

// Merge writes every entry of p into o.
func (o Overrides) Merge(p Patch) {
	for k, v := range p {
		o[k] = v
	}
}

// Category returns the entries under one category with the prefix removed.
func (o Overrides) Category(category string) map[string]Value {
	prefix := category + "."
	out := make(map[string]Value)
	for k, v := range o {
		if rest, ok := strings.CutPrefix(k, prefix); ok {
			out[rest] = v
		}
	}
	return out
}

// Patch is a flat set of parameter changes keyed by "category.key".
type Patch map[string]Value

// Keys returns the sorted keys.
func (p Patch) Keys() []string {
	return slices.Sorted(maps.Keys(p))
}

// Equal reports whether both patches set the same keys to the same values.
func (p Patch) Equal(o Patch) bool {
	return maps.Equal(p, o)
}

// Raw converts the patch back to plain Go scalars for prompts and payloads.
func (p Patch) Raw() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v.Any()
	}
	return out
}

// SplitKey separates "category.key" into its parts.
func SplitKey(key string) (category, name string, ok bool) {
	category, name, ok = strings.Cut(key, ".")
	if !ok || category == "" || name == "" {
		return "", "", false
	}
	return category, name, true
}

// Flatten turns {"segmentation": {"resolution": 1024}} into
// {"segmentation.resolution": 1024}. Already dotted keys pass through.
func Flatten(nested map[string]any) map[string]any {
	out := make(map[string]any)
	flattenInto(out, "", nested)
	return out
}

func flattenInto(out map[string]any, prefix string, m map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			flattenInto(out, key, sub)
			continue
		}
		out[key] = v
	}
}

// ParamSpec describes one adjustable parameter.
type ParamSpec struct {
	Kind ValueKind `koanf:"kind" json:"kind"`
	Min  *float64  `koanf:"min" json:"min,omitempty"`
	Max  *float64  `koanf:"max" json:"max,omitempty"`
	Enum []string  `koanf:"enum" json:"enum,omitempty"`
}

// Coerce converts raw into the parameter's kind. Numbers outside [Min, Max]
// are clamped; strings outside Enum are rejected.
func (s ParamSpec) Coerce(raw any) (Value, error) {
	if v, ok := raw.(Value); ok {
		raw = v.Any()
	}
	switch s.Kind {
	case KindInt:
		n, err := cast.ToInt64E(raw)
		if err != nil {
			// fractional strings such as "7.5"
			f, ferr := cast.ToFloat64E(raw)
			if ferr != nil {
				return Value{}, err
			}
			n = int64(math.Round(f))
		}
		return IntValue(int64(s.clamp(float64(n)))), nil
	case KindFloat:
		f, err := cast.ToFloat64E(raw)
		if err != nil {
			return Value{}, err
		}
		return FloatValue(s.clamp(f)), nil
	case KindBool:
		b, err := cast.ToBoolE(raw)
		if err != nil {
			return Value{}, err
		}
		return BoolValue(b), nil
	case KindString, "":
		str, err := cast.ToStringE(raw)
		if err != nil {
			return Value{}, err
		}
		if len(s.Enum) > 0 && !slices.Contains(s.Enum, str) {
			return Value{}, fmt.Errorf("%q not one of %v", str, s.Enum)
		}
		return StringValue(str), nil
	default:
		return Value{}, fmt.Errorf("unknown kind %q", s.Kind)
	}
}

func (s ParamSpec) clamp(f float64) float64 {
	if s.Min != nil && f < *s.Min {
		f = *s.Min
	}
	if s.Max != nil && f > *s.Max {
		f = *s.Max
	}
	return f
}

// Schema maps "category.key" to its parameter spec.
type Schema map[string]ParamSpec

// Normalize flattens and coerces a raw patch. Entries that are unknown to
// a non-empty schema or fail coercion are dropped and reported.
func (s Schema) Normalize(raw map[string]any) (Patch, []string) {
	flat := Flatten(raw)
	out := make(Patch, len(flat))
	var rejected []string
	for _, key := range slices.Sorted(maps.Keys(flat)) {
		if _, _, ok := SplitKey(key); !ok {
			rejected = append(rejected, key)
			continue
		}
		var (
			v   Value
			err error
		)
		if spec, known := s[key]; known {
			v, err = spec.Coerce(flat[key])
		} else if len(s) == 0 {
			v, err = ValueOf(flat[key])
		} else {
			err = fmt.Errorf("unknown parameter")
		}
		if err != nil {
			rejected = append(rejected, key)
			continue
		}
		out[key] = v
	}
	return out, rejected
}

func ptr(f float64) *float64 { return &f }

// DefaultSchema lists the adjustable parameters of the default steps.
func DefaultSchema() Schema {
	return Schema{
		"segmentation.num_layers":              {Kind: KindInt, Min: ptr(3), Max: ptr(10)},
		"segmentation.resolution":              {Kind: KindInt, Min: ptr(512), Max: ptr(2048)},
		"segmentation.prompt_mode":             {Kind: KindString, Enum: []string{"center", "grid"}},
		"video_generation.num_frames":          {Kind: KindInt, Min: ptr(17), Max: ptr(255)},
		"video_generation.guidance_scale":      {Kind: KindFloat, Min: ptr(5), Max: ptr(10)},
		"video_generation.num_inference_steps": {Kind: KindInt, Min: ptr(20), Max: ptr(40)},
		"postprocess.target_fps":               {Kind: KindInt, Min: ptr(24), Max: ptr(60)},
		"postprocess.scale":                    {Kind: KindInt, Min: ptr(2), Max: ptr(4)},
	}
}

// DefaultBase is the starting configuration of the default steps.
func DefaultBase() Overrides {
	return Overrides{
		"segmentation.num_layers":              IntValue(4),
		"segmentation.resolution":              IntValue(640),
		"segmentation.prompt_mode":             StringValue("center"),
		"video_generation.num_frames":          IntValue(96),
		"video_generation.guidance_scale":      FloatValue(7.5),
		"video_generation.num_inference_steps": IntValue(30),
		"postprocess.target_fps":               IntValue(30),
		"postprocess.scale":                    IntValue(2),
	}
}
