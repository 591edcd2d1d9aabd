// Package contract describes procedures and events: their names and the
// schemas their payloads and responses must satisfy.
package contract

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/procbus/internal/runtime/jsoncodec"
)

// Kind enumerates the closed set of schema variants.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindInteger
	KindBoolean
	KindNull
	KindAny
	KindLiteral
	KindEnum
	KindStruct
	KindArray
	KindUnion
	KindNullable
	KindRecord
	KindProto
)

var kindNames = [...]string{
	KindString:   "string",
	KindNumber:   "number",
	KindInteger:  "integer",
	KindBoolean:  "boolean",
	KindNull:     "null",
	KindAny:      "any",
	KindLiteral:  "literal",
	KindEnum:     "enum",
	KindStruct:   "struct",
	KindArray:    "array",
	KindUnion:    "union",
	KindNullable: "nullable",
	KindRecord:   "record",
	KindProto:    "proto",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Field is a declared struct member.
type Field struct {
	Name     string
	Schema   *Schema
	Optional bool
}

// Schema describes the JSON shape of a payload or response. Schemas are
// immutable; the refinement methods return modified copies.
//
// Validation operates on JSON-shaped values: map[string]any, []any, string,
// bool, nil and numbers (float64 or json.Number).
type Schema struct {
	kind     Kind
	literal  any
	enum     []string
	fields   []Field
	elem     *Schema
	variants []*Schema
	newProto func() proto.Message

	min, max       *float64
	minLen, maxLen *int
	pattern        *regexp.Regexp
}

func String() *Schema  { return &Schema{kind: KindString} }
func Number() *Schema  { return &Schema{kind: KindNumber} }
func Integer() *Schema { return &Schema{kind: KindInteger} }
func Boolean() *Schema { return &Schema{kind: KindBoolean} }
func Null() *Schema    { return &Schema{kind: KindNull} }
func Any() *Schema     { return &Schema{kind: KindAny} }

// Literal accepts exactly one string, number or boolean value.
func Literal(v any) *Schema {
	if n, ok := toFloat(v); ok {
		v = n
	}
	return &Schema{kind: KindLiteral, literal: v}
}

// Enum accepts one of the listed strings.
func Enum(values ...string) *Schema {
	return &Schema{kind: KindEnum, enum: append([]string(nil), values...)}
}

// Struct accepts an object with the declared fields. Undeclared fields are
// dropped from the validated value.
func Struct(fields ...Field) *Schema {
	return &Schema{kind: KindStruct, fields: append([]Field(nil), fields...)}
}

// Required declares a struct field that must be present.
func Required(name string, s *Schema) Field { return Field{Name: name, Schema: s} }

// Optional declares a struct field that may be absent.
func Optional(name string, s *Schema) Field { return Field{Name: name, Schema: s, Optional: true} }

func Array(elem *Schema) *Schema { return &Schema{kind: KindArray, elem: elem} }

// Union accepts the first variant that validates.
func Union(variants ...*Schema) *Schema {
	return &Schema{kind: KindUnion, variants: append([]*Schema(nil), variants...)}
}

func Nullable(s *Schema) *Schema { return &Schema{kind: KindNullable, elem: s} }

// Record accepts an object with arbitrary keys whose values match values.
func Record(values *Schema) *Schema { return &Schema{kind: KindRecord, elem: values} }

// Proto accepts the protojson form of the message built by newMsg.
func Proto(newMsg func() proto.Message) *Schema {
	return &Schema{kind: KindProto, newProto: newMsg}
}

// ProtoOf is Proto for a generated message type, e.g. ProtoOf[*billingpb.Invoice]().
func ProtoOf[M proto.Message]() *Schema {
	var zero M
	mt := zero.ProtoReflect().Type()
	return Proto(func() proto.Message { return mt.New().Interface() })
}

func (s *Schema) Kind() Kind { return s.kind }

// Fields returns the declared struct fields.
func (s *Schema) Fields() []Field { return append([]Field(nil), s.fields...) }

func (s *Schema) clone() *Schema {
	cp := *s
	return &cp
}

// Min bounds numbers from below (inclusive).
func (s *Schema) Min(v float64) *Schema { cp := s.clone(); cp.min = &v; return cp }

// Max bounds numbers from above (inclusive).
func (s *Schema) Max(v float64) *Schema { cp := s.clone(); cp.max = &v; return cp }

// MinLen bounds string length or array size from below.
func (s *Schema) MinLen(n int) *Schema { cp := s.clone(); cp.minLen = &n; return cp }

// MaxLen bounds string length or array size from above.
func (s *Schema) MaxLen(n int) *Schema { cp := s.clone(); cp.maxLen = &n; return cp }

// Pattern requires strings to match re.
func (s *Schema) Pattern(re string) *Schema {
	cp := s.clone()
	cp.pattern = regexp.MustCompile(re)
	return cp
}

// Validate checks value and returns its normalized form, with struct fields
// not declared by the schema removed. The error, if any, is a
// *ValidationError.
func (s *Schema) Validate(value any) (any, error) {
	var errs failures
	out := s.validate("$", value, &errs)
	if err := errs.err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ValidateJSON decodes data, validates it and re-encodes the normalized value.
func (s *Schema) ValidateJSON(data []byte) ([]byte, error) {
	value, err := decodeValue(data)
	if err != nil {
		return nil, &ValidationError{Failures: []Failure{{Path: "$", Message: "malformed JSON: " + err.Error()}}}
	}
	normalized, err := s.Validate(value)
	if err != nil {
		return nil, err
	}
	return jsoncodec.Marshal(normalized)
}

// Serialize encodes a Go value to wire JSON, validating it on the way.
func (s *Schema) Serialize(value any) ([]byte, error) {
	raw, err := Marshal(value)
	if err != nil {
		return nil, err
	}
	return s.ValidateJSON(raw)
}

func (s *Schema) validate(path string, v any, errs *failures) any {
	switch s.kind {
	case KindAny:
		return v
	case KindNull:
		if v != nil {
			errs.add(path, "expected null, got %s", typeName(v))
		}
		return nil
	case KindString:
		str, ok := v.(string)
		if !ok {
			errs.add(path, "expected string, got %s", typeName(v))
			return nil
		}
		s.checkLen(path, len([]rune(str)), errs)
		if s.pattern != nil && !s.pattern.MatchString(str) {
			errs.add(path, "does not match pattern %s", s.pattern.String())
		}
		return str
	case KindNumber, KindInteger:
		n, ok := toFloat(v)
		if !ok {
			errs.add(path, "expected %s, got %s", s.kind, typeName(v))
			return nil
		}
		if s.kind == KindInteger && n != math.Trunc(n) {
			errs.add(path, "expected integer, got %v", n)
		}
		if s.min != nil && n < *s.min {
			errs.add(path, "must be >= %v", *s.min)
		}
		if s.max != nil && n > *s.max {
			errs.add(path, "must be <= %v", *s.max)
		}
		if num, ok := v.(json.Number); ok {
			return num
		}
		return n
	case KindBoolean:
		b, ok := v.(bool)
		if !ok {
			errs.add(path, "expected boolean, got %s", typeName(v))
			return nil
		}
		return b
	case KindLiteral:
		if n, ok := toFloat(v); ok {
			v = n
		}
		if v != s.literal {
			errs.add(path, "expected literal %v", s.literal)
			return nil
		}
		return v
	case KindEnum:
		str, ok := v.(string)
		if !ok {
			errs.add(path, "expected one of %v, got %s", s.enum, typeName(v))
			return nil
		}
		for _, allowed := range s.enum {
			if str == allowed {
				return str
			}
		}
		errs.add(path, "expected one of %v, got %q", s.enum, str)
		return nil
	case KindStruct:
		return s.validateStruct(path, v, errs)
	case KindArray:
		items, ok := v.([]any)
		if !ok {
			errs.add(path, "expected array, got %s", typeName(v))
			return nil
		}
		s.checkLen(path, len(items), errs)
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = s.elem.validate(fmt.Sprintf("%s[%d]", path, i), item, errs)
		}
		return out
	case KindRecord:
		obj, ok := v.(map[string]any)
		if !ok {
			errs.add(path, "expected object, got %s", typeName(v))
			return nil
		}
		out := make(map[string]any, len(obj))
		for _, k := range sortedKeys(obj) {
			out[k] = s.elem.validate(path+"."+k, obj[k], errs)
		}
		return out
	case KindNullable:
		if v == nil {
			return nil
		}
		return s.elem.validate(path, v, errs)
	case KindUnion:
		for _, variant := range s.variants {
			var probe failures
			out := variant.validate(path, v, &probe)
			if len(probe) == 0 {
				return out
			}
		}
		errs.add(path, "no union variant matched %s", typeName(v))
		return nil
	case KindProto:
		return s.validateProto(path, v, errs)
	}
	errs.add(path, "unsupported schema kind %s", s.kind)
	return nil
}

func (s *Schema) validateStruct(path string, v any, errs *failures) any {
	obj, ok := v.(map[string]any)
	if !ok {
		errs.add(path, "expected object, got %s", typeName(v))
		return nil
	}
	out := make(map[string]any, len(s.fields))
	for _, f := range s.fields {
		fv, present := obj[f.Name]
		if !present {
			if !f.Optional {
				errs.add(path+"."+f.Name, "required field missing")
			}
			continue
		}
		out[f.Name] = f.Schema.validate(path+"."+f.Name, fv, errs)
	}
	return out
}

func (s *Schema) validateProto(path string, v any, errs *failures) any {
	raw, err := jsoncodec.Marshal(v)
	if err != nil {
		errs.add(path, "cannot encode value: %v", err)
		return nil
	}
	msg := s.newProto()
	if err := protojson.Unmarshal(raw, msg); err != nil {
		errs.add(path, "invalid %s: %v", msg.ProtoReflect().Descriptor().FullName(), err)
		return nil
	}
	canonical, err := protojson.Marshal(msg)
	if err != nil {
		errs.add(path, "cannot re-encode %s: %v", msg.ProtoReflect().Descriptor().FullName(), err)
		return nil
	}
	out, err := decodeValue(canonical)
	if err != nil {
		errs.add(path, "cannot decode canonical form: %v", err)
		return nil
	}
	return out
}

func (s *Schema) checkLen(path string, n int, errs *failures) {
	if s.minLen != nil && n < *s.minLen {
		errs.add(path, "length must be >= %d", *s.minLen)
	}
	if s.maxLen != nil && n > *s.maxLen {
		errs.add(path, "length must be <= %d", *s.maxLen)
	}
}

func decodeValue(data []byte) (any, error) {
	var v any
	if err := jsoncodec.UnmarshalUseNumber(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64, json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
