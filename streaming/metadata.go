package streaming

import (
	"strconv"
	"strings"
)

// Rule type strings recognized by the protocol.
const (
	RuleExplicit = "explicit"
	RuleLinear   = "linear"
	RuleConstant = "constant"
)

// Data type strings recognized by the protocol. User-defined data type
// strings are also allowed; SampleSize returns 0 for any type not listed
// here (other than "struct", which is computed from definition.struct).
const (
	DataTypeInt8    = "int8"
	DataTypeInt16   = "int16"
	DataTypeInt32   = "int32"
	DataTypeInt64   = "int64"
	DataTypeUint8   = "uint8"
	DataTypeUint16  = "uint16"
	DataTypeUint32  = "uint32"
	DataTypeUint64  = "uint64"
	DataTypeReal32  = "real32"
	DataTypeReal64  = "real64"
	DataTypeStruct  = "struct"
)

var primitiveSampleSizes = map[string]int{
	DataTypeInt8:   1,
	DataTypeInt16:  2,
	DataTypeInt32:  4,
	DataTypeInt64:  8,
	DataTypeUint8:  1,
	DataTypeUint16: 2,
	DataTypeUint32: 4,
	DataTypeUint64: 8,
	DataTypeReal32: 4,
	DataTypeReal64: 8,
}

// UnixEpoch is a convenience origin() value for time signals.
const UnixEpoch = "1970-01-01T00:00:00.000Z"

// StructFieldDimension describes one optional linear dimension of a
// struct field.
type StructFieldDimension struct {
	Size  int64 `msgpack:"size"`
	Name  string `msgpack:"name,omitempty"`
	Unit  string `msgpack:"unit,omitempty"`
}

// StructField describes one field of a struct data type.
type StructField struct {
	Name       string                 `msgpack:"name"`
	DataType   string                 `msgpack:"dataType"`
	Dimensions []StructFieldDimension `msgpack:"dimensions,omitempty"`
}

// Unit describes a signal's unit of measurement: name, symbol, and
// quantity, while still accepting a plain string for interpretation.unit.
type Unit struct {
	Name     string `msgpack:"name,omitempty"`
	Symbol   string `msgpack:"symbol,omitempty"`
	Quantity string `msgpack:"quantity,omitempty"`
}

// Metadata is an opaque JSON object describing a signal. It wraps a
// generic map rather than a fixed struct because unrecognized fields (and
// entirely user-defined ones) must round-trip unmodified. Accessors use a
// safe path lookup so a missing or wrongly-typed field yields a zero value
// instead of a panic or an error.
type Metadata struct {
	raw map[string]any
}

// NewMetadata wraps an existing JSON-like map as Metadata. The map is
// retained, not copied; callers should not mutate it afterward except
// through Metadata's own setters.
func NewMetadata(raw map[string]any) Metadata {
	if raw == nil {
		raw = map[string]any{}
	}
	return Metadata{raw: raw}
}

// Raw returns the underlying map, for wire encoding.
func (m Metadata) Raw() map[string]any {
	if m.raw == nil {
		return map[string]any{}
	}
	return m.raw
}

func (m Metadata) IsZero() bool {
	return len(m.raw) == 0
}

// path looks up a dot-separated field path such as "definition.dataType"
// or "interpretation.rule.parameters.start" inside the wrapped JSON,
// returning (nil, false) if any component is missing or not a
// map[string]any along the way.
func path(root map[string]any, dotted string) (any, bool) {
	cur := any(root)
	for _, part := range strings.Split(dotted, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func setPath(root map[string]any, dotted string, value any) {
	parts := strings.Split(dotted, ".")
	cur := root
	for i, part := range parts {
		if i == len(parts)-1 {
			cur[part] = value
			return
		}
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
}

func asString(v any, ok bool) string {
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// asInt64 accepts any numeric JSON/msgpack representation (float64 from
// JSON, or any sized int/uint from msgpack) and normalizes it to int64.
func asInt64(v any, ok bool) (int64, bool) {
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func (m Metadata) Name() string {
	v, ok := path(m.raw, "definition.name")
	return asString(v, ok)
}

func (m Metadata) DataType() string {
	v, ok := path(m.raw, "definition.dataType")
	return asString(v, ok)
}

func (m Metadata) Endian() string {
	v, ok := path(m.raw, "definition.endian")
	return asString(v, ok)
}

// Rule returns the signal's rule type, defaulting to "explicit" if unset.
func (m Metadata) Rule() string {
	v, ok := path(m.raw, "definition.rule")
	if s := asString(v, ok); s != "" {
		return s
	}
	return RuleExplicit
}

func (m Metadata) TableID() string {
	v, ok := path(m.raw, "tableId")
	return asString(v, ok)
}

func (m Metadata) Origin() string {
	v, ok := path(m.raw, "definition.origin")
	return asString(v, ok)
}

// ValueIndex returns the sample index at which the metadata's attached
// linear parameters apply, if specified.
func (m Metadata) ValueIndex() (int64, bool) {
	v, ok := path(m.raw, "valueIndex")
	return asInt64(v, ok)
}

func (m Metadata) WithValueIndex(index int64) Metadata {
	next := cloneJSON(m.raw)
	setPath(next, "valueIndex", index)
	return Metadata{raw: next}
}

// LinearStartDelta returns the signal's linear-rule start and delta
// parameters, if present, regardless of whether the metadata actually
// declares a linear rule; callers check Rule() separately.
func (m Metadata) LinearStartDelta() (start, delta int64, startOK, deltaOK bool) {
	s, sok := path(m.raw, "interpretation.rule.parameters.start")
	d, dok := path(m.raw, "interpretation.rule.parameters.delta")
	start, startOK = asInt64(s, sok)
	delta, deltaOK = asInt64(d, dok)
	return
}

// Range returns the signal's declared value range, if set.
func (m Metadata) Range() (min, max float64, ok bool) {
	v, present := path(m.raw, "definition.range")
	if !present {
		return 0, 0, false
	}
	arr, isArr := v.([]any)
	if isArr && len(arr) == 2 {
		lo, lok := asFloat(arr[0])
		hi, hok := asFloat(arr[1])
		return lo, hi, lok && hok
	}
	obj, isObj := v.(map[string]any)
	if isObj {
		lo, lok := asFloat(obj["low"])
		hi, hok := asFloat(obj["high"])
		return lo, hi, lok && hok
	}
	return 0, 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// TickResolution returns the numerator/denominator of one linear tick.
func (m Metadata) TickResolution() (numerator, denominator uint64, ok bool) {
	n, nok := path(m.raw, "definition.resolution.numerator")
	d, dok := path(m.raw, "definition.resolution.denominator")
	ni, _ := asInt64(n, nok)
	di, _ := asInt64(d, dok)
	if !nok || !dok {
		return 0, 0, false
	}
	return uint64(ni), uint64(di), true
}

// Unit returns the signal's unit of measurement. It accepts either the
// original's structured object form or a bare string (just the name).
func (m Metadata) Unit() (Unit, bool) {
	v, ok := path(m.raw, "interpretation.unit")
	if !ok {
		return Unit{}, false
	}
	switch u := v.(type) {
	case string:
		return Unit{Name: u}, true
	case map[string]any:
		return Unit{
			Name:     asString(u["name"], true),
			Symbol:   asString(u["symbol"], true),
			Quantity: asString(u["quantity"], true),
		}, true
	default:
		return Unit{}, false
	}
}

// StructFields returns the field descriptors of a struct data type, if
// DataType() == DataTypeStruct.
func (m Metadata) StructFields() []StructField {
	v, ok := path(m.raw, "definition.struct")
	if !ok {
		return nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	fields := make([]StructField, 0, len(arr))
	for _, item := range arr {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		f := StructField{
			Name:     asString(obj["name"], true),
			DataType: asString(obj["dataType"], true),
		}
		if dims, ok := obj["dimensions"].([]any); ok {
			for _, d := range dims {
				dobj, ok := d.(map[string]any)
				if !ok {
					continue
				}
				size, _ := asInt64(dobj["size"], true)
				f.Dimensions = append(f.Dimensions, StructFieldDimension{
					Size: size,
					Name: asString(dobj["name"], true),
					Unit: asString(dobj["unit"], true),
				})
			}
		}
		fields = append(fields, f)
	}
	return fields
}

// SampleSize computes the size in bytes of a single sample, if fixed and
// recognized. It returns 0 if the signal's rule is not explicit, or if the
// data type is unknown/user-defined.
func (m Metadata) SampleSize() int {
	if m.Rule() != RuleExplicit {
		return 0
	}
	return dataTypeSampleSize(m.DataType(), m.StructFields())
}

func dataTypeSampleSize(dataType string, fields []StructField) int {
	if size, ok := primitiveSampleSizes[dataType]; ok {
		return size
	}
	if dataType != DataTypeStruct {
		return 0
	}
	total := 0
	for _, f := range fields {
		fieldSize := dataTypeSampleSize(f.DataType, nil)
		if fieldSize == 0 {
			return 0
		}
		count := int64(1)
		for _, d := range f.Dimensions {
			if d.Size <= 0 {
				return 0
			}
			count *= d.Size
		}
		total += fieldSize * int(count)
	}
	return total
}

func cloneJSON(v map[string]any) map[string]any {
	out := make(map[string]any, len(v))
	for k, val := range v {
		switch t := val.(type) {
		case map[string]any:
			out[k] = cloneJSON(t)
		default:
			out[k] = val
		}
	}
	return out
}
