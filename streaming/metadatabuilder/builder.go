// Package metadatabuilder provides fluent helpers for constructing signal
// metadata. Applications can use these instead of hand-assembling the
// nested map streaming.Metadata wraps.
package metadatabuilder

import "github.com/openDAQ/ws-streaming/streaming"

// Builder generates a streaming.Metadata value for a signal.
type Builder struct {
	raw map[string]any
}

// New starts a builder for a signal with the given name.
func New(name string) *Builder {
	b := &Builder{raw: map[string]any{}}
	setPath(b.raw, "definition.name", name)
	return b
}

// From adopts existing metadata as a starting point for further edits.
func From(md streaming.Metadata) *Builder {
	return &Builder{raw: cloneMap(md.Raw())}
}

// ConstantRule gives the signal a constant rule.
func (b *Builder) ConstantRule() *Builder {
	setPath(b.raw, "definition.rule", streaming.RuleConstant)
	return b
}

// DataType sets the signal's data type string.
func (b *Builder) DataType(dataType string) *Builder {
	setPath(b.raw, "definition.dataType", dataType)
	return b
}

// Endian sets the signal's endianness string.
func (b *Builder) Endian(endian string) *Builder {
	setPath(b.raw, "definition.endian", endian)
	return b
}

// LinearRule gives the signal a linear rule with the given start value and
// per-sample delta, both in ticks.
func (b *Builder) LinearRule(start, delta int64) *Builder {
	setPath(b.raw, "definition.rule", streaming.RuleLinear)
	setPath(b.raw, "interpretation.rule.parameters.start", start)
	setPath(b.raw, "interpretation.rule.parameters.delta", delta)
	return b
}

// Origin sets the signal's origin string. For time signals this is an
// ISO-8601 date/time string specifying the calendar time of tick zero.
func (b *Builder) Origin(origin string) *Builder {
	setPath(b.raw, "definition.origin", origin)
	return b
}

// Range sets the signal's expected value range.
func (b *Builder) Range(low, high float64) *Builder {
	setPath(b.raw, "definition.range", []any{low, high})
	return b
}

// StructField appends a field to the signal's struct data type definition.
func (b *Builder) StructField(field *StructFieldBuilder) *Builder {
	fields, _ := getPath(b.raw, "definition.struct").([]any)
	setPath(b.raw, "definition.struct", append(fields, field.build()))
	return b
}

// Table assigns an associated domain signal by its global identifier. A
// LocalSignal with this id should be registered alongside this one on
// every streaming endpoint it is published to.
func (b *Builder) Table(id string) *Builder {
	setPath(b.raw, "tableId", id)
	return b
}

// TickResolution sets the magnitude of a single tick for linear-rule
// signals, as a ratio to allow exact representation of any rational value.
func (b *Builder) TickResolution(numerator, denominator uint64) *Builder {
	setPath(b.raw, "definition.resolution.numerator", numerator)
	setPath(b.raw, "definition.resolution.denominator", denominator)
	return b
}

// Unit sets the signal's unit of measurement from an existing Unit value.
func (b *Builder) Unit(unit streaming.Unit) *Builder {
	setPath(b.raw, "interpretation.unit", map[string]any{
		"name":     unit.Name,
		"symbol":   unit.Symbol,
		"quantity": unit.Quantity,
	})
	return b
}

// UnitValues sets the signal's unit of measurement from its constituent
// fields.
func (b *Builder) UnitValues(id int, name, quantity, symbol string) *Builder {
	setPath(b.raw, "interpretation.unit", map[string]any{
		"id":       id,
		"name":     name,
		"quantity": quantity,
		"symbol":   symbol,
	})
	return b
}

// Build returns the constructed metadata.
func (b *Builder) Build() streaming.Metadata {
	return streaming.NewMetadata(cloneMap(b.raw))
}

// StructFieldBuilder generates one field descriptor of a struct data type,
// for use with Builder.StructField.
type StructFieldBuilder struct {
	raw map[string]any
}

// NewStructField starts a builder for a field with the given name.
func NewStructField(name string) *StructFieldBuilder {
	return &StructFieldBuilder{raw: map[string]any{"name": name}}
}

// DataType sets the field's data type string.
func (f *StructFieldBuilder) DataType(dataType string) *StructFieldBuilder {
	f.raw["dataType"] = dataType
	return f
}

// Array identifies this field as a one-dimensional array of size elements.
func (f *StructFieldBuilder) Array(size int64) *StructFieldBuilder {
	return f.Dimension(NewDimension("").LinearRule(0, 1, uint64(size)))
}

// Dimension appends a dimension built with a DimensionBuilder, for an array
// field whose indices carry their own interpretation (e.g. a time axis)
// rather than a bare element count.
func (f *StructFieldBuilder) Dimension(dim *DimensionBuilder) *StructFieldBuilder {
	dims, _ := f.raw["dimensions"].([]any)
	f.raw["dimensions"] = append(dims, dim.build())
	return f
}

func (f *StructFieldBuilder) build() map[string]any {
	return f.raw
}

// DimensionBuilder generates metadata describing one dimension of a
// struct field's array.
type DimensionBuilder struct {
	raw map[string]any
}

// NewDimension starts a builder for a dimension with the given name. name
// may be empty for an anonymous dimension (a plain array size).
func NewDimension(name string) *DimensionBuilder {
	raw := map[string]any{}
	if name != "" {
		raw["name"] = name
	}
	return &DimensionBuilder{raw: raw}
}

// LinearRule gives the dimension a linear rule with the given start value,
// per-element delta, and total element count.
func (d *DimensionBuilder) LinearRule(start, delta int64, size uint64) *DimensionBuilder {
	d.raw["size"] = size
	d.raw["start"] = start
	d.raw["delta"] = delta
	return d
}

func (d *DimensionBuilder) build() map[string]any {
	return d.raw
}

func setPath(root map[string]any, dotted string, value any) {
	parts := splitDotted(dotted)
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

func getPath(root map[string]any, dotted string) any {
	cur := any(root)
	for _, part := range splitDotted(dotted) {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func splitDotted(dotted string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(dotted); i++ {
		if dotted[i] == '.' {
			parts = append(parts, dotted[start:i])
			start = i + 1
		}
	}
	return append(parts, dotted[start:])
}

func cloneMap(v map[string]any) map[string]any {
	out := make(map[string]any, len(v))
	for k, val := range v {
		if nested, ok := val.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = val
	}
	return out
}
