// Package schema provides the foundational types for declaring synchronized
// collections. It defines the field type algebra with its mutation encoding and
// last-writer-wins merge rules, relations between collections, and the schema
// assembly and validation logic used by both the storage engine and the sync
// protocol.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FieldKind represents the logical data type of a field.
type FieldKind string

// Supported field kinds.
const (
	FieldKindString    FieldKind = "string"
	FieldKindNumber    FieldKind = "number"
	FieldKindBoolean   FieldKind = "boolean"
	FieldKindTimestamp FieldKind = "timestamp"
	FieldKindJSON      FieldKind = "json"
	FieldKindEnum      FieldKind = "enum"
	FieldKindID        FieldKind = "id"
	FieldKindReference FieldKind = "reference"
)

// MutationKind identifies the kind of mutation being encoded or merged.
type MutationKind string

// Supported mutation kinds. MutationDelete is reserved by the wire protocol
// but not yet accepted by EncodeMutation.
const (
	MutationSet    MutationKind = "set"
	MutationDelete MutationKind = "delete"
)

// ErrUnsupportedMutation is returned when a mutation kind has no encoding for
// the targeted field or relation.
var ErrUnsupportedMutation = errors.New("unsupported mutation kind")

// TimestampLayout is the fixed-width ISO-8601 layout used for merge metadata.
// Fixed width keeps lexicographic comparison equivalent to temporal order.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z"

// Now returns the current UTC time formatted with TimestampLayout.
func Now() string {
	return time.Now().UTC().Format(TimestampLayout)
}

// Meta carries the per-field merge metadata. An empty Timestamp means the
// field has never been written.
type Meta struct {
	Timestamp string `json:"timestamp"`
}

// Encoded is the transport and storage representation of a single field value
// together with the metadata needed to merge it.
type Encoded struct {
	Value any  `json:"value"`
	Meta  Meta `json:"_meta"`
}

// Reference identifies the collection and field a foreign key points at.
type Reference struct {
	Collection string `json:"collection"`
	Field      string `json:"field"`
}

// StorageField describes how a field is projected onto relational storage.
type StorageField struct {
	SQLType    string
	Nullable   bool
	Indexed    bool
	Unique     bool
	Primary    bool
	HasDefault bool
	Default    any
	References *Reference
	EnumName   string
	EnumValues []string
}

// Field is an immutable field descriptor. Modifier methods return modified
// copies, so descriptors can be shared across schema declarations safely.
type Field struct {
	kind         FieldKind
	nullable     bool
	unique       bool
	indexed      bool
	primary      bool
	hasDefault   bool
	defaultValue any
	enumName     string
	enumValues   []string
	references   *Reference
}

// String declares a text field.
func String() Field { return Field{kind: FieldKindString} }

// Number declares a double-precision numeric field.
func Number() Field { return Field{kind: FieldKindNumber} }

// Boolean declares a boolean field.
func Boolean() Field { return Field{kind: FieldKindBoolean} }

// Timestamp declares a point-in-time field stored as ISO-8601 text.
func Timestamp() Field { return Field{kind: FieldKindTimestamp} }

// JSON declares a field holding an arbitrary JSON document.
func JSON() Field { return Field{kind: FieldKindJSON} }

// Enum declares a field restricted to the given set of values. No enum name
// is generated: StorageField reports the values and leaves EnumName empty.
func Enum(values ...string) Field {
	return Field{kind: FieldKindEnum, enumValues: values}
}

// ID declares the primary key field: a unique, indexed varchar.
func ID() Field {
	return Field{kind: FieldKindID, primary: true, unique: true, indexed: true}
}

// Ref declares a foreign-key field pointing at another collection's field.
func Ref(collection, field string) Field {
	return Field{
		kind:       FieldKindReference,
		indexed:    true,
		references: &Reference{Collection: collection, Field: field},
	}
}

// Kind returns the logical kind of the field.
func (f Field) Kind() FieldKind { return f.kind }

// IsPrimary reports whether the field is the collection's primary key.
func (f Field) IsPrimary() bool { return f.primary }

// IsNullable reports whether the field accepts null values.
func (f Field) IsNullable() bool { return f.nullable }

// References returns the foreign-key target, or nil for plain fields.
func (f Field) References() *Reference { return f.references }

// Unique returns a copy of the field with a unique constraint.
func (f Field) Unique() Field {
	f.unique = true
	return f
}

// Index returns a copy of the field with a secondary index.
func (f Field) Index() Field {
	f.indexed = true
	return f
}

// Primary returns a copy of the field marked as the primary key.
func (f Field) Primary() Field {
	f.primary = true
	f.unique = true
	f.indexed = true
	return f
}

// Nullable returns a copy of the field that accepts null values. Index,
// unique, default and primary modifiers are preserved.
func (f Field) Nullable() Field {
	f.nullable = true
	return f
}

// Default returns a copy of the field carrying a storage-level default value.
func (f Field) Default(v any) Field {
	f.hasDefault = true
	f.defaultValue = v
	return f
}

// EncodeMutation wraps a raw user value into its transport representation,
// stamping it with the given timestamp. Only MutationSet is supported.
func (f Field) EncodeMutation(kind MutationKind, input any, ts string) (Encoded, error) {
	if kind != MutationSet {
		return Encoded{}, fmt.Errorf("field kind %s: %w: %s", f.kind, ErrUnsupportedMutation, kind)
	}
	if input == nil && !f.nullable {
		return Encoded{}, fmt.Errorf("field kind %s is not nullable", f.kind)
	}
	return Encoded{Value: input, Meta: Meta{Timestamp: ts}}, nil
}

// MergeMutation applies the last-writer-wins rule to an encoded mutation
// against the current materialized value. It returns the new materialized
// value and the accepted diff, or (current, nil) when the mutation loses the
// comparison. Equal timestamps reject the incoming value: the write is treated
// as already applied.
func (f Field) MergeMutation(kind MutationKind, encoded Encoded, current *Encoded) (Encoded, *Encoded, error) {
	if current != nil && current.Meta.Timestamp >= encoded.Meta.Timestamp {
		return *current, nil, nil
	}
	converted, err := f.Convert(encoded.Value)
	if err != nil {
		return Encoded{}, nil, err
	}
	materialized := Encoded{Value: converted, Meta: encoded.Meta}
	accepted := materialized
	return materialized, &accepted, nil
}

// Convert normalizes an incoming raw value to the field's canonical Go
// representation. Values that already have the canonical type pass through.
func (f Field) Convert(raw any) (any, error) {
	if raw == nil {
		if !f.nullable {
			return nil, fmt.Errorf("field kind %s is not nullable", f.kind)
		}
		return nil, nil
	}

	switch f.kind {
	case FieldKindNumber:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case json.Number:
			return v.Float64()
		case string:
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot convert %q to number: %w", v, err)
			}
			return n, nil
		default:
			return nil, fmt.Errorf("cannot convert %T to number", raw)
		}

	case FieldKindBoolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			switch strings.ToLower(v) {
			case "true":
				return true, nil
			case "false":
				return false, nil
			}
			return nil, fmt.Errorf("cannot convert %q to boolean", v)
		case float64:
			return v != 0, nil
		case int64:
			return v != 0, nil
		default:
			return nil, fmt.Errorf("cannot convert %T to boolean", raw)
		}

	case FieldKindTimestamp:
		switch v := raw.(type) {
		case time.Time:
			return v.UTC().Format(TimestampLayout), nil
		case string:
			if _, err := time.Parse(time.RFC3339Nano, v); err != nil {
				return nil, fmt.Errorf("cannot convert %q to timestamp: %w", v, err)
			}
			return v, nil
		default:
			return nil, fmt.Errorf("cannot convert %T to timestamp", raw)
		}

	case FieldKindJSON:
		if s, ok := raw.(string); ok {
			var decoded any
			if err := json.Unmarshal([]byte(s), &decoded); err != nil {
				return nil, fmt.Errorf("cannot decode JSON value: %w", err)
			}
			return decoded, nil
		}
		return raw, nil

	case FieldKindEnum:
		s, ok := raw.(string)
		if !ok {
			s = fmt.Sprintf("%v", raw)
		}
		for _, allowed := range f.enumValues {
			if s == allowed {
				return s, nil
			}
		}
		return nil, fmt.Errorf("value %q is not a member of the enum", s)

	case FieldKindString, FieldKindID, FieldKindReference:
		if s, ok := raw.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", raw), nil

	default:
		return raw, nil
	}
}

// StorageField returns the relational projection descriptor for the field.
func (f Field) StorageField() StorageField {
	sf := StorageField{
		Nullable:   f.nullable,
		Indexed:    f.indexed,
		Unique:     f.unique,
		Primary:    f.primary,
		HasDefault: f.hasDefault,
		Default:    f.defaultValue,
		References: f.references,
		EnumValues: f.enumValues,
	}
	switch f.kind {
	case FieldKindNumber:
		sf.SQLType = "double precision"
	case FieldKindBoolean:
		sf.SQLType = "boolean"
	case FieldKindTimestamp:
		sf.SQLType = "timestamp"
	case FieldKindJSON:
		sf.SQLType = "text"
	default:
		sf.SQLType = "varchar"
	}
	return sf
}
