package schema

import (
	"fmt"
	"sort"
)

// Row is the materialized representation of a single entity: every written
// field holds its value together with the merge metadata.
type Row map[string]Encoded

// Infer projects a materialized row onto its user-visible shape, dropping the
// per-field metadata.
func (r Row) Infer() map[string]any {
	out := make(map[string]any, len(r))
	for name, enc := range r {
		out[name] = enc.Value
	}
	return out
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for name, enc := range r {
		out[name] = enc
	}
	return out
}

// Collection is a named relational entity: a map of typed fields plus the
// relations that connect it to other collections. Relations are attached by
// schema assembly; a collection is immutable afterwards.
type Collection struct {
	Name      string
	Fields    map[string]Field
	Relations map[string]Relation
}

// NewCollection declares a collection with the given fields. Relations are
// attached later during schema assembly, which allows forward references and
// cycles between collections.
func NewCollection(name string, fields map[string]Field) *Collection {
	return &Collection{
		Name:      name,
		Fields:    fields,
		Relations: map[string]Relation{},
	}
}

// PrimaryField returns the name of the collection's primary key field.
func (c *Collection) PrimaryField() (string, bool) {
	for name, f := range c.Fields {
		if f.IsPrimary() {
			return name, true
		}
	}
	return "", false
}

// FieldNames returns the collection's field names in deterministic order.
func (c *Collection) FieldNames() []string {
	names := make([]string, 0, len(c.Fields))
	for name := range c.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EncodeMutation encodes a map of raw user values into their transport
// representation, stamping every field with the given timestamp. Values under
// a `one` relation key encode as the relation's foreign-key column; `many`
// relations have no mutation encoding. Unknown keys are carried through
// opaquely for forward compatibility.
func (c *Collection) EncodeMutation(kind MutationKind, input map[string]any, ts string) (map[string]Encoded, error) {
	if kind != MutationSet {
		return nil, fmt.Errorf("collection %s: %w: %s", c.Name, ErrUnsupportedMutation, kind)
	}
	out := make(map[string]Encoded, len(input))
	for name, raw := range input {
		if field, ok := c.Fields[name]; ok {
			enc, err := field.EncodeMutation(kind, raw, ts)
			if err != nil {
				return nil, fmt.Errorf("field %s.%s: %w", c.Name, name, err)
			}
			out[name] = enc
			continue
		}
		if rel, ok := c.Relations[name]; ok {
			if rel.Kind == RelationMany {
				return nil, fmt.Errorf("relation %s.%s: %w: set-valued writes are not part of the mutation grammar", c.Name, name, ErrUnsupportedMutation)
			}
			fk, ok := c.Fields[rel.LocalColumn]
			if !ok {
				return nil, fmt.Errorf("relation %s.%s: local column %s is not a field", c.Name, name, rel.LocalColumn)
			}
			enc, err := fk.EncodeMutation(kind, raw, ts)
			if err != nil {
				return nil, fmt.Errorf("relation %s.%s: %w", c.Name, name, err)
			}
			out[rel.LocalColumn] = enc
			continue
		}
		out[name] = Encoded{Value: raw, Meta: Meta{Timestamp: ts}}
	}
	return out, nil
}

// MergeMutation merges an encoded mutation into the current materialized row,
// field by field. Known fields apply the last-writer-wins rule; unknown fields
// pass through untouched so peers running a newer schema are not silently
// dropped. It returns the new materialized row and the accepted diff, which is
// empty when every field lost its comparison.
func (c *Collection) MergeMutation(kind MutationKind, encoded map[string]Encoded, current Row) (Row, map[string]Encoded, error) {
	materialized := current.Clone()
	if materialized == nil {
		materialized = Row{}
	}
	accepted := map[string]Encoded{}

	for name, enc := range encoded {
		field, known := c.Fields[name]
		if !known {
			materialized[name] = enc
			accepted[name] = enc
			continue
		}

		var cur *Encoded
		if existing, ok := current[name]; ok {
			cur = &existing
		}
		merged, diff, err := field.MergeMutation(kind, enc, cur)
		if err != nil {
			return nil, nil, fmt.Errorf("field %s.%s: %w", c.Name, name, err)
		}
		materialized[name] = merged
		if diff != nil {
			accepted[name] = *diff
		}
	}

	return materialized, accepted, nil
}
