package schema

import (
	"fmt"
	"sort"
)

// SchemaError reports an invalid schema declaration. Schema errors are fatal
// to startup: a schema either validates completely or is unusable.
type SchemaError struct {
	Collection string
	Detail     string
}

func (e *SchemaError) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("schema: %s", e.Detail)
	}
	return fmt.Sprintf("schema: collection %s: %s", e.Collection, e.Detail)
}

// Schema is a validated set of collections with their relations attached.
type Schema struct {
	Collections map[string]*Collection
}

// New assembles a schema from collection declarations and relation
// declarations. Assembly runs in two phases: collections are registered
// first, then relations are attached and validated, which lets declarations
// reference each other in any order and form cycles.
func New(collections []*Collection, decls ...RelationDecl) (*Schema, error) {
	s := &Schema{Collections: make(map[string]*Collection, len(collections))}

	for _, c := range collections {
		if c.Name == "" {
			return nil, &SchemaError{Detail: "collection name cannot be empty"}
		}
		if _, exists := s.Collections[c.Name]; exists {
			return nil, &SchemaError{Collection: c.Name, Detail: "duplicate collection name"}
		}
		s.Collections[c.Name] = c
	}

	for _, decl := range decls {
		source, ok := s.Collections[decl.Collection]
		if !ok {
			return nil, &SchemaError{Collection: decl.Collection, Detail: "relation declaration targets an unknown collection"}
		}
		for name, rel := range decl.Relations {
			if _, dup := source.Fields[name]; dup {
				return nil, &SchemaError{Collection: source.Name, Detail: fmt.Sprintf("relation %s shadows a field of the same name", name)}
			}
			source.Relations[name] = rel
		}
	}

	for _, c := range s.Collections {
		if err := s.validateCollection(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Collection returns the named collection, or false when it is unknown.
func (s *Schema) Collection(name string) (*Collection, bool) {
	c, ok := s.Collections[name]
	return c, ok
}

// CollectionNames returns the collection names in deterministic order.
func (s *Schema) CollectionNames() []string {
	names := make([]string, 0, len(s.Collections))
	for name := range s.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Schema) validateCollection(c *Collection) error {
	primaries := 0
	for name, f := range c.Fields {
		if f.IsPrimary() {
			primaries++
		}
		if ref := f.References(); ref != nil {
			target, ok := s.Collections[ref.Collection]
			if !ok {
				return &SchemaError{Collection: c.Name, Detail: fmt.Sprintf("field %s references unknown collection %s", name, ref.Collection)}
			}
			if _, ok := target.Fields[ref.Field]; !ok {
				return &SchemaError{Collection: c.Name, Detail: fmt.Sprintf("field %s references unknown field %s.%s", name, ref.Collection, ref.Field)}
			}
		}
	}
	if primaries != 1 {
		return &SchemaError{Collection: c.Name, Detail: fmt.Sprintf("expected exactly one primary field, found %d", primaries)}
	}

	for name, rel := range c.Relations {
		target, ok := s.Collections[rel.Target]
		if !ok {
			return &SchemaError{Collection: c.Name, Detail: fmt.Sprintf("relation %s targets unknown collection %s", name, rel.Target)}
		}
		switch rel.Kind {
		case RelationOne:
			local, ok := c.Fields[rel.LocalColumn]
			if !ok {
				return &SchemaError{Collection: c.Name, Detail: fmt.Sprintf("relation %s: local column %s is not a field", name, rel.LocalColumn)}
			}
			// Required tracks the nullability of the backing column.
			rel.Required = !local.IsNullable()
			c.Relations[name] = rel
		case RelationMany:
			if _, ok := target.Fields[rel.ForeignColumn]; !ok {
				return &SchemaError{Collection: c.Name, Detail: fmt.Sprintf("relation %s: foreign column %s is not a field of %s", name, rel.ForeignColumn, rel.Target)}
			}
		default:
			return &SchemaError{Collection: c.Name, Detail: fmt.Sprintf("relation %s has unknown kind %q", name, rel.Kind)}
		}
	}
	return nil
}
