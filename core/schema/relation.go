package schema

// RelationKind distinguishes single-valued from set-valued relations.
type RelationKind string

// Supported relation kinds.
const (
	RelationOne  RelationKind = "one"
	RelationMany RelationKind = "many"
)

// Relation connects a source collection to a target collection.
//
// A `one` relation stores a foreign key in LocalColumn on the source row,
// pointing at the target's primary key. A `many` relation is read by joining
// the target's ForeignColumn against the source's primary key; it stores
// nothing on the source row.
type Relation struct {
	Target        string
	Kind          RelationKind
	Required      bool
	LocalColumn   string
	ForeignColumn string
}

// RelationDecl is a tagged declaration produced by Relations, carrying the
// relations to attach to a collection during schema assembly.
type RelationDecl struct {
	Collection string
	Relations  map[string]Relation
}

// RelationBuilder accumulates relation declarations for one collection.
type RelationBuilder struct {
	relations map[string]Relation
}

// One declares a single-valued relation: the source row holds a foreign key
// in localColumn pointing at the target's primary key. The relation is
// required iff the local column is not nullable.
func (b *RelationBuilder) One(name, target, localColumn string) {
	b.relations[name] = Relation{
		Target:      target,
		Kind:        RelationOne,
		LocalColumn: localColumn,
	}
}

// Many declares a set-valued relation read by joining the target's
// foreignColumn against this collection's primary key.
func (b *RelationBuilder) Many(name, target, foreignColumn string) {
	b.relations[name] = Relation{
		Target:        target,
		Kind:          RelationMany,
		ForeignColumn: foreignColumn,
	}
}

// Relations builds a relation declaration for the named collection. The
// declaration is attached during schema assembly, so it may reference
// collections that are declared later.
func Relations(collection string, build func(b *RelationBuilder)) RelationDecl {
	b := &RelationBuilder{relations: map[string]Relation{}}
	build(b)
	return RelationDecl{Collection: collection, Relations: b.relations}
}
