package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blogCollections() []*Collection {
	users := NewCollection("users", map[string]Field{
		"id":   ID(),
		"name": String().Nullable(),
	})
	posts := NewCollection("posts", map[string]Field{
		"id":     ID(),
		"title":  String(),
		"userId": Ref("users", "id"),
	})
	return []*Collection{users, posts}
}

func TestSchemaAssembly(t *testing.T) {
	s, err := New(blogCollections(),
		Relations("users", func(b *RelationBuilder) {
			b.Many("posts", "posts", "userId")
		}),
		Relations("posts", func(b *RelationBuilder) {
			b.One("user", "users", "userId")
		}),
	)
	require.NoError(t, err)

	users, ok := s.Collection("users")
	require.True(t, ok)
	assert.Equal(t, RelationMany, users.Relations["posts"].Kind)

	posts, _ := s.Collection("posts")
	rel := posts.Relations["user"]
	assert.Equal(t, RelationOne, rel.Kind)
	assert.True(t, rel.Required, "non-nullable local column makes the relation required")
}

// Mutually referencing collections resolve through the two-phase assembly.
func TestSchemaCyclicRelations(t *testing.T) {
	a := NewCollection("a", map[string]Field{"id": ID(), "bId": String().Nullable()})
	b := NewCollection("b", map[string]Field{"id": ID(), "aId": String().Nullable()})

	s, err := New([]*Collection{a, b},
		Relations("a", func(rb *RelationBuilder) { rb.One("b", "b", "bId") }),
		Relations("b", func(rb *RelationBuilder) { rb.One("a", "a", "aId") }),
	)
	require.NoError(t, err)

	colA, _ := s.Collection("a")
	assert.False(t, colA.Relations["b"].Required, "nullable column makes the relation optional")
}

func TestSchemaValidation(t *testing.T) {
	t.Run("duplicate collection name", func(t *testing.T) {
		_, err := New([]*Collection{
			NewCollection("users", map[string]Field{"id": ID()}),
			NewCollection("users", map[string]Field{"id": ID()}),
		})
		var serr *SchemaError
		require.ErrorAs(t, err, &serr)
	})

	t.Run("missing primary field", func(t *testing.T) {
		_, err := New([]*Collection{
			NewCollection("users", map[string]Field{"name": String()}),
		})
		assert.Error(t, err)
	})

	t.Run("two primary fields", func(t *testing.T) {
		_, err := New([]*Collection{
			NewCollection("users", map[string]Field{"id": ID(), "id2": String().Primary()}),
		})
		assert.Error(t, err)
	})

	t.Run("reference to unknown collection", func(t *testing.T) {
		_, err := New([]*Collection{
			NewCollection("posts", map[string]Field{"id": ID(), "userId": Ref("users", "id")}),
		})
		assert.Error(t, err)
	})

	t.Run("reference to unknown field", func(t *testing.T) {
		_, err := New([]*Collection{
			NewCollection("users", map[string]Field{"id": ID()}),
			NewCollection("posts", map[string]Field{"id": ID(), "userId": Ref("users", "uuid")}),
		})
		assert.Error(t, err)
	})

	t.Run("one relation with unknown local column", func(t *testing.T) {
		_, err := New(blogCollections(),
			Relations("posts", func(b *RelationBuilder) { b.One("user", "users", "authorId") }),
		)
		assert.Error(t, err)
	})

	t.Run("many relation with unknown foreign column", func(t *testing.T) {
		_, err := New(blogCollections(),
			Relations("users", func(b *RelationBuilder) { b.Many("posts", "posts", "ownerId") }),
		)
		assert.Error(t, err)
	})

	t.Run("relation declaration for unknown collection", func(t *testing.T) {
		_, err := New(blogCollections(),
			Relations("ghosts", func(b *RelationBuilder) { b.Many("posts", "posts", "userId") }),
		)
		assert.Error(t, err)
	})

	t.Run("relation shadowing a field", func(t *testing.T) {
		_, err := New(blogCollections(),
			Relations("posts", func(b *RelationBuilder) { b.One("title", "users", "userId") }),
		)
		assert.Error(t, err)
	})
}
