package clause

import (
	"testing"

	"github.com/asaidimu/go-loom/core/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blogSchema(t *testing.T) *schema.Schema {
	t.Helper()
	users := schema.NewCollection("users", map[string]schema.Field{
		"id":   schema.ID(),
		"name": schema.String().Nullable(),
		"age":  schema.Number().Nullable(),
	})
	posts := schema.NewCollection("posts", map[string]schema.Field{
		"id":     schema.ID(),
		"title":  schema.String(),
		"views":  schema.Number().Default(0),
		"userId": schema.Ref("users", "id"),
	})
	comments := schema.NewCollection("comments", map[string]schema.Field{
		"id":     schema.ID(),
		"body":   schema.String(),
		"postId": schema.Ref("posts", "id"),
	})

	s, err := schema.New(
		[]*schema.Collection{users, posts, comments},
		schema.Relations("users", func(b *schema.RelationBuilder) {
			b.Many("posts", "posts", "userId")
		}),
		schema.Relations("posts", func(b *schema.RelationBuilder) {
			b.One("user", "users", "userId")
			b.Many("comments", "comments", "postId")
		}),
		schema.Relations("comments", func(b *schema.RelationBuilder) {
			b.One("post", "posts", "postId")
		}),
	)
	require.NoError(t, err)
	return s
}

func collection(t *testing.T, s *schema.Schema, name string) *schema.Collection {
	t.Helper()
	c, ok := s.Collection(name)
	require.True(t, ok)
	return c
}

func TestParseWhereScalarShorthand(t *testing.T) {
	s := blogSchema(t)
	users := collection(t, s, "users")

	w, err := ParseWhere(s, users, map[string]any{"name": "Ada"})
	require.NoError(t, err)
	require.Len(t, w.Conditions, 1)
	assert.Equal(t, Condition{Field: "name", Op: OpEq, Value: "Ada"}, w.Conditions[0])
}

func TestParseWhereOperators(t *testing.T) {
	s := blogSchema(t)
	posts := collection(t, s, "posts")

	w, err := ParseWhere(s, posts, map[string]any{
		"views": map[string]any{"$gt": 10, "$lte": 100},
		"title": map[string]any{"$in": []any{"a", "b"}},
	})
	require.NoError(t, err)
	assert.Len(t, w.Conditions, 3)
}

func TestParseWhereNot(t *testing.T) {
	s := blogSchema(t)
	users := collection(t, s, "users")

	t.Run("short form", func(t *testing.T) {
		w, err := ParseWhere(s, users, map[string]any{"name": map[string]any{"$not": "Ada"}})
		require.NoError(t, err)
		require.Len(t, w.Conditions, 1)
		assert.True(t, w.Conditions[0].Negated)
		assert.Equal(t, OpEq, w.Conditions[0].Op)
	})

	t.Run("not null", func(t *testing.T) {
		w, err := ParseWhere(s, users, map[string]any{"name": map[string]any{"$not": nil}})
		require.NoError(t, err)
		require.Len(t, w.Conditions, 1)
		assert.True(t, w.Conditions[0].Negated)
		assert.Nil(t, w.Conditions[0].Value)
	})

	t.Run("long form wraps in", func(t *testing.T) {
		w, err := ParseWhere(s, users, map[string]any{
			"name": map[string]any{"$not": map[string]any{"$in": []any{"x"}}},
		})
		require.NoError(t, err)
		require.Len(t, w.Conditions, 1)
		assert.Equal(t, OpIn, w.Conditions[0].Op)
		assert.True(t, w.Conditions[0].Negated)
	})

	t.Run("double negation cancels", func(t *testing.T) {
		w, err := ParseWhere(s, users, map[string]any{
			"name": map[string]any{"$not": map[string]any{"$not": "Ada"}},
		})
		require.NoError(t, err)
		require.Len(t, w.Conditions, 1)
		assert.False(t, w.Conditions[0].Negated)
	})
}

func TestParseWhereGroups(t *testing.T) {
	s := blogSchema(t)
	posts := collection(t, s, "posts")

	w, err := ParseWhere(s, posts, map[string]any{
		"$or": []any{
			map[string]any{"title": "a"},
			map[string]any{"views": map[string]any{"$gte": 10}},
		},
		"$and": []any{
			map[string]any{"title": map[string]any{"$not": nil}},
		},
	})
	require.NoError(t, err)
	assert.Len(t, w.Or, 2)
	assert.Len(t, w.And, 1)
}

func TestParseWhereRelationTraversal(t *testing.T) {
	s := blogSchema(t)
	comments := collection(t, s, "comments")

	w, err := ParseWhere(s, comments, map[string]any{
		"post": map[string]any{
			"user": map[string]any{"name": "Ada"},
		},
	})
	require.NoError(t, err)
	post, ok := w.Relations["post"]
	require.True(t, ok)
	assert.Equal(t, schema.RelationOne, post.Relation.Kind)
	user, ok := post.Where.Relations["user"]
	require.True(t, ok)
	assert.Equal(t, []Condition{{Field: "name", Op: OpEq, Value: "Ada"}}, user.Where.Conditions)
}

func TestParseWhereValidation(t *testing.T) {
	s := blogSchema(t)
	users := collection(t, s, "users")
	posts := collection(t, s, "posts")

	cases := []struct {
		name string
		c    *schema.Collection
		raw  map[string]any
	}{
		{"unknown field", users, map[string]any{"height": 1}},
		{"ordered comparator on string", posts, map[string]any{"title": map[string]any{"$gt": "a"}}},
		{"unknown operator", users, map[string]any{"name": map[string]any{"$regex": "a.*"}}},
		{"$in without array", users, map[string]any{"name": map[string]any{"$in": "Ada"}}},
		{"$and without array", users, map[string]any{"$and": map[string]any{}}},
		{"relation clause not an object", posts, map[string]any{"user": "Ada"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseWhere(s, tc.c, tc.raw)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}

	// Ordered comparators are fine on numbers and timestamps.
	_, err := ParseWhere(s, posts, map[string]any{"views": map[string]any{"$gt": 5}})
	assert.NoError(t, err)
}

func TestParseInclude(t *testing.T) {
	s := blogSchema(t)
	users := collection(t, s, "users")

	inc, err := ParseInclude(s, users, map[string]any{
		"posts": map[string]any{
			"where":   map[string]any{"views": map[string]any{"$gt": 10}},
			"limit":   5,
			"orderBy": map[string]any{"views": "desc"},
			"include": map[string]any{"comments": true},
		},
	})
	require.NoError(t, err)
	sub := inc["posts"]
	require.NotNil(t, sub)
	require.NotNil(t, sub.Where)
	assert.Equal(t, 5, sub.Limit)
	require.Len(t, sub.OrderBy, 1)
	assert.Equal(t, Sort{Field: "views", Direction: SortDesc}, sub.OrderBy[0])
	assert.Contains(t, sub.Include, "comments")

	t.Run("false entries are skipped", func(t *testing.T) {
		inc, err := ParseInclude(s, users, map[string]any{"posts": false})
		require.NoError(t, err)
		assert.NotContains(t, inc, "posts")
	})

	t.Run("unknown relation", func(t *testing.T) {
		_, err := ParseInclude(s, users, map[string]any{"friends": true})
		assert.Error(t, err)
	})
}

func TestExtractIncludeFromWhere(t *testing.T) {
	s := blogSchema(t)
	comments := collection(t, s, "comments")

	w, err := ParseWhere(s, comments, map[string]any{
		"post": map[string]any{"user": map[string]any{"name": "Ada"}},
		"body": "hi",
	})
	require.NoError(t, err)

	inc := ExtractIncludeFromWhere(w)
	require.Contains(t, inc, "post")
	require.NotNil(t, inc["post"])
	assert.Contains(t, inc["post"].Include, "user")

	t.Run("no relations, no include", func(t *testing.T) {
		flat, err := ParseWhere(s, comments, map[string]any{"body": "hi"})
		require.NoError(t, err)
		assert.Nil(t, ExtractIncludeFromWhere(flat))
	})
}
