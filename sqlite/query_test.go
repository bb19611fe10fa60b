package sqlite

import (
	"testing"

	"github.com/asaidimu/go-loom/core/clause"
	"github.com/asaidimu/go-loom/core/schema"
	"github.com/asaidimu/go-loom/core/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blogSchema(t *testing.T) *schema.Schema {
	t.Helper()
	users := schema.NewCollection("users", map[string]schema.Field{
		"id":   schema.ID(),
		"name": schema.String().Nullable().Index(),
		"age":  schema.Number().Nullable(),
	})
	posts := schema.NewCollection("posts", map[string]schema.Field{
		"id":     schema.ID(),
		"title":  schema.String(),
		"views":  schema.Number().Default(0),
		"draft":  schema.Boolean().Nullable(),
		"userId": schema.Ref("users", "id"),
	})
	comments := schema.NewCollection("comments", map[string]schema.Field{
		"id":     schema.ID(),
		"body":   schema.String(),
		"meta":   schema.JSON().Nullable(),
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

func whereFor(t *testing.T, s *schema.Schema, collectionName string, raw map[string]any) *clause.Where {
	t.Helper()
	c, ok := s.Collection(collectionName)
	require.True(t, ok)
	w, err := clause.ParseWhere(s, c, raw)
	require.NoError(t, err)
	return &w
}

func planFor(t *testing.T, s *schema.Schema, collectionName string, q *storage.Query) *selectPlan {
	t.Helper()
	c, ok := s.Collection(collectionName)
	require.True(t, ok)
	plan, err := compileSelect(s, c, q)
	require.NoError(t, err)
	return plan
}

func TestCompileSelectSimpleEq(t *testing.T) {
	s := blogSchema(t)
	plan := planFor(t, s, "users", &storage.Query{
		Where: whereFor(t, s, "users", map[string]any{"name": "Ada"}),
	})

	assert.Contains(t, plan.sql, `FROM "users"`)
	assert.Contains(t, plan.sql, `"users"."name" = ?`)
	assert.Equal(t, []any{"Ada"}, plan.params)
}

func TestCompileSelectNullHandling(t *testing.T) {
	s := blogSchema(t)

	isNull := planFor(t, s, "users", &storage.Query{
		Where: whereFor(t, s, "users", map[string]any{"name": nil}),
	})
	assert.Contains(t, isNull.sql, `"users"."name" IS NULL`)
	assert.Empty(t, isNull.params)

	notNull := planFor(t, s, "users", &storage.Query{
		Where: whereFor(t, s, "users", map[string]any{"name": map[string]any{"$not": nil}}),
	})
	assert.Contains(t, notNull.sql, `"users"."name" IS NOT NULL`)
}

func TestCompileSelectInOperators(t *testing.T) {
	s := blogSchema(t)

	in := planFor(t, s, "users", &storage.Query{
		Where: whereFor(t, s, "users", map[string]any{"name": map[string]any{"$in": []any{"a", "b"}}}),
	})
	assert.Contains(t, in.sql, `"users"."name" IN (?,?)`)
	assert.Equal(t, []any{"a", "b"}, in.params)

	notIn := planFor(t, s, "users", &storage.Query{
		Where: whereFor(t, s, "users", map[string]any{"name": map[string]any{"$not": map[string]any{"$in": []any{"a"}}}}),
	})
	assert.Contains(t, notIn.sql, `"users"."name" NOT IN (?)`)

	empty := planFor(t, s, "users", &storage.Query{
		Where: whereFor(t, s, "users", map[string]any{"name": map[string]any{"$in": []any{}}}),
	})
	assert.Contains(t, empty.sql, "1=0")
}

func TestCompileSelectOneRelationJoins(t *testing.T) {
	s := blogSchema(t)
	plan := planFor(t, s, "comments", &storage.Query{
		Where: whereFor(t, s, "comments", map[string]any{
			"post": map[string]any{"user": map[string]any{"name": "Ada"}},
		}),
	})

	assert.Contains(t, plan.sql, `LEFT JOIN "posts" ON "posts"."id" = "comments"."postId"`)
	assert.Contains(t, plan.sql, `LEFT JOIN "users" ON "users"."id" = "posts"."userId"`)
	assert.Contains(t, plan.sql, `"users"."name" = ?`)
	assert.Equal(t, []any{"Ada"}, plan.params)
}

func TestCompileSelectManyRelationExists(t *testing.T) {
	s := blogSchema(t)
	plan := planFor(t, s, "users", &storage.Query{
		Where: whereFor(t, s, "users", map[string]any{
			"posts": map[string]any{"views": map[string]any{"$gt": 100}},
		}),
	})

	assert.Contains(t, plan.sql,
		`EXISTS (SELECT 1 FROM "posts" WHERE "posts"."userId" = "users"."id" AND "posts"."views" > ?)`)
	assert.Equal(t, []any{100.0}, plan.params)
}

func TestCompileSelectIncludeShapes(t *testing.T) {
	s := blogSchema(t)
	c, _ := s.Collection("posts")
	inc, err := clause.ParseInclude(s, c, map[string]any{
		"user":     true,
		"comments": true,
	})
	require.NoError(t, err)

	plan := planFor(t, s, "posts", &storage.Query{Include: inc})
	assert.Contains(t, plan.sql, "json_object(")
	assert.Contains(t, plan.sql, "json_group_array(")
	assert.Contains(t, plan.sql, `AS "user"`)
	assert.Contains(t, plan.sql, `AS "comments"`)
}

// A where that touches a relation implies the matching include on the result
// shape.
func TestCompileSelectImplicitIncludeFromWhere(t *testing.T) {
	s := blogSchema(t)
	plan := planFor(t, s, "comments", &storage.Query{
		Where: whereFor(t, s, "comments", map[string]any{
			"post": map[string]any{"title": "go"},
		}),
	})

	assert.Contains(t, plan.include, "post")
	assert.Contains(t, plan.sql, `AS "post"`)
}

func TestCompileSelectOrderLimit(t *testing.T) {
	s := blogSchema(t)
	plan := planFor(t, s, "posts", &storage.Query{
		OrderBy: []clause.Sort{{Field: "views", Direction: clause.SortDesc}},
		Limit:   10,
	})
	assert.Contains(t, plan.sql, `ORDER BY "posts"."views" DESC`)
	assert.Contains(t, plan.sql, "LIMIT 10")
}

// Identical queries compile to identical plans.
func TestCompileSelectDeterminism(t *testing.T) {
	s := blogSchema(t)
	raw := map[string]any{
		"$or": []any{
			map[string]any{"title": "a"},
			map[string]any{"views": map[string]any{"$gt": 1}},
		},
		"user": map[string]any{"name": map[string]any{"$not": nil}},
	}
	first := planFor(t, s, "posts", &storage.Query{Where: whereFor(t, s, "posts", raw)})
	for i := 0; i < 10; i++ {
		again := planFor(t, s, "posts", &storage.Query{Where: whereFor(t, s, "posts", raw)})
		assert.Equal(t, first.sql, again.sql)
		assert.Equal(t, first.params, again.params)
	}
}

func TestCreateTableSQL(t *testing.T) {
	s := blogSchema(t)
	posts, _ := s.Collection("posts")

	stmt, err := createTableSQL(posts)
	require.NoError(t, err)
	assert.Contains(t, stmt, `CREATE TABLE IF NOT EXISTS "posts"`)
	assert.Contains(t, stmt, `"id" TEXT PRIMARY KEY NOT NULL`)
	assert.Contains(t, stmt, `"views" REAL`)
	assert.Contains(t, stmt, `"draft" INTEGER`)
	assert.Contains(t, stmt, `"userId" TEXT`)
	assert.Contains(t, stmt, `REFERENCES "users"("id")`)

	meta := createMetaTableSQL(posts)
	assert.Contains(t, meta, `CREATE TABLE IF NOT EXISTS "posts_meta"`)
	assert.Contains(t, meta, `"views" TEXT`)
}
