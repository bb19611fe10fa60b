package main

import (
	"log"

	"github.com/asaidimu/go-loom/cli"
	"github.com/asaidimu/go-loom/core/schema"
)

// demoSchema is the blog-shaped schema served by the reference deployment:
// users write posts, posts collect comments.
func demoSchema() (*schema.Schema, error) {
	users := schema.NewCollection("users", map[string]schema.Field{
		"id":    schema.ID(),
		"name":  schema.String().Nullable().Index(),
		"email": schema.String().Unique(),
		"role":  schema.Enum("admin", "member").Default("member"),
	})
	posts := schema.NewCollection("posts", map[string]schema.Field{
		"id":        schema.ID(),
		"title":     schema.String(),
		"body":      schema.String().Nullable(),
		"views":     schema.Number().Default(0),
		"published": schema.Boolean().Default(false),
		"userId":    schema.Ref("users", "id"),
		"createdAt": schema.Timestamp().Nullable(),
	})
	comments := schema.NewCollection("comments", map[string]schema.Field{
		"id":     schema.ID(),
		"body":   schema.String(),
		"postId": schema.Ref("posts", "id"),
		"meta":   schema.JSON().Nullable(),
	})

	return schema.New(
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
}

func main() {
	s, err := demoSchema()
	if err != nil {
		log.Fatalf("invalid schema: %v", err)
	}
	cli.Execute(cli.New(s))
}
