package router

import (
	"context"
	"errors"
	"testing"

	"github.com/asaidimu/go-loom/core/schema"
	"github.com/asaidimu/go-loom/core/storage"
	"github.com/asaidimu/go-loom/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"database/sql"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

func testEngine(t *testing.T) *storage.Engine {
	t.Helper()
	notes := schema.NewCollection("notes", map[string]schema.Field{
		"id":   schema.ID(),
		"body": schema.String().Nullable(),
	})
	s, err := schema.New([]*schema.Collection{notes})
	require.NoError(t, err)

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "router_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	engine, err := storage.New(s, sqlite.NewInteractor(db, s, nil), nil)
	require.NoError(t, err)
	require.NoError(t, engine.Init(context.Background()))
	return engine
}

func encodedNote(id, body string) map[string]schema.Encoded {
	ts := schema.Now()
	return map[string]schema.Encoded{
		"id":   {Value: id, Meta: schema.Meta{Timestamp: ts}},
		"body": {Value: body, Meta: schema.Meta{Timestamp: ts}},
	}
}

func TestRouterFromSchema(t *testing.T) {
	engine := testEngine(t)
	r := FromSchema(engine)

	_, ok := r.Route("notes")
	assert.True(t, ok)
	_, ok = r.Route("ghosts")
	assert.False(t, ok)
	assert.Equal(t, []string{"notes"}, r.Resources())
}

func TestRouteOperations(t *testing.T) {
	engine := testEngine(t)
	route := NewRoute("notes", engine)
	ctx := context.Background()
	rc := &Context{ConnID: "c1"}

	row, err := route.Insert(ctx, rc, "n1", encodedNote("n1", "hello"), "m1")
	require.NoError(t, err)
	assert.Equal(t, "hello", row["body"])

	found, err := route.FindOne(ctx, rc, "n1", nil)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "hello", found["body"])

	rows, err := route.Get(ctx, rc, nil)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRouteHooks(t *testing.T) {
	engine := testEngine(t)
	ctx := context.Background()

	t.Run("before hook sees the request and can reject", func(t *testing.T) {
		route := NewRoute("notes", engine)
		var seen *Request
		route.Before(OpInsert, func(ctx context.Context, rc *Context, req *Request) error {
			seen = req
			if rc.Claims["role"] != "writer" {
				return errors.New("writers only")
			}
			return nil
		})

		_, err := route.Insert(ctx, &Context{ConnID: "c1"}, "n2", encodedNote("n2", "x"), "m2")
		var aerr *AuthError
		require.ErrorAs(t, err, &aerr)
		require.NotNil(t, seen)
		assert.Equal(t, OpInsert, seen.Op)
		assert.Equal(t, "notes", seen.Resource)

		// The rejected write never reached storage.
		row, err := engine.FindOne(ctx, "notes", "n2", nil)
		require.NoError(t, err)
		assert.Nil(t, row)

		_, err = route.Insert(ctx, &Context{ConnID: "c1", Claims: map[string]any{"role": "writer"}}, "n2", encodedNote("n2", "x"), "m2")
		assert.NoError(t, err)
	})

	t.Run("after hook sees the result", func(t *testing.T) {
		route := NewRoute("notes", engine)
		var result any
		route.After(OpFindOne, func(ctx context.Context, rc *Context, req *Request) error {
			result = req.Result
			return nil
		})
		_, err := route.FindOne(ctx, &Context{}, "n2", nil)
		require.NoError(t, err)
		assert.NotNil(t, result)
	})
}
