package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/asaidimu/go-loom/core/schema"
)

// Plan computes the DDL statements Init would execute for each collection,
// without running them. Collections with nothing to do map to an empty slice.
func (i *Interactor) Plan(ctx context.Context, s *schema.Schema) (map[string][]string, error) {
	out := map[string][]string{}
	for _, name := range s.CollectionNames() {
		c, _ := s.Collection(name)
		stmts, err := i.PlanCollection(ctx, c)
		if err != nil {
			return nil, err
		}
		out[name] = stmts
	}
	return out, nil
}

// PlanCollection computes the pending DDL for one collection: table and
// metadata-table creation when missing, otherwise additive columns, plus any
// missing indexes.
func (i *Interactor) PlanCollection(ctx context.Context, c *schema.Collection) ([]string, error) {
	var stmts []string

	exists, err := i.tableExists(ctx, c.Name)
	if err != nil {
		return nil, err
	}
	if !exists {
		create, err := createTableSQL(c)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, create)
	} else {
		existing, err := i.columnTypes(ctx, c.Name)
		if err != nil {
			return nil, err
		}
		for _, name := range c.FieldNames() {
			if _, ok := existing[name]; ok {
				continue
			}
			def, err := columnDefinition(name, c.Fields[name])
			if err != nil {
				return nil, err
			}
			def = strings.Replace(def, " PRIMARY KEY NOT NULL", "", 1)
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s;", quoteIdentifier(c.Name), def))
		}
	}

	metaExists, err := i.tableExists(ctx, metaTableName(c.Name))
	if err != nil {
		return nil, err
	}
	if !metaExists {
		stmts = append(stmts, createMetaTableSQL(c))
	} else {
		existing, err := i.columnTypes(ctx, metaTableName(c.Name))
		if err != nil {
			return nil, err
		}
		for _, name := range c.FieldNames() {
			if _, ok := existing[name]; ok {
				continue
			}
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT;",
				quoteIdentifier(metaTableName(c.Name)), quoteIdentifier(name)))
		}
	}

	indexStmts, err := i.planIndexes(ctx, c)
	if err != nil {
		return nil, err
	}
	return append(stmts, indexStmts...), nil
}

func (i *Interactor) planIndexes(ctx context.Context, c *schema.Collection) ([]string, error) {
	var stmts []string
	for _, name := range c.FieldNames() {
		sf := c.Fields[name].StorageField()
		if sf.Primary || (!sf.Indexed && !sf.Unique) {
			continue
		}
		indexName := fmt.Sprintf("%s_%s_index", c.Name, name)
		unique := ""
		if sf.Unique {
			indexName = fmt.Sprintf("%s_%s_unique", c.Name, name)
			unique = "UNIQUE "
		}
		exists, err := i.indexExists(ctx, indexName)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}
		stmts = append(stmts, fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s);",
			unique, quoteIdentifier(indexName), quoteIdentifier(c.Name), quoteIdentifier(name)))
	}
	return stmts, nil
}

func (i *Interactor) indexExists(ctx context.Context, name string) (bool, error) {
	const query = "SELECT name FROM sqlite_master WHERE type='index' AND name = ?;"
	var found string
	err := i.runner().QueryRowContext(ctx, query, name).Scan(&found)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ApplyCollection runs the additive migration for one collection.
func (i *Interactor) ApplyCollection(ctx context.Context, c *schema.Collection) error {
	return i.initCollection(ctx, c)
}
