package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/asaidimu/go-loom/core/clause"
	"github.com/asaidimu/go-loom/core/schema"
	"github.com/asaidimu/go-loom/core/storage"
	"go.uber.org/zap"
)

// dbRunner abstracts the shared surface of *sql.DB and *sql.Tx so the same
// code serves transactional and non-transactional operation.
type dbRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Interactor is the SQLite implementation of the storage interactor. It
// operates in one of three scopes: database (pooled connection), transaction,
// or savepoint within a transaction. Begin narrows the scope one level.
type Interactor struct {
	db        *sql.DB
	tx        *sql.Tx
	savepoint string
	depth     *int
	schemaRef *schema.Schema
	logger    *zap.Logger
}

// Ensure Interactor implements the storage contract.
var _ storage.Interactor = (*Interactor)(nil)

// NewInteractor creates a database-scoped interactor for the given schema.
func NewInteractor(db *sql.DB, s *schema.Schema, logger *zap.Logger) *Interactor {
	if logger == nil {
		logger = zap.NewNop()
	}
	depth := 0
	return &Interactor{db: db, depth: &depth, schemaRef: s, logger: logger}
}

func (i *Interactor) runner() dbRunner {
	if i.tx != nil {
		return i.tx
	}
	return i.db
}

// Begin opens a transaction, or a savepoint when already inside one, and
// returns an interactor scoped to it.
func (i *Interactor) Begin(ctx context.Context) (storage.Interactor, error) {
	if i.tx == nil {
		tx, err := i.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to begin transaction: %w", err)
		}
		return &Interactor{db: i.db, tx: tx, depth: i.depth, schemaRef: i.schemaRef, logger: i.logger}, nil
	}

	*i.depth++
	name := fmt.Sprintf("sp_%d", *i.depth)
	if _, err := i.tx.ExecContext(ctx, "SAVEPOINT "+name+";"); err != nil {
		return nil, fmt.Errorf("failed to open savepoint %s: %w", name, err)
	}
	return &Interactor{db: i.db, tx: i.tx, savepoint: name, depth: i.depth, schemaRef: i.schemaRef, logger: i.logger}, nil
}

// Commit commits the transaction, or releases the savepoint when this
// interactor is savepoint-scoped.
func (i *Interactor) Commit(ctx context.Context) error {
	if i.tx == nil {
		return fmt.Errorf("commit not applicable: not in a transactional context")
	}
	if i.savepoint != "" {
		_, err := i.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+i.savepoint+";")
		return err
	}
	return i.tx.Commit()
}

// Rollback aborts the transaction, or rolls back to the savepoint leaving the
// enclosing transaction open.
func (i *Interactor) Rollback(ctx context.Context) error {
	if i.tx == nil {
		return fmt.Errorf("rollback not applicable: not in a transactional context")
	}
	if i.savepoint != "" {
		if _, err := i.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+i.savepoint+";"); err != nil {
			return err
		}
		_, err := i.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+i.savepoint+";")
		return err
	}
	return i.tx.Rollback()
}

// Select compiles and executes a find query, returning rows in their
// inferred shape with included relations decoded.
func (i *Interactor) Select(ctx context.Context, c *schema.Collection, q *storage.Query) ([]map[string]any, error) {
	plan, err := compileSelect(i.schemaRef, c, q)
	if err != nil {
		return nil, err
	}

	i.logger.Debug("executing select", zap.String("sql", plan.sql), zap.Any("params", plan.params))
	rows, err := i.runner().QueryContext(ctx, plan.sql, plan.params...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute select: %w", err)
	}
	defer rows.Close()
	return i.readRows(c, plan.include, rows)
}

// readRows scans the result set into inferred rows, converting driver values
// per field kind and decoding include columns from their JSON aggregates.
func (i *Interactor) readRows(c *schema.Collection, include clause.Include, rows *sql.Rows) ([]map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	var results []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		scanArgs := make([]any, len(columns))
		for idx := range values {
			scanArgs[idx] = &values[idx]
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(map[string]any, len(columns))
		for idx, col := range columns {
			val := values[idx]
			if field, ok := c.Fields[col]; ok {
				row[col] = readValue(field, val)
				continue
			}
			if rel, ok := c.Relations[col]; ok {
				row[col] = decodeIncludedRows(i.schemaRef, rel, include[col], val)
				continue
			}
			i.logger.Warn("column not found in schema, using raw value", zap.String("column", col))
			row[col] = val
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error after scanning rows: %w", err)
	}
	return results, nil
}

// RawFindByID loads the full materialized row by joining the value table with
// its metadata table, or nil when the row does not exist.
func (i *Interactor) RawFindByID(ctx context.Context, c *schema.Collection, id string) (schema.Row, error) {
	primary, ok := c.PrimaryField()
	if !ok {
		return nil, fmt.Errorf("collection %s has no primary field", c.Name)
	}

	fields := c.FieldNames()
	selects := make([]string, 0, len(fields)*2)
	for _, name := range fields {
		selects = append(selects, fmt.Sprintf("v.%s", quoteIdentifier(name)))
	}
	for _, name := range fields {
		selects = append(selects, fmt.Sprintf("m.%s AS %s", quoteIdentifier(name), quoteIdentifier(name+"__ts")))
	}

	query := fmt.Sprintf("SELECT %s FROM %s v LEFT JOIN %s m ON m.%s = v.%s WHERE v.%s = ?;",
		strings.Join(selects, ", "),
		quoteIdentifier(c.Name), quoteIdentifier(metaTableName(c.Name)),
		quoteIdentifier(primary), quoteIdentifier(primary), quoteIdentifier(primary))

	rows, err := i.runner().QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s/%s: %w", c.Name, id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	values := make([]any, len(fields)*2)
	scanArgs := make([]any, len(values))
	for idx := range values {
		scanArgs[idx] = &values[idx]
	}
	if err := rows.Scan(scanArgs...); err != nil {
		return nil, fmt.Errorf("failed to scan %s/%s: %w", c.Name, id, err)
	}

	row := schema.Row{}
	for idx, name := range fields {
		rawValue := values[idx]
		rawTS := values[len(fields)+idx]
		ts := ""
		switch v := rawTS.(type) {
		case string:
			ts = v
		case []byte:
			ts = string(v)
		}
		if rawValue == nil && ts == "" {
			continue
		}
		row[name] = schema.Encoded{
			Value: readValue(c.Fields[name], rawValue),
			Meta:  schema.Meta{Timestamp: ts},
		}
	}
	return row, rows.Err()
}

// UpsertRow persists accepted field values into the value table and their
// timestamps into the metadata table, keyed by primary key.
func (i *Interactor) UpsertRow(ctx context.Context, c *schema.Collection, id string, accepted map[string]schema.Encoded, isNew bool) error {
	primary, ok := c.PrimaryField()
	if !ok {
		return fmt.Errorf("collection %s has no primary field", c.Name)
	}

	names := make([]string, 0, len(accepted))
	for _, name := range c.FieldNames() {
		if _, ok := accepted[name]; ok && name != primary {
			names = append(names, name)
		}
	}

	valueCols := []string{quoteIdentifier(primary)}
	valueParams := []any{id}
	metaParams := []any{id}
	var setClauses, metaSetClauses []string
	for _, name := range names {
		enc := accepted[name]
		prepared, err := prepareValue(c.Fields[name], enc.Value)
		if err != nil {
			return fmt.Errorf("field %s.%s: %w", c.Name, name, err)
		}
		valueCols = append(valueCols, quoteIdentifier(name))
		valueParams = append(valueParams, prepared)
		metaParams = append(metaParams, enc.Meta.Timestamp)
		setClauses = append(setClauses, fmt.Sprintf("%s = excluded.%s", quoteIdentifier(name), quoteIdentifier(name)))
		metaSetClauses = append(metaSetClauses, fmt.Sprintf("%s = excluded.%s", quoteIdentifier(name), quoteIdentifier(name)))
	}

	placeholders := strings.Repeat("?,", len(valueCols)-1) + "?"
	conflict := "DO NOTHING"
	if len(setClauses) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(setClauses, ", ")
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) %s;",
		quoteIdentifier(c.Name), strings.Join(valueCols, ", "), placeholders,
		quoteIdentifier(primary), conflict)
	if _, err := i.runner().ExecContext(ctx, stmt, valueParams...); err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", c.Name, id, err)
	}

	metaConflict := "DO NOTHING"
	if len(metaSetClauses) > 0 {
		metaConflict = "DO UPDATE SET " + strings.Join(metaSetClauses, ", ")
	}
	metaStmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) %s;",
		quoteIdentifier(metaTableName(c.Name)), strings.Join(valueCols, ", "), placeholders,
		quoteIdentifier(primary), metaConflict)
	if _, err := i.runner().ExecContext(ctx, metaStmt, metaParams...); err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", metaTableName(c.Name), id, err)
	}
	return nil
}
