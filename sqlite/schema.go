package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/asaidimu/go-loom/core/schema"
	"go.uber.org/zap"
)

// Init projects the schema onto the database: missing tables and columns are
// created, declared indexes and unique constraints are added on them, and
// type mismatches on existing columns are logged without altering anything.
// Table-creation failures are fatal; index-creation failures are logged and
// skipped.
func (i *Interactor) Init(ctx context.Context, s *schema.Schema) error {
	for _, name := range s.CollectionNames() {
		c, _ := s.Collection(name)
		if err := i.initCollection(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (i *Interactor) initCollection(ctx context.Context, c *schema.Collection) error {
	exists, err := i.tableExists(ctx, c.Name)
	if err != nil {
		return fmt.Errorf("failed to look up table %s: %w", c.Name, err)
	}
	if !exists {
		stmt, err := createTableSQL(c)
		if err != nil {
			return err
		}
		if _, err := i.runner().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table %s: %w", c.Name, err)
		}
	} else if err := i.addMissingColumns(ctx, c); err != nil {
		return err
	}

	metaExists, err := i.tableExists(ctx, metaTableName(c.Name))
	if err != nil {
		return fmt.Errorf("failed to look up table %s: %w", metaTableName(c.Name), err)
	}
	if !metaExists {
		if _, err := i.runner().ExecContext(ctx, createMetaTableSQL(c)); err != nil {
			return fmt.Errorf("failed to create table %s: %w", metaTableName(c.Name), err)
		}
	} else if err := i.addMissingMetaColumns(ctx, c); err != nil {
		return err
	}

	i.createIndexes(ctx, c)
	return nil
}

// tableExists checks the catalog for a table of the given name.
func (i *Interactor) tableExists(ctx context.Context, name string) (bool, error) {
	const query = "SELECT name FROM sqlite_master WHERE type='table' AND name = ?;"
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

// createTableSQL generates the DDL for a collection's value table: one column
// per field (foreign keys are reference fields), with the primary key and
// per-column constraints inline.
func createTableSQL(c *schema.Collection) (string, error) {
	var sb strings.Builder
	sb.WriteString("CREATE TABLE IF NOT EXISTS ")
	sb.WriteString(quoteIdentifier(c.Name) + " (\n")

	var columns []string
	for _, name := range c.FieldNames() {
		def, err := columnDefinition(name, c.Fields[name])
		if err != nil {
			return "", fmt.Errorf("collection %s: field %s: %w", c.Name, name, err)
		}
		columns = append(columns, "    "+def)
	}
	sb.WriteString(strings.Join(columns, ",\n"))
	sb.WriteString("\n);")
	return sb.String(), nil
}

// columnDefinition builds the DDL for a single column. Non-primary columns
// stay nullable at the SQL level: rows accrete field by field as mutations
// are accepted, so required-ness is enforced by the type layer instead.
func columnDefinition(name string, f schema.Field) (string, error) {
	sf := f.StorageField()
	parts := []string{quoteIdentifier(name), columnType(f)}

	if sf.Primary {
		parts = append(parts, "PRIMARY KEY NOT NULL")
	}
	if sf.HasDefault {
		formatted, err := formatDefaultValue(f, sf.Default)
		if err != nil {
			return "", err
		}
		parts = append(parts, "DEFAULT "+formatted)
	}
	if len(sf.EnumValues) > 0 {
		quoted := make([]string, len(sf.EnumValues))
		for i, v := range sf.EnumValues {
			quoted[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
		}
		parts = append(parts, fmt.Sprintf("CHECK(%s IN (%s))", quoteIdentifier(name), strings.Join(quoted, ", ")))
	}
	if sf.References != nil {
		parts = append(parts, fmt.Sprintf("REFERENCES %s(%s)",
			quoteIdentifier(sf.References.Collection), quoteIdentifier(sf.References.Field)))
	}
	return strings.Join(parts, " "), nil
}

// createMetaTableSQL generates the DDL for the parallel metadata table: the
// same primary key plus one ISO-timestamp text column per field.
func createMetaTableSQL(c *schema.Collection) string {
	primary, _ := c.PrimaryField()
	var sb strings.Builder
	sb.WriteString("CREATE TABLE IF NOT EXISTS ")
	sb.WriteString(quoteIdentifier(metaTableName(c.Name)) + " (\n")

	columns := []string{"    " + quoteIdentifier(primary) + " TEXT PRIMARY KEY NOT NULL"}
	for _, name := range c.FieldNames() {
		if name == primary {
			continue
		}
		columns = append(columns, "    "+quoteIdentifier(name)+" TEXT")
	}
	sb.WriteString(strings.Join(columns, ",\n"))
	sb.WriteString("\n);")
	return sb.String()
}

func formatDefaultValue(f schema.Field, value any) (string, error) {
	if value == nil {
		return "NULL", nil
	}
	switch f.Kind() {
	case schema.FieldKindNumber:
		return fmt.Sprintf("%v", value), nil
	case schema.FieldKindBoolean:
		if b, ok := value.(bool); ok && b {
			return "1", nil
		}
		return "0", nil
	default:
		return "'" + strings.ReplaceAll(fmt.Sprintf("%v", value), "'", "''") + "'", nil
	}
}

// addMissingColumns adds declared columns absent from an existing table and
// warns about type mismatches. Existing columns are never altered: narrowing
// or retyping a live column is destructive.
func (i *Interactor) addMissingColumns(ctx context.Context, c *schema.Collection) error {
	existing, err := i.columnTypes(ctx, c.Name)
	if err != nil {
		return fmt.Errorf("failed to inspect table %s: %w", c.Name, err)
	}

	for _, name := range c.FieldNames() {
		field := c.Fields[name]
		declared := columnType(field)
		current, ok := existing[name]
		if !ok {
			def, err := columnDefinition(name, field)
			if err != nil {
				return err
			}
			// ALTER TABLE cannot add a primary key column after the fact.
			def = strings.Replace(def, " PRIMARY KEY NOT NULL", "", 1)
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s;", quoteIdentifier(c.Name), def)
			if _, err := i.runner().ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to add column %s.%s: %w", c.Name, name, err)
			}
			continue
		}
		if !strings.EqualFold(current, declared) {
			i.logger.Warn("column type differs from declaration, leaving as is",
				zap.String("table", c.Name),
				zap.String("column", name),
				zap.String("declared", declared),
				zap.String("actual", current))
		}
	}
	return nil
}

func (i *Interactor) addMissingMetaColumns(ctx context.Context, c *schema.Collection) error {
	meta := metaTableName(c.Name)
	existing, err := i.columnTypes(ctx, meta)
	if err != nil {
		return fmt.Errorf("failed to inspect table %s: %w", meta, err)
	}
	for _, name := range c.FieldNames() {
		if _, ok := existing[name]; ok {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT;", quoteIdentifier(meta), quoteIdentifier(name))
		if _, err := i.runner().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to add column %s.%s: %w", meta, name, err)
		}
	}
	return nil
}

// columnTypes returns the existing columns of a table with their declared
// SQLite types.
func (i *Interactor) columnTypes(ctx context.Context, table string) (map[string]string, error) {
	rows, err := i.runner().QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s);", quoteIdentifier(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		out[name] = ctype
	}
	return out, rows.Err()
}

// createIndexes creates the declared secondary indexes and unique
// constraints, named <collection>_<field>_index and <collection>_<field>_unique.
// Failures are logged and skipped so a conflicting legacy index does not
// block startup.
func (i *Interactor) createIndexes(ctx context.Context, c *schema.Collection) {
	for _, name := range c.FieldNames() {
		sf := c.Fields[name].StorageField()
		if sf.Primary {
			continue
		}
		if sf.Unique {
			stmt := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s);",
				quoteIdentifier(fmt.Sprintf("%s_%s_unique", c.Name, name)),
				quoteIdentifier(c.Name), quoteIdentifier(name))
			if _, err := i.runner().ExecContext(ctx, stmt); err != nil {
				i.logger.Warn("failed to create unique index, skipping",
					zap.String("table", c.Name), zap.String("column", name), zap.Error(err))
			}
			continue
		}
		if sf.Indexed {
			stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s);",
				quoteIdentifier(fmt.Sprintf("%s_%s_index", c.Name, name)),
				quoteIdentifier(c.Name), quoteIdentifier(name))
			if _, err := i.runner().ExecContext(ctx, stmt); err != nil {
				i.logger.Warn("failed to create index, skipping",
					zap.String("table", c.Name), zap.String("column", name), zap.Error(err))
			}
		}
	}
}
