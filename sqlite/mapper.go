// Package sqlite is the reference relational backend. It projects collections
// onto paired value and metadata tables, compiles parsed clauses into SQLite
// SQL, and implements the storage interactor with transaction and savepoint
// support.
package sqlite

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/asaidimu/go-loom/core/clause"
	"github.com/asaidimu/go-loom/core/schema"
)

// quoteIdentifier safely quotes an identifier for use in a SQLite statement.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// metaTableName returns the name of the parallel metadata table holding the
// per-field merge timestamps for a collection.
func metaTableName(collection string) string {
	return collection + "_meta"
}

// columnType maps a field's storage descriptor onto a SQLite column type.
func columnType(f schema.Field) string {
	switch f.StorageField().SQLType {
	case "double precision":
		return "REAL"
	case "boolean":
		return "INTEGER"
	default:
		return "TEXT"
	}
}

// prepareValue converts a canonical Go value into a driver-compatible
// parameter for the field's column.
func prepareValue(f schema.Field, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch f.Kind() {
	case schema.FieldKindBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", value)
		}
		if b {
			return 1, nil
		}
		return 0, nil
	case schema.FieldKindJSON:
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize JSON value: %w", err)
		}
		return string(raw), nil
	default:
		return value, nil
	}
}

// readValue converts a scanned driver value back into the field's canonical
// Go representation.
func readValue(f schema.Field, raw any) any {
	if raw == nil {
		return nil
	}
	switch f.Kind() {
	case schema.FieldKindBoolean:
		switch v := raw.(type) {
		case int64:
			return v != 0
		case bool:
			return v
		}
		return raw
	case schema.FieldKindNumber:
		switch v := raw.(type) {
		case float64:
			return v
		case int64:
			return float64(v)
		}
		return raw
	case schema.FieldKindJSON:
		var decoded any
		switch v := raw.(type) {
		case []byte:
			if err := json.Unmarshal(v, &decoded); err == nil {
				return decoded
			}
		case string:
			if err := json.Unmarshal([]byte(v), &decoded); err == nil {
				return decoded
			}
		}
		return raw
	default:
		switch v := raw.(type) {
		case []byte:
			return string(v)
		default:
			return v
		}
	}
}

// decodeIncludedRows converts the JSON produced by an include subselect back
// into typed rows, recursively for nested includes.
func decodeIncludedRows(s *schema.Schema, rel schema.Relation, sub *clause.SubQuery, raw any) any {
	target, ok := s.Collection(rel.Target)
	if !ok {
		return raw
	}

	var data []byte
	switch v := raw.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return raw
	}

	if rel.Kind == schema.RelationOne {
		var row map[string]any
		if err := json.Unmarshal(data, &row); err != nil || row == nil {
			return nil
		}
		return convertIncludedRow(s, target, sub, row)
	}

	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		return []any{}
	}
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, convertIncludedRow(s, target, sub, row))
	}
	return out
}

func convertIncludedRow(s *schema.Schema, c *schema.Collection, sub *clause.SubQuery, row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for name, raw := range row {
		if field, ok := c.Fields[name]; ok {
			out[name] = normalizeJSONValue(field, raw)
			continue
		}
		if rel, ok := c.Relations[name]; ok && sub != nil {
			out[name] = decodeIncludedRows(s, rel, sub.Include[name], raw)
			continue
		}
		out[name] = raw
	}
	return out
}

// normalizeJSONValue undoes the SQLite representation quirks that survive a
// round-trip through json_object: booleans arrive as 0/1 numbers.
func normalizeJSONValue(f schema.Field, raw any) any {
	if raw == nil {
		return nil
	}
	if f.Kind() == schema.FieldKindBoolean {
		if n, ok := raw.(float64); ok {
			return n != 0
		}
	}
	return raw
}
