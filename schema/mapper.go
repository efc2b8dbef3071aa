// Package schema resolves a Mango selector's dotted field path to either a
// first-class SQL column or a JSON1 path expression, and classifies the
// field's declared type so the translator can pick type-safe SQL forms.
package schema

import (
	"sort"
	"strings"
)

// FieldType is the coarse type classification the translator needs to
// choose between scalar and array-aware SQL forms.
type FieldType int

const (
	// TypeUnknown triggers conservative code paths: no array-implicit
	// traversal assumption, no index-backed smart-regex rewrite.
	TypeUnknown FieldType = iota
	TypeString
	TypeNumber
	TypeBoolean
	TypeArray
	TypeObject
)

func (t FieldType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeNumber:
		return "number"
	case TypeBoolean:
		return "boolean"
	case TypeArray:
		return "array"
	case TypeObject:
		return "object"
	default:
		return "unknown"
	}
}

// Property describes one declared field of the JSON schema backing a
// collection. Items describes the element type when Type is TypeArray.
type Property struct {
	Type  string
	Items *Property
}

// Schema is the minimal subset of a collection's JSON schema the mapper
// needs: which field is the primary key, and the declared type of any
// field path reachable by dotted notation (array indices omitted — see
// Resolve).
type Schema struct {
	PrimaryKeyField string
	// Properties is keyed by dotted field path with array-index segments
	// removed, e.g. "users.email" describes the "email" property of
	// elements of the "users" array.
	Properties map[string]Property
}

// Column names assigned to the first-class, non-JSON columns of a
// collection's table (§3 of the storage contract).
const (
	ColumnID      = "id"
	ColumnDeleted = "deleted"
	ColumnRev     = "rev"
	ColumnMtimeMs = "mtime_ms"
)

// Resolved is what a field path compiles to: either a first-class Column
// (JSONPath empty) or a JSONPath expression rooted at "$" (Column empty).
type Resolved struct {
	Column   string
	JSONPath string
	Type     FieldType

	// ArrayImplicitTraversal is true when a non-terminal, non-numeric path
	// segment addresses a field typed as an array — e.g. "users.name"
	// where "users" is an array of objects. Per §4.4 this case cannot be
	// expressed in SQL and must be routed to the fallback matcher.
	ArrayImplicitTraversal bool
}

// IsColumn reports whether the path resolved to a first-class column.
func (r Resolved) IsColumn() bool { return r.Column != "" }

// Resolve maps a dotted selector field path to a column or JSON path.
func Resolve(s *Schema, fieldPath string) Resolved {
	switch fieldPath {
	case s.PrimaryKeyField:
		return Resolved{Column: ColumnID, Type: TypeString}
	case "_deleted":
		return Resolved{Column: ColumnDeleted, Type: TypeBoolean}
	case "_rev":
		return Resolved{Column: ColumnRev, Type: TypeString}
	case "_meta.lwt":
		return Resolved{Column: ColumnMtimeMs, Type: TypeNumber}
	}

	segments := strings.Split(fieldPath, ".")
	var jsonPath strings.Builder
	jsonPath.WriteByte('$')
	var schemaParts []string
	implicit := false

	for i, seg := range segments {
		if isArrayIndex(seg) {
			jsonPath.WriteByte('[')
			jsonPath.WriteString(seg)
			jsonPath.WriteByte(']')
			continue
		}
		jsonPath.WriteByte('.')
		jsonPath.WriteString(seg)
		schemaParts = append(schemaParts, seg)

		if i < len(segments)-1 {
			t := typeOf(s, strings.Join(schemaParts, "."))
			nextIsIndex := isArrayIndex(segments[i+1])
			if t == TypeArray && !nextIsIndex {
				implicit = true
			}
		}
	}

	t := typeOf(s, strings.Join(schemaParts, "."))
	return Resolved{JSONPath: jsonPath.String(), Type: t, ArrayImplicitTraversal: implicit}
}

func typeOf(s *Schema, schemaPath string) FieldType {
	if s == nil || s.Properties == nil {
		return TypeUnknown
	}
	p, ok := s.Properties[schemaPath]
	if !ok {
		return TypeUnknown
	}
	switch p.Type {
	case "string":
		return TypeString
	case "number", "integer":
		return TypeNumber
	case "boolean":
		return TypeBoolean
	case "array":
		return TypeArray
	case "object":
		return TypeObject
	default:
		return TypeUnknown
	}
}

func isArrayIndex(segment string) bool {
	if segment == "" {
		return false
	}
	for i := 0; i < len(segment); i++ {
		if segment[i] < '0' || segment[i] > '9' {
			return false
		}
	}
	return true
}

// CommonPaths returns the dotted top-level property names declared as
// string or number, in stable order — the candidates for expression
// indexes described in §3/§4.3.
func CommonPaths(s *Schema) []string {
	if s == nil {
		return nil
	}
	var out []string
	for path, prop := range s.Properties {
		if strings.Contains(path, ".") {
			continue
		}
		if prop.Type == "string" || prop.Type == "number" || prop.Type == "integer" {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}
