// Package mango translates Mango-style selector queries — the
// MongoDB-compatible subset described by the storage contract — into
// parameterised SQLite WHERE fragments, falling back to an in-process
// matcher for constructs that cannot be expressed safely in SQL.
package mango

import (
	"strings"

	"mangolite/schema"
)

// Selector is a decoded Mango query object. It is never mutated by this
// package.
type Selector = map[string]interface{}

// Fragment is a parameterised SQL boolean expression: sql contains `?`
// placeholders in left-to-right order matching Args. A nil *Fragment
// (returned alongside a nil error) means the selector, or the piece of it
// being compiled, is unrepresentable in SQL and the caller must fall back to
// the bipartite planner / in-process matcher instead.
type Fragment struct {
	SQL  string
	Args []interface{}
}

// ConfigError is returned when a selector is malformed in a way no tolerant
// reading can paper over — currently only invalid $regex option characters.
// Per the storage contract this must surface synchronously from query
// compilation, before any SQL runs.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "mango: " + e.Reason }

// columnExpr is a SQL expression addressing one resolved field, together
// with any bound arguments the expression itself requires (a JSON1 path
// argument, for `json_extract(data, ?)` forms). Building fragments through
// the fragment builder below keeps every occurrence of a columnExpr's
// arguments in the same left-to-right order as its "?" placeholders.
type columnExpr struct {
	sql    string
	args   []interface{}
	typ    schema.FieldType
	isJSON bool
	path   string // the JSON1 path, set only when isJSON
	base   string // expression json_type/json_array_length read from; "data" when empty
	elem   bool   // the bare json_each value column; guards use the row's type column
}

func (c columnExpr) jsonBase() string {
	if c.base != "" {
		return c.base
	}
	return "data"
}

func exprFor(r schema.Resolved) columnExpr {
	if r.IsColumn() {
		return columnExpr{sql: r.Column, typ: r.Type}
	}
	return columnExpr{sql: "json_extract(data, ?)", args: []interface{}{r.JSONPath}, typ: r.Type, isJSON: true, path: r.JSONPath}
}

// fragBuilder assembles a Fragment incrementally. Every write method
// appends to both the SQL text and (where relevant) Args in the same call,
// so the two never drift out of position relative to each other.
type fragBuilder struct {
	sql  strings.Builder
	args []interface{}
}

func (b *fragBuilder) lit(s string) *fragBuilder {
	b.sql.WriteString(s)
	return b
}

func (b *fragBuilder) col(c columnExpr) *fragBuilder {
	b.sql.WriteString(c.sql)
	b.args = append(b.args, c.args...)
	return b
}

func (b *fragBuilder) arg(v interface{}) *fragBuilder {
	b.sql.WriteByte('?')
	b.args = append(b.args, v)
	return b
}

func (b *fragBuilder) fragment() *Fragment {
	return &Fragment{SQL: b.sql.String(), Args: b.args}
}

// isScalarValue reports whether v can be bound directly as a SQL argument.
// Composite values (objects, arrays) have no driver representation and no
// reliable canonical text form on the JSON1 side, so comparisons against
// them are declared unrepresentable and left to the fallback matcher.
func isScalarValue(v interface{}) bool {
	switch v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	default:
		return false
	}
}

// isOperatorExpr reports whether m looks like an operator expression, i.e.
// every key is a `$`-prefixed operator name.
func isOperatorExpr(m map[string]interface{}) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

