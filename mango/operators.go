package mango

import (
	"fmt"

	"mangolite/schema"
)

// valueTypeGuard classifies a selector value's Go type into the BSON type
// family the guard needs to check for on the JSON1 side, so that e.g. the
// string "5" never satisfies a numeric comparison against 5 (§4.2).
func valueTypeGuard(v interface{}) string {
	switch v.(type) {
	case string:
		return "text"
	case bool:
		return "true_false"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return "number"
	default:
		return ""
	}
}

// writeGuard ANDs a type guard onto b when the query value's type warrants
// one. JSON-backed columns are checked with json_type over their base
// expression; the bare json_each value column inside $elemMatch uses the
// engine's row type column instead (json_type needs a path, the element
// has none). Native (first-class) columns are already typed by the table
// schema and never need a guard. Returns whether a guard was written, so
// the caller knows whether to AND a trailing condition after it.
func writeGuard(b *fragBuilder, c columnExpr, v interface{}) bool {
	guard := valueTypeGuard(v)
	if guard == "" {
		return false
	}
	switch {
	case c.isJSON:
		b.lit("json_type(").lit(c.jsonBase()).lit(", ").arg(c.path)
		switch guard {
		case "number":
			b.lit(") IN ('integer','real')")
		case "text":
			b.lit(") = 'text'")
		case "true_false":
			b.lit(") IN ('true','false')")
		}
		return true
	case c.elem:
		switch guard {
		case "number":
			b.lit("type IN ('integer','real')")
		case "text":
			b.lit("type = 'text'")
		case "true_false":
			b.lit("type IN ('true','false')")
		}
		return true
	default:
		return false
	}
}

func writeGuarded(b *fragBuilder, c columnExpr, v interface{}, body func(*fragBuilder)) {
	if writeGuard(b, c, v) {
		b.lit(" AND ")
	}
	body(b)
}

// translateEq compiles {field: {$eq: v}} / the implicit-equality leaf form.
// Composite values return nil: comparing an object or array by value in SQL
// would need a canonical text form json_extract does not guarantee, so those
// selectors go to the fallback matcher.
func translateEq(c columnExpr, v interface{}) *Fragment {
	if !isScalarValue(v) {
		return nil
	}
	b := &fragBuilder{}
	if v == nil {
		b.col(c).lit(" IS NULL")
		return b.fragment()
	}
	if c.typ == schema.TypeArray && c.isJSON {
		b.lit("EXISTS (SELECT 1 FROM ").col(eachExprFromExpr(c)).lit(" WHERE value = ").arg(v).lit(")")
		return b.fragment()
	}
	writeGuarded(b, c, v, func(b *fragBuilder) {
		b.col(c).lit(" = ").arg(v)
	})
	return b.fragment()
}

// translateNe compiles $ne, which in MongoDB matches every document whose
// field does NOT hold v — including documents where the field is absent or
// holds a value of a different type. That is the negation of the guarded
// $eq, not a guarded inequality, hence NOT(COALESCE(eq, 0)).
func translateNe(c columnExpr, v interface{}) *Fragment {
	if !isScalarValue(v) {
		return nil
	}
	b := &fragBuilder{}
	if c.typ == schema.TypeArray && c.isJSON {
		b.lit("NOT EXISTS (SELECT 1 FROM ").col(eachExprFromExpr(c)).lit(" WHERE value = ").arg(v).lit(")")
		return b.fragment()
	}
	if v == nil {
		b.col(c).lit(" IS NOT NULL")
		return b.fragment()
	}
	b.lit("NOT (COALESCE(")
	writeGuarded(b, c, v, func(b *fragBuilder) {
		b.col(c).lit(" = ").arg(v)
	})
	b.lit(", 0))")
	return b.fragment()
}

// translateComparison compiles $gt, $gte, $lt and $lte; sqlOp is the
// matching SQL operator (>, >=, <, <=).
func translateComparison(c columnExpr, sqlOp string, v interface{}) *Fragment {
	if !isScalarValue(v) || v == nil {
		return nil
	}
	b := &fragBuilder{}
	if c.typ == schema.TypeArray && c.isJSON {
		b.lit("EXISTS (SELECT 1 FROM ").col(eachExprFromExpr(c)).lit(" WHERE ")
		elem := columnExpr{sql: "value", elem: true}
		writeGuarded(b, elem, v, func(b *fragBuilder) {
			b.lit("value ").lit(sqlOp).lit(" ").arg(v)
		})
		b.lit(")")
		return b.fragment()
	}
	writeGuarded(b, c, v, func(b *fragBuilder) {
		b.col(c).lit(" ").lit(sqlOp).lit(" ").arg(v)
	})
	return b.fragment()
}

// splitNulls separates the JSON-encodable non-null values of a $in/$nin
// list from its nulls. A SQL NULL inside an IN list poisons the whole
// comparison with three-valued logic, so null membership is expressed as a
// separate IS NULL / IS NOT NULL term instead.
func splitNulls(values []interface{}) (encoded string, hasNull bool, err error) {
	nonNull := make([]interface{}, 0, len(values))
	for _, v := range values {
		if v == nil {
			hasNull = true
			continue
		}
		nonNull = append(nonNull, v)
	}
	encoded, err = jsonArray(nonNull)
	return encoded, hasNull, err
}

// translateIn compiles $in over a non-empty literal list. Array-typed
// fields match on element membership, mirroring MongoDB, and a null in the
// list matches absent fields. A list holding a composite value returns nil
// for the fallback matcher, which implements whole-array/whole-object list
// membership.
func translateIn(c columnExpr, values []interface{}) *Fragment {
	b := &fragBuilder{}
	if len(values) == 0 {
		b.lit("1=0")
		return b.fragment()
	}
	encoded, hasNull, err := splitNulls(values)
	if err != nil {
		return nil
	}
	if c.typ == schema.TypeArray && c.isJSON {
		b.lit("(EXISTS (SELECT 1 FROM ").col(eachExprFromExpr(c)).
			lit(" WHERE value IN (SELECT value FROM json_each(").arg(encoded).lit(")))")
		if hasNull {
			b.lit(" OR ").col(c).lit(" IS NULL")
		}
		b.lit(")")
		return b.fragment()
	}
	b.lit("(").col(c).lit(" IN (SELECT value FROM json_each(").arg(encoded).lit("))")
	if hasNull {
		b.lit(" OR ").col(c).lit(" IS NULL")
	}
	b.lit(")")
	return b.fragment()
}

// translateNin compiles $nin. Absent fields match, matching MongoDB —
// unless the list itself contains null, which null-matches the absent
// field and flips the absence term to its negation. An array-typed field
// matches only when none of its elements is in the list.
func translateNin(c columnExpr, values []interface{}) *Fragment {
	b := &fragBuilder{}
	if len(values) == 0 {
		b.lit("1=1")
		return b.fragment()
	}
	encoded, hasNull, err := splitNulls(values)
	if err != nil {
		return nil
	}
	absenceTerm := " IS NULL OR "
	if hasNull {
		absenceTerm = " IS NOT NULL AND "
	}
	if c.typ == schema.TypeArray && c.isJSON {
		b.lit("(").col(c).lit(absenceTerm).lit("NOT EXISTS (SELECT 1 FROM ").col(eachExprFromExpr(c)).
			lit(" WHERE value IN (SELECT value FROM json_each(").arg(encoded).lit("))))")
		return b.fragment()
	}
	b.lit("(").col(c).lit(absenceTerm).col(c).lit(" NOT IN (SELECT value FROM json_each(").arg(encoded).lit(")))")
	return b.fragment()
}

// translateExists compiles $exists. JSON columns probe json_type rather
// than the extracted value: json_extract returns SQL NULL for both an
// absent path and a present JSON null, but only the former is "missing" in
// MongoDB's sense.
func translateExists(c columnExpr, want bool) *Fragment {
	b := &fragBuilder{}
	var probe func()
	if c.isJSON {
		probe = func() {
			b.lit("json_type(").lit(c.jsonBase()).lit(", ").arg(c.path).lit(")")
		}
	} else {
		probe = func() { b.col(c) }
	}
	probe()
	if want {
		b.lit(" IS NOT NULL")
	} else {
		b.lit(" IS NULL")
	}
	return b.fragment()
}

// jsonTypeNames maps a Mango/BSON $type name to the json_type() string(s)
// that represent it in SQLite's JSON1 extension.
var jsonTypeNames = map[string][]string{
	"string":  {"text"},
	"number":  {"integer", "real"},
	"bool":    {"true", "false"},
	"boolean": {"true", "false"},
	"array":   {"array"},
	"object":  {"object"},
	"null":    {"null"},
}

func translateType(c columnExpr, types []string) *Fragment {
	b := &fragBuilder{}
	var names []string
	for _, t := range types {
		names = append(names, jsonTypeNames[t]...)
	}
	if len(names) == 0 {
		b.lit("1=0")
		return b.fragment()
	}
	writeIn := func() {
		b.lit(" IN (")
		for i, n := range names {
			if i > 0 {
				b.lit(",")
			}
			b.arg(n)
		}
		b.lit(")")
	}
	switch {
	case c.elem:
		// direct-path variant inside $elemMatch: the json_each row's own
		// type column already names the element's JSON type.
		b.lit("type")
		writeIn()
	case c.typ == schema.TypeArray && c.isJSON:
		// MongoDB's $type on an array field holds when the array itself or
		// any of its elements has the requested type.
		b.lit("(json_type(").lit(c.jsonBase()).lit(", ").arg(c.path).lit(")")
		writeIn()
		b.lit(" OR EXISTS (SELECT 1 FROM ").col(eachExprFromExpr(c)).lit(" WHERE type")
		writeIn()
		b.lit("))")
	case c.isJSON:
		b.lit("json_type(").lit(c.jsonBase()).lit(", ").arg(c.path).lit(")")
		writeIn()
	default:
		// First-class columns are scalar text/integer SQL columns; the
		// only $type checks that can ever hold are string/number.
		b.lit("1=0")
	}
	return b.fragment()
}

// translateSize compiles $size. json_array_length returns 0 for any
// non-array value, so the array check cannot be elided: {$size: 0} must not
// match a scalar field.
func translateSize(c columnExpr, n int) *Fragment {
	b := &fragBuilder{}
	switch {
	case c.elem:
		b.lit("(json_type(value) = 'array' AND json_array_length(value) = ").arg(n).lit(")")
	case c.isJSON:
		b.lit("(json_type(").lit(c.jsonBase()).lit(", ").arg(c.path).lit(") = 'array'").
			lit(" AND json_array_length(").lit(c.jsonBase()).lit(", ").arg(c.path).lit(") = ").arg(n).lit(")")
	default:
		b.lit("1=0")
	}
	return b.fragment()
}

func translateMod(c columnExpr, divisor, remainder float64) *Fragment {
	if divisor == 0 {
		return &Fragment{SQL: "1=0"}
	}
	b := &fragBuilder{}
	writeGuarded(b, c, divisor, func(b *fragBuilder) {
		b.lit("(").col(c).lit(" - CAST(").col(c).lit(" / ").arg(divisor).lit(" AS INTEGER) * ").arg(divisor).lit(") = ").arg(remainder)
	})
	return b.fragment()
}

// eachExprFromExpr builds the json_each() call addressing the same path a
// columnExpr already resolved, for use inside an EXISTS subquery.
func eachExprFromExpr(c columnExpr) columnExpr {
	return columnExpr{sql: "json_each(" + c.jsonBase() + ", ?)", args: []interface{}{c.path}}
}

// jsonArray encodes values (already-decoded JSON primitives) as a JSON
// array literal, for binding to json_each(?) in $in/$nin.
func jsonArray(values []interface{}) (string, error) {
	var b []byte
	b = append(b, '[')
	for i, v := range values {
		if i > 0 {
			b = append(b, ',')
		}
		enc, err := encodeJSONScalar(v)
		if err != nil {
			return "", err
		}
		b = append(b, enc...)
	}
	b = append(b, ']')
	return string(b), nil
}

func encodeJSONScalar(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return "null", nil
	case string:
		return fmt.Sprintf("%q", t), nil
	case bool:
		if t {
			return "true", nil
		}
		return "false", nil
	case int:
		return fmt.Sprintf("%d", t), nil
	case int32:
		return fmt.Sprintf("%d", t), nil
	case int64:
		return fmt.Sprintf("%d", t), nil
	case float32:
		return fmt.Sprintf("%v", t), nil
	case float64:
		return fmt.Sprintf("%v", t), nil
	default:
		return "", fmt.Errorf("mango: unsupported literal type %T in list operator", v)
	}
}
