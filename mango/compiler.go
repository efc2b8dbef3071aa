package mango

import (
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"mangolite/schema"
)

// Context carries the per-query information the compiler needs to resolve
// field paths and consult the index-presence cache.
type Context struct {
	Schema   *schema.Schema
	HasIndex func(jsonPath string) bool // nil means "assume no index"
}

func (ctx *Context) hasIndex(path string) bool {
	if ctx.HasIndex == nil {
		return false
	}
	return ctx.HasIndex(path)
}

// Compile translates a top-level Mango selector into a single WHERE
// fragment. A nil *Fragment with a nil error means the selector (or a part
// of it) is unrepresentable in SQL and the caller must fall back to the
// in-process matcher; a non-nil error is a ConfigError that must surface
// before any SQL runs.
func Compile(ctx *Context, sel Selector) (*Fragment, error) {
	f, err := compileObject(ctx, sel)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, nil
	}
	return f, nil
}

// compileObject compiles one selector object: logical keys first, then
// per-field operator expressions, AND-joined (§4.4 step 1-2).
func compileObject(ctx *Context, obj map[string]interface{}) (*Fragment, error) {
	var parts []*Fragment

	keys := sortedKeys(obj)
	for _, k := range keys {
		v := obj[k]
		var f *Fragment
		var err error
		switch k {
		case "$and":
			f, err = compileLogical(ctx, v, " AND ", false)
		case "$or":
			f, err = compileLogical(ctx, v, " OR ", true)
		case "$nor":
			// COALESCE folds a NULL disjunction (absent fields) to false
			// before negating, else $nor over an absent field drops the row
			f, err = compileLogical(ctx, v, " OR ", true)
			if err == nil && f != nil {
				f = &Fragment{SQL: "NOT (COALESCE(" + f.SQL + ", 0))", Args: f.Args}
			}
		default:
			f, err = compileField(ctx, k, v)
		}
		if err != nil {
			return nil, err
		}
		if f == nil {
			return nil, nil
		}
		parts = append(parts, f)
	}

	return joinAnd(parts), nil
}

// compileLogical compiles $and/$or/$nor's array of sub-selectors.
// parenthesizeEach is true for $or/$nor per the precedence rule in §4.4.
func compileLogical(ctx *Context, raw interface{}, sep string, parenthesizeEach bool) (*Fragment, error) {
	arr, ok := raw.(primitive.A)
	var items []interface{}
	if ok {
		items = []interface{}(arr)
	} else if a, ok2 := raw.([]interface{}); ok2 {
		items = a
	} else {
		return nil, nil
	}
	if len(items) == 0 {
		return nil, nil
	}

	var b fragBuilder
	b.lit("(")
	for i, item := range items {
		sub, ok := item.(map[string]interface{})
		if !ok {
			return nil, nil
		}
		f, err := compileObject(ctx, sub)
		if err != nil {
			return nil, err
		}
		if f == nil {
			return nil, nil
		}
		if i > 0 {
			b.lit(sep)
		}
		if parenthesizeEach {
			b.lit("(").lit(f.SQL).lit(")")
		} else {
			b.lit(f.SQL)
		}
		b.args = append(b.args, f.Args...)
	}
	b.lit(")")
	return b.fragment(), nil
}

// compileField compiles one field's value: either an implicit equality
// leaf, or an operator expression object whose entries are AND-joined.
func compileField(ctx *Context, field string, value interface{}) (*Fragment, error) {
	resolved := schema.Resolve(ctx.Schema, field)
	if resolved.ArrayImplicitTraversal {
		return nil, nil
	}
	col := exprFor(resolved)

	if re, isRe := value.(primitive.Regex); isRe {
		// a bare regex literal leaf is shorthand for $regex
		f, cfgErr := translateRegex(col, re.Pattern, re.Options, ctx.hasIndex(col.path))
		if cfgErr != nil {
			return nil, cfgErr
		}
		return f, nil
	}

	m, isObj := value.(map[string]interface{})
	if !isObj || !isOperatorExpr(m) {
		// implicit equality, or a plain non-operator object compared by
		// value (e.g. { meta: {a:1} } matches an exact nested object).
		return translateEq(col, value), nil
	}

	return compileOperatorExpr(ctx, col, field, m)
}

// compileOperatorExpr compiles the sibling operator keys of one field's
// operator expression ({ $gt: 1, $lt: 10 }), AND-joining the results.
// $regex/$options are combined into a single call (§4.4 step 2).
func compileOperatorExpr(ctx *Context, col columnExpr, field string, m map[string]interface{}) (*Fragment, error) {
	var parts []*Fragment

	if rawRegex, hasRegex := m["$regex"]; hasRegex {
		pattern := toStringPattern(rawRegex)
		opts, hasOpts := m["$options"].(string)
		if !hasOpts {
			if re, ok := rawRegex.(primitive.Regex); ok {
				opts = re.Options
			}
		}
		f, cfgErr := translateRegex(col, pattern, opts, ctx.hasIndex(col.path))
		if cfgErr != nil {
			return nil, cfgErr
		}
		if f == nil {
			return nil, nil
		}
		parts = append(parts, f)
	}

	for _, k := range sortedKeys(m) {
		v := m[k]
		var f *Fragment
		var err error
		switch k {
		case "$regex", "$options":
			continue
		case "$eq":
			f = translateEq(col, v)
		case "$ne":
			f = translateNe(col, v)
		case "$gt":
			f = translateComparison(col, ">", v)
		case "$gte":
			f = translateComparison(col, ">=", v)
		case "$lt":
			f = translateComparison(col, "<", v)
		case "$lte":
			f = translateComparison(col, "<=", v)
		case "$in":
			f = translateIn(col, toSlice(v))
		case "$nin":
			f = translateNin(col, toSlice(v))
		case "$exists":
			want, _ := v.(bool)
			f = translateExists(col, want)
		case "$type":
			f = translateType(col, typeNames(v))
		case "$size":
			f = translateSize(col, toInt(v))
		case "$mod":
			d, r := modArgs(v)
			f = translateMod(col, d, r)
		case "$not":
			f, err = compileNot(ctx, col, field, v)
		case "$elemMatch":
			f, err = compileElemMatchValue(ctx, col, v)
		default:
			if strings.HasPrefix(k, "$") {
				// unknown operator: unrepresentable, the matcher decides
				return nil, nil
			}
			// Non-operator key nested inside an operator expression, e.g.
			// { a: { b: 1 } }, descends into the JSON path (§4.4 step 2).
			f, err = compileField(ctx, field+"."+k, v)
		}
		if err != nil {
			return nil, err
		}
		if f == nil {
			return nil, nil
		}
		parts = append(parts, f)
	}

	return joinAnd(parts), nil
}

// compileNot implements the tolerant-reader $not dispatch (§4.2) and the
// three-valued-to-two-valued collapse via COALESCE.
func compileNot(ctx *Context, col columnExpr, field string, v interface{}) (*Fragment, error) {
	var inner *Fragment
	var err error

	switch t := v.(type) {
	case map[string]interface{}:
		if len(t) == 0 {
			inner = &Fragment{SQL: "1=0"}
		} else if hasLogicalKeys(t) {
			// a whole sub-selector under $not ({$not: {$or: [...]}}): the
			// inner condition ranges over the document, not just this field.
			inner, err = compileObject(ctx, t)
		} else if isOperatorExpr(t) {
			inner, err = compileOperatorExpr(ctx, col, field, t)
		} else {
			inner = translateEq(col, t)
		}
	case primitive.Regex:
		inner, err = func() (*Fragment, error) {
			f, cfgErr := translateRegex(col, t.Pattern, t.Options, ctx.hasIndex(col.path))
			if cfgErr != nil {
				return nil, cfgErr
			}
			return f, nil
		}()
	default:
		inner = translateEq(col, v)
	}
	if err != nil {
		return nil, err
	}
	if inner == nil {
		return nil, nil
	}
	return &Fragment{SQL: "NOT (COALESCE(" + inner.SQL + ", 0))", Args: inner.Args}, nil
}

// compileElemMatchValue implements §4.4 step 4: a scalar or single-operator
// expression becomes an EXISTS over the bare array element value; criteria
// that mix field-name keys compile each key against
// json_extract(value, '$.key').
func compileElemMatchValue(ctx *Context, col columnExpr, criteria interface{}) (*Fragment, error) {
	if col.elem || col.base == "value" {
		// $elemMatch nested inside another $elemMatch would need a second
		// json_each over the element; unrepresentable, the matcher handles it.
		return nil, nil
	}
	if !col.isJSON {
		// first-class columns are scalar, never arrays
		return &Fragment{SQL: "1=0"}, nil
	}

	elemCol := columnExpr{sql: "value", elem: true}

	var inner *Fragment
	var err error
	switch t := criteria.(type) {
	case map[string]interface{}:
		if isOperatorExpr(t) && !hasFieldKeys(t) {
			inner, err = compileOperatorExpr(ctx, elemCol, "", t)
		} else {
			inner, err = compileElemObject(ctx, t)
		}
	default:
		inner = translateEq(elemCol, criteria)
	}
	if err != nil {
		return nil, err
	}
	if inner == nil {
		return nil, nil
	}

	b := &fragBuilder{}
	b.lit("(json_type(").lit(col.jsonBase()).lit(", ").arg(col.path).lit(") = 'array'").
		lit(" AND EXISTS (SELECT 1 FROM ").col(eachExprFromExpr(col)).lit(" WHERE COALESCE(").lit(inner.SQL).lit(", 0)))")
	b.args = append(b.args, inner.Args...)
	return b.fragment(), nil
}

// compileElemObject compiles a field-keyed $elemMatch body: logical
// operators recurse normally, field keys address json_extract(value, ...).
func compileElemObject(ctx *Context, obj map[string]interface{}) (*Fragment, error) {
	var parts []*Fragment
	for _, k := range sortedKeys(obj) {
		v := obj[k]
		var f *Fragment
		var err error
		switch k {
		case "$and":
			f, err = compileLogicalElem(ctx, v, " AND ", false)
		case "$or":
			f, err = compileLogicalElem(ctx, v, " OR ", true)
		case "$nor":
			f, err = compileLogicalElem(ctx, v, " OR ", true)
			if err == nil && f != nil {
				f = &Fragment{SQL: "NOT (COALESCE(" + f.SQL + ", 0))", Args: f.Args}
			}
		default:
			elemCol := columnExpr{sql: "json_extract(value, ?)", args: []interface{}{"$." + k}, isJSON: true, path: "$." + k, base: "value"}
			if m, ok := v.(map[string]interface{}); ok && isOperatorExpr(m) {
				f, err = compileOperatorExpr(ctx, elemCol, k, m)
			} else {
				f = translateEq(elemCol, v)
			}
		}
		if err != nil {
			return nil, err
		}
		if f == nil {
			return nil, nil
		}
		parts = append(parts, f)
	}
	return joinAnd(parts), nil
}

func compileLogicalElem(ctx *Context, raw interface{}, sep string, parenthesizeEach bool) (*Fragment, error) {
	items, ok := toSliceOK(raw)
	if !ok || len(items) == 0 {
		return nil, nil
	}
	var b fragBuilder
	b.lit("(")
	for i, item := range items {
		sub, ok := item.(map[string]interface{})
		if !ok {
			return nil, nil
		}
		f, err := compileElemObject(ctx, sub)
		if err != nil {
			return nil, err
		}
		if f == nil {
			return nil, nil
		}
		if i > 0 {
			b.lit(sep)
		}
		if parenthesizeEach {
			b.lit("(").lit(f.SQL).lit(")")
		} else {
			b.lit(f.SQL)
		}
		b.args = append(b.args, f.Args...)
	}
	b.lit(")")
	return b.fragment(), nil
}

func hasLogicalKeys(m map[string]interface{}) bool {
	for _, k := range []string{"$and", "$or", "$nor"} {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func hasFieldKeys(m map[string]interface{}) bool {
	for k := range m {
		if len(k) == 0 || k[0] != '$' {
			return true
		}
	}
	return false
}

func joinAnd(parts []*Fragment) *Fragment {
	if len(parts) == 0 {
		return &Fragment{SQL: "1=1"}
	}
	b := &fragBuilder{}
	for i, p := range parts {
		if i > 0 {
			b.lit(" AND ")
		}
		b.lit(p.SQL)
		b.args = append(b.args, p.Args...)
	}
	return b.fragment()
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toSliceOK(v interface{}) ([]interface{}, bool) {
	switch t := v.(type) {
	case primitive.A:
		return []interface{}(t), true
	case []interface{}:
		return t, true
	default:
		return nil, false
	}
}

func toSlice(v interface{}) []interface{} {
	s, _ := toSliceOK(v)
	return s
}

func typeNames(v interface{}) []string {
	if s, ok := v.(string); ok {
		return []string{s}
	}
	items, _ := toSliceOK(v)
	var out []string
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toInt(v interface{}) int {
	switch t := v.(type) {
	case int:
		return t
	case int32:
		return int(t)
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}

func modArgs(v interface{}) (float64, float64) {
	items, ok := toSliceOK(v)
	if !ok || len(items) != 2 {
		return 0, 0
	}
	return toFloat(items[0]), toFloat(items[1])
}

func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	case float64:
		return t
	default:
		return 0
	}
}
