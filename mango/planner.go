package mango

import "mangolite/schema"

// SortKey is one entry of a query's sort list.
type SortKey struct {
	Field string
	Desc  bool
}

// Query is the compiled shape of a single find/count request.
type Query struct {
	Selector Selector
	Sort     []SortKey
	Skip     int
	Limit    int // 0 means unlimited
}

// Plan is the planner's output: either a pure SQL query (Residual nil) or a
// bipartite split of a SQL prefilter plus an in-process residual selector.
type Plan struct {
	WhereSQL    string
	WhereArgs   []interface{}
	OrderBySQL  string
	OrderByArgs []interface{}
	PushedLimit bool
	Limit       int
	Skip        int
	Residual    Selector // non-nil when a bipartite split was needed
}

// Plan compiles q into a Plan. When the whole selector compiles, LIMIT and
// OFFSET are pushed into SQL and Residual is nil. Otherwise the compilable
// top-level entries form the SQL prefilter, the rest become the residual
// selector for the fallback matcher (§4.7), and LIMIT/OFFSET are withheld
// from SQL (applied post-match by the caller) since the residual may
// eliminate rows the database would otherwise have included in the page.
func (ctx *Context) Plan(q Query) (*Plan, error) {
	orderBy, orderByArgs := ctx.OrderByClause(q.Sort)

	full, err := Compile(ctx, q.Selector)
	if err != nil {
		return nil, err
	}
	if full != nil {
		return &Plan{
			WhereSQL:    full.SQL,
			WhereArgs:   full.Args,
			OrderBySQL:  orderBy,
			OrderByArgs: orderByArgs,
			PushedLimit: true,
			Limit:       q.Limit,
			Skip:        q.Skip,
		}, nil
	}

	prefilterParts, residual, err := splitSelector(ctx, q.Selector)
	if err != nil {
		return nil, err
	}
	prefilter := joinAnd(prefilterParts)

	plan := &Plan{
		WhereSQL:    prefilter.SQL,
		WhereArgs:   prefilter.Args,
		OrderBySQL:  orderBy,
		OrderByArgs: orderByArgs,
		Skip:        q.Skip,
		Limit:       q.Limit,
	}
	if len(residual) == 0 {
		plan.PushedLimit = true
	} else {
		plan.Residual = residual
	}
	return plan, nil
}

// splitSelector attempts compilation per top-level selector entry: entries
// that compile join the SQL prefilter; the rest are collected into the
// residual selector handed to the fallback matcher.
func splitSelector(ctx *Context, sel Selector) ([]*Fragment, Selector, error) {
	var prefilter []*Fragment
	residual := Selector{}

	for _, k := range sortedKeys(sel) {
		v := sel[k]
		entry := Selector{k: v}
		f, err := Compile(ctx, entry)
		if err != nil {
			return nil, nil, err
		}
		if f != nil {
			prefilter = append(prefilter, f)
		} else {
			residual[k] = v
		}
	}
	return prefilter, residual, nil
}

// OrderByClause resolves each sort key through the schema mapper, so the
// primary key and other first-class columns sort on the bare column instead
// of a json_extract expression. JSON paths are bound as placeholder
// arguments rather than spliced into the SQL text, so a field name is never
// a vector for breaking out of the ORDER BY clause. Exported so callers that
// translate a selector themselves (bypassing Plan's own compile attempt,
// e.g. for their own translation cache) can still build a matching ORDER BY.
func (ctx *Context) OrderByClause(sort []SortKey) (string, []interface{}) {
	if len(sort) == 0 {
		return "", nil
	}
	var b fragBuilder
	b.lit("ORDER BY ")
	for i, k := range sort {
		if i > 0 {
			b.lit(", ")
		}
		r := schema.Resolve(ctx.Schema, k.Field)
		if r.IsColumn() {
			b.lit(r.Column)
		} else {
			b.lit("json_extract(data, ").arg(r.JSONPath).lit(")")
		}
		if k.Desc {
			b.lit(" DESC")
		} else {
			b.lit(" ASC")
		}
	}
	return b.sql.String(), b.args
}
