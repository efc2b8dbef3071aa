package mango

import (
	"regexp"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"mangolite/cache"
	"mangolite/serialize"
)

// Matcher evaluates a selector against decoded documents entirely in
// process, mirroring MongoDB semantics for every operator in §4.2 plus
// implicit array traversal (§4.4), which SQL cannot express. The SQL path
// is expected to produce identical result sets to this matcher on
// equivalent inputs (§8) — this is the reference implementation the
// differential tests check the compiler against.
type Matcher struct {
	Selector Selector
}

// NewMatcher compiles nothing; it just wraps sel for repeated evaluation.
func NewMatcher(sel Selector) *Matcher {
	return &Matcher{Selector: sel}
}

// Match reports whether doc satisfies the matcher's selector.
func (m *Matcher) Match(doc map[string]interface{}) bool {
	return matchObject(m.Selector, doc)
}

// regexCompileCache is a small process-global cache of compiled
// regexp.Regexp, separate from the SQL-side shape cache in regex.go: the
// matcher needs a real compiled pattern, not a LIKE reduction.
var regexCompileCache cache.Cache[*regexp.Regexp] = cache.NewSieveCache[*regexp.Regexp](100)

func matchObject(sel Selector, doc map[string]interface{}) bool {
	for k, v := range sel {
		switch k {
		case "$and":
			if !matchLogical(v, doc, true) {
				return false
			}
		case "$or":
			if !matchLogical(v, doc, false) {
				return false
			}
		case "$nor":
			if matchLogical(v, doc, false) {
				return false
			}
		default:
			if !matchField(k, v, doc) {
				return false
			}
		}
	}
	return true
}

func matchLogical(raw interface{}, doc map[string]interface{}, all bool) bool {
	items, ok := toSliceOK(raw)
	if !ok || len(items) == 0 {
		return all
	}
	for _, item := range items {
		sub, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		result := matchObject(sub, doc)
		if all && !result {
			return false
		}
		if !all && result {
			return true
		}
	}
	return all
}

// matchField resolves field's dotted path against doc, expanding through
// any array boundary it crosses (implicit traversal, §4.4), and reports
// whether value satisfies the operator expression (or implicit $eq).
//
// A leaf that resolves to an array contributes both the array itself and
// each of its elements as match candidates, mirroring MongoDB: {tags: "x"}
// matches a document whose tags array contains "x". Positive operators
// match when ANY candidate satisfies them; negative operators ($ne, $nin,
// $not) match only when NO candidate violates them — the same asymmetry
// the SQL translation expresses with EXISTS vs NOT EXISTS.
func matchField(field string, value interface{}, doc map[string]interface{}) bool {
	values, present := resolvePath(doc, strings.Split(field, "."))
	cands := expandCandidates(values)
	if !present {
		cands = []interface{}{nil}
	}

	if re, isRe := value.(primitive.Regex); isRe {
		return anyCand(cands, func(v interface{}) bool { return matchRegex(v, re.Pattern, re.Options) })
	}
	m, isObj := value.(map[string]interface{})
	if isObj && isOperatorExpr(m) {
		return matchOperatorExpr(m, cands, present, doc)
	}
	for _, c := range cands {
		if deepEqual(c, value) {
			return true
		}
	}
	return false
}

// expandCandidates adds one level of array elements next to each resolved
// leaf value, per MongoDB's element-matching rule for leaf operators.
func expandCandidates(values []interface{}) []interface{} {
	out := make([]interface{}, 0, len(values))
	for _, v := range values {
		out = append(out, v)
		if arr, ok := toSliceOK(v); ok {
			out = append(out, arr...)
		}
	}
	return out
}

func anyCand(cands []interface{}, pred func(interface{}) bool) bool {
	for _, c := range cands {
		if pred(c) {
			return true
		}
	}
	return false
}

// resolvePath returns every value reachable by segs from root, flat-mapping
// through arrays encountered at non-numeric, non-terminal segments. present
// reports whether at least one value was reached; a traversal through arrays
// that reaches no value (an empty array, say) counts as absent.
func resolvePath(root interface{}, segs []string) ([]interface{}, bool) {
	cur := []interface{}{root}
	anyPresent := true
	for _, seg := range segs {
		var next []interface{}
		found := false
		for _, c := range cur {
			switch t := c.(type) {
			case map[string]interface{}:
				if v, ok := t[seg]; ok {
					next = append(next, v)
					found = true
				}
			case []interface{}:
				if idx, err := strconv.Atoi(seg); err == nil {
					if idx >= 0 && idx < len(t) {
						next = append(next, t[idx])
						found = true
					}
					continue
				}
				// non-numeric segment on an array: implicit traversal
				// descends into every element.
				for _, elem := range t {
					if em, ok := elem.(map[string]interface{}); ok {
						if v, ok := em[seg]; ok {
							next = append(next, v)
							found = true
						}
					}
				}
			case primitive.A:
				arr := []interface{}(t)
				if idx, err := strconv.Atoi(seg); err == nil {
					if idx >= 0 && idx < len(arr) {
						next = append(next, arr[idx])
						found = true
					}
					continue
				}
				for _, elem := range arr {
					if em, ok := elem.(map[string]interface{}); ok {
						if v, ok := em[seg]; ok {
							next = append(next, v)
							found = true
						}
					}
				}
			}
		}
		cur = next
		anyPresent = found
		if !found {
			return nil, false
		}
	}
	return cur, anyPresent
}

// matchOperatorExpr evaluates one field's operator expression over the
// field's candidate values. Each sibling operator must hold; within one
// operator, positive forms succeed on any candidate, negative forms only
// when no candidate violates them. doc is the enclosing document, needed
// when $not wraps a whole sub-selector ({$not: {$or: [...]}}).
func matchOperatorExpr(m map[string]interface{}, cands []interface{}, present bool, doc map[string]interface{}) bool {
	for k, raw := range m {
		raw := raw
		var ok bool
		switch k {
		case "$eq":
			ok = anyCand(cands, func(v interface{}) bool { return deepEqual(v, raw) })
		case "$ne":
			ok = !anyCand(cands, func(v interface{}) bool { return deepEqual(v, raw) })
		case "$gt":
			ok = anyCand(cands, func(v interface{}) bool {
				return compareOk(v, raw, func(c int) bool { return c > 0 })
			})
		case "$gte":
			ok = anyCand(cands, func(v interface{}) bool {
				return compareOk(v, raw, func(c int) bool { return c >= 0 })
			})
		case "$lt":
			ok = anyCand(cands, func(v interface{}) bool {
				return compareOk(v, raw, func(c int) bool { return c < 0 })
			})
		case "$lte":
			ok = anyCand(cands, func(v interface{}) bool {
				return compareOk(v, raw, func(c int) bool { return c <= 0 })
			})
		case "$in":
			items, _ := toSliceOK(raw)
			ok = anyCand(cands, func(v interface{}) bool { return inList(v, items) })
		case "$nin":
			items, _ := toSliceOK(raw)
			ok = !anyCand(cands, func(v interface{}) bool { return inList(v, items) })
		case "$exists":
			want, _ := raw.(bool)
			ok = present == want
		case "$type":
			names := typeNames(raw)
			ok = present && anyCand(cands, func(v interface{}) bool { return matchType(v, names) })
		case "$size":
			n := toInt(raw)
			ok = anyCand(cands, func(v interface{}) bool { return matchSize(v, n) })
		case "$mod":
			d, r := modArgs(raw)
			ok = anyCand(cands, func(v interface{}) bool { return matchMod(v, d, r) })
		case "$regex":
			pattern := toStringPattern(raw)
			opts, _ := m["$options"].(string)
			if re, isRe := raw.(primitive.Regex); isRe && opts == "" {
				opts = re.Options
			}
			ok = anyCand(cands, func(v interface{}) bool { return matchRegex(v, pattern, opts) })
		case "$options":
			continue // consumed alongside $regex
		case "$not":
			ok = !matchNot(raw, cands, present, doc)
		case "$elemMatch":
			ok = anyCand(cands, func(v interface{}) bool { return matchElemMatch(raw, v) })
		default:
			if strings.HasPrefix(k, "$") {
				ok = false
			} else {
				// non-operator key nested one level: { a: { b: 1 } }
				ok = anyCand(cands, func(v interface{}) bool {
					sub, isMap := v.(map[string]interface{})
					return isMap && matchField(k, raw, sub)
				})
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// matchNot reports whether the tolerantly-read inner condition of a $not
// holds; the caller negates the result. An empty object is the impossible
// condition (never holds, so $not of it always matches); a sub-selector
// with logical keys ranges over the whole document.
func matchNot(expr interface{}, cands []interface{}, present bool, doc map[string]interface{}) bool {
	switch t := expr.(type) {
	case map[string]interface{}:
		if len(t) == 0 {
			return false
		}
		if hasLogicalKeys(t) {
			return matchObject(t, doc)
		}
		if isOperatorExpr(t) {
			return matchOperatorExpr(t, cands, present, doc)
		}
		return anyCand(cands, func(v interface{}) bool { return deepEqual(v, t) })
	case primitive.Regex:
		return anyCand(cands, func(v interface{}) bool { return matchRegex(v, t.Pattern, t.Options) })
	default:
		return anyCand(cands, func(v interface{}) bool { return deepEqual(v, expr) })
	}
}

func matchElemMatch(criteria interface{}, v interface{}) bool {
	arr, ok := toSliceOK(v)
	if !ok {
		return false
	}
	m, isObj := criteria.(map[string]interface{})
	for _, elem := range arr {
		if isObj {
			if isOperatorExpr(m) && !hasFieldKeys(m) {
				em, _ := elem.(map[string]interface{})
				if matchOperatorExpr(m, []interface{}{elem}, true, em) {
					return true
				}
				continue
			}
			em, ok := elem.(map[string]interface{})
			if ok && matchObject(m, em) {
				return true
			}
			continue
		}
		if deepEqual(elem, criteria) {
			return true
		}
	}
	return false
}

func matchType(v interface{}, names []string) bool {
	actual := bsonTypeName(v)
	for _, n := range names {
		normalized := n
		if normalized == "bool" {
			normalized = "boolean"
		}
		if normalized == actual {
			return true
		}
	}
	return false
}

func bsonTypeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int32, int64, float32, float64:
		return "number"
	case []interface{}, primitive.A:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return "unknown"
	}
}

func matchSize(v interface{}, n int) bool {
	arr, ok := toSliceOK(v)
	if !ok {
		return false
	}
	return len(arr) == n
}

func matchMod(v interface{}, divisor, remainder float64) bool {
	f, ok := numericValue(v)
	if !ok || divisor == 0 {
		return false
	}
	// truncate the quotient, keep the remainder's fraction, matching the
	// SQL form (F - CAST(F/d AS INTEGER)*d) = r
	rem := f - float64(int64(f/divisor))*divisor
	return rem == remainder
}

func matchRegex(v interface{}, pattern, opts string) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	re, err := compileCached(pattern, opts)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

func compileCached(pattern, opts string) (*regexp.Regexp, error) {
	key := pattern + "\x00" + opts
	if re, err := regexCompileCache.Get(key); err == nil {
		return re, nil
	}
	goPattern := translateRegexFlags(pattern, opts)
	re, err := regexp.Compile(goPattern)
	if err != nil {
		return nil, err
	}
	regexCompileCache.Set(key, re)
	return re, nil
}

// translateRegexFlags maps Mongo/PCRE-ish options onto Go's RE2 inline flag
// syntax (`(?ims)`). Only i, m and s are carried over; x and u have no RE2
// inline flag and are dropped.
func translateRegexFlags(pattern, opts string) string {
	var flags strings.Builder
	for _, r := range opts {
		switch r {
		case 'i', 'm', 's':
			flags.WriteRune(r)
		}
	}
	if flags.Len() == 0 {
		return pattern
	}
	return "(?" + flags.String() + ")" + pattern
}

func toStringPattern(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case primitive.Regex:
		return t.Pattern
	default:
		return ""
	}
}

func inList(v interface{}, items []interface{}) bool {
	for _, it := range items {
		if deepEqual(v, it) {
			return true
		}
		if it == nil && v == nil {
			return true
		}
	}
	if v == nil {
		for _, it := range items {
			if it == nil {
				return true
			}
		}
	}
	return false
}

// deepEqual implements MongoDB's $eq semantics for arbitrary values,
// including arrays and objects, using the stable serialiser so that
// structurally identical values compare equal regardless of key order or
// concrete numeric type — never referential equality (§4.8).
func deepEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := numericValue(a); ok {
		if fb, ok := numericValue(b); ok {
			return fa == fb
		}
	}
	return serialize.Stable(normalizeArrays(a)) == serialize.Stable(normalizeArrays(b))
}

func normalizeArrays(v interface{}) interface{} {
	if a, ok := v.(primitive.A); ok {
		return []interface{}(a)
	}
	return v
}

func numericValue(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

// compareOk implements type-strict comparison (§4.2): a string never
// compares ordered against a number, matching MongoDB's BSON type
// ordering-within-type rule for these operators.
func compareOk(a, b interface{}, ok func(int) bool) bool {
	if fa, isNum := numericValue(a); isNum {
		if fb, isNum2 := numericValue(b); isNum2 {
			switch {
			case fa < fb:
				return ok(-1)
			case fa > fb:
				return ok(1)
			default:
				return ok(0)
			}
		}
		return false
	}
	if sa, isStr := a.(string); isStr {
		if sb, isStr2 := b.(string); isStr2 {
			return ok(strings.Compare(sa, sb))
		}
		return false
	}
	return false
}
