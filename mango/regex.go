package mango

import (
	"strings"

	"mangolite/cache"
)

// regexShapeCache holds the process-global, purely-additive cache of reduced
// regex shapes (capacity 100, §4.5) so repeated queries against the same
// pattern skip re-classification.
var regexShapeCache cache.Cache[*regexShape] = cache.NewSieveCache[*regexShape](100)

// validRegexOptions is the set of Mango/MongoDB regex flags this reducer
// accepts. "g" (global) is refused: MongoDB selectors have no such flag.
const validRegexOptions = "imsxu"

// regexShape is the classification of one (pattern, options) pair.
type regexShape struct {
	kind    regexKind
	literal string // the cleaned literal text, metacharacter-free
	ci      bool   // case-insensitive (options contains "i")
}

type regexKind int

const (
	regexUnrepresentable regexKind = iota
	regexExact
	regexPrefix
	regexSuffix
	regexSubstring
)

// regexMetachars is the set of characters whose presence in the cleaned
// pattern makes it unrepresentable as SQL LIKE/equality (§4.3).
const regexMetachars = `[*+?()[]{}|`

// validateRegexOptions checks opts against the accepted flag set, returning
// a *ConfigError on an invalid flag (an error, never an "unrepresentable"
// nil fragment): this must
// surface synchronously from compilation, per the storage contract.
func validateRegexOptions(opts string) *ConfigError {
	for _, r := range opts {
		if !strings.ContainsRune(validRegexOptions, r) {
			return &ConfigError{Reason: "invalid $regex option '" + string(r) + "'"}
		}
	}
	return nil
}

// classifyRegex reduces pattern to a regexShape, consulting and populating
// the global shape cache first.
func classifyRegex(pattern, opts string) *regexShape {
	key := pattern + "\x00" + opts
	if v, err := regexShapeCache.Get(key); err == nil {
		return v
	}
	shape := computeRegexShape(pattern, opts)
	regexShapeCache.Set(key, shape)
	return shape
}

func computeRegexShape(pattern, opts string) *regexShape {
	ci := strings.ContainsRune(opts, 'i')

	body := pattern
	anchoredStart := strings.HasPrefix(body, "^")
	if anchoredStart {
		body = body[1:]
	}
	anchoredEnd := strings.HasSuffix(body, "$")
	if anchoredEnd {
		body = body[:len(body)-1]
	}

	if containsMetachar(body) {
		return &regexShape{kind: regexUnrepresentable}
	}

	switch {
	case anchoredStart && anchoredEnd:
		return &regexShape{kind: regexExact, literal: body, ci: ci}
	case anchoredStart:
		return &regexShape{kind: regexPrefix, literal: body, ci: ci}
	case anchoredEnd:
		return &regexShape{kind: regexSuffix, literal: body, ci: ci}
	default:
		return &regexShape{kind: regexSubstring, literal: body, ci: ci}
	}
}

func containsMetachar(s string) bool {
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(regexMetachars, s[i]) >= 0 {
			return true
		}
		if s[i] == '\\' && i+1 < len(s) && s[i+1] != '.' {
			// an escape of anything but a literal dot is either a
			// metacharacter escape or an unsupported escape class.
			return true
		}
	}
	return false
}

// restoreDotEscapes turns the "\\." regex dot-escape back into a literal
// ".", for reductions that compare with "=" and need the raw text.
func restoreDotEscapes(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && s[i+1] == '.' {
			b.WriteByte('.')
			i++
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// escapeLikeLiteral escapes SQL LIKE wildcards in s for use with
// `ESCAPE '\'`, and restores the "\\." regex dot-escape to a literal ".".
func escapeLikeLiteral(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) && s[i+1] == '.' {
			b.WriteByte('.')
			i++
			continue
		}
		switch c {
		case '%', '_', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// translateRegex compiles {field: {$regex: p, $options: o}}. hasIndex
// reports whether a LOWER(field) expression index exists for this field
// (§4.3's index-aware case-insensitive rewrite). Returns nil when the
// shape is unrepresentable, leaving the caller to fall back, and a
// *ConfigError when opts is invalid.
func translateRegex(c columnExpr, pattern, opts string, hasIndex bool) (*Fragment, *ConfigError) {
	if cfgErr := validateRegexOptions(opts); cfgErr != nil {
		return nil, cfgErr
	}
	shape := classifyRegex(pattern, opts)
	if shape.kind == regexUnrepresentable {
		return nil, nil
	}

	inner := func(b *fragBuilder, col columnExpr) {
		// LIKE coerces numbers to text; $regex must only ever match strings.
		if writeGuard(b, col, "") {
			b.lit(" AND ")
		}
		switch shape.kind {
		case regexExact:
			// "=" compares raw text; LIKE-escaping here would corrupt any
			// literal % or _ in the pattern
			lit := restoreDotEscapes(shape.literal)
			if shape.ci {
				if hasIndex && col.isJSON {
					b.lit("LOWER(").col(col).lit(") = LOWER(").arg(lit).lit(")")
				} else {
					b.col(col).lit(" = ").arg(lit).lit(" COLLATE NOCASE")
				}
			} else {
				b.col(col).lit(" = ").arg(lit)
			}
			return
		}
		lit := escapeLikeLiteral(shape.literal)
		switch shape.kind {
		case regexPrefix:
			writeLike(b, col, lit+"%", shape.ci)
		case regexSuffix:
			writeLike(b, col, "%"+lit, shape.ci)
		case regexSubstring:
			writeLike(b, col, "%"+lit+"%", shape.ci)
		}
	}

	b := &fragBuilder{}
	if c.typ.String() == "array" && c.isJSON {
		b.lit("EXISTS (SELECT 1 FROM ").col(eachExprFromExpr(c)).lit(" WHERE ")
		inner(b, columnExpr{sql: "value", elem: true})
		b.lit(")")
		return b.fragment(), nil
	}

	inner(b, c)
	return b.fragment(), nil
}

// writeLike emits the LIKE form of a reduced pattern. The case-insensitive
// form always goes through LOWER so it lines up with the
// LOWER(json_extract(...)) companion index when one exists.
func writeLike(b *fragBuilder, col columnExpr, pattern string, ci bool) {
	if ci {
		b.lit("LOWER(").col(col).lit(") LIKE ").arg(strings.ToLower(pattern)).lit(" ESCAPE '\\'")
		return
	}
	b.col(col).lit(" LIKE ").arg(pattern).lit(" ESCAPE '\\'")
}
