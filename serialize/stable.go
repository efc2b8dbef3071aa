// Package serialize provides a deterministic canonical string encoding for
// arbitrary decoded JSON values. It is the cache-key primitive used by the
// query-translation cache: two selectors that are structurally identical —
// regardless of object key order — must serialize to byte-identical
// strings, and two selectors that differ in any observable way must not
// collide.
package serialize

import (
	"fmt"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// toJSONer mirrors the common Go convention for a type that knows how to
// render itself as JSON before generic encoding gets a chance at it. It
// plays the role the source's toJSON() does for selector values such as
// wrapped dates coming from a caller's driver layer.
type toJSONer interface {
	ToJSON() interface{}
}

// Stable returns the canonical string form of v. It never panics: cyclic
// structures are broken by emitting the literal "[Circular]" at the point
// of recurrence instead of recursing forever.
func Stable(v interface{}) string {
	var b strings.Builder
	stable(&b, v, make(map[uintptr]bool))
	return b.String()
}

func stable(b *strings.Builder, v interface{}, seen map[uintptr]bool) {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case toJSONer:
		stable(b, t.ToJSON(), seen)
	case bool:
		if t {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		writeQuotedString(b, t)
	case int:
		b.WriteString(strconv.Itoa(t))
	case int32:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case float32:
		writeFiniteFloat(b, float64(t))
	case float64:
		writeFiniteFloat(b, t)
	case *big.Int:
		b.WriteString(t.String())
	case time.Time:
		b.WriteByte('"')
		b.WriteString(t.UTC().Format(time.RFC3339Nano))
		b.WriteByte('"')
	case primitive.Regex:
		b.WriteString(`{"$regex":`)
		writeQuotedString(b, t.Pattern)
		b.WriteString(`,"$options":`)
		writeQuotedString(b, t.Options)
		b.WriteByte('}')
	case []interface{}:
		writeArray(b, t, seen)
	case primitive.A:
		writeArray(b, []interface{}(t), seen)
	case map[string]interface{}:
		writeObject(b, t, seen)
	default:
		// Last resort for concrete types not covered above (named scalar
		// types, driver-specific wrappers): fall back to fmt, which is
		// stable for any given Go value even though it is not JSON.
		b.WriteString(fmt.Sprintf("%v", t))
	}
}

// mapIdentity returns the runtime address backing obj's storage, used only
// to detect cycles. It returns 0 for an empty (possibly nil) map, which is
// harmless: an empty map can never participate in a cycle.
func mapIdentity(obj map[string]interface{}) uintptr {
	if len(obj) == 0 {
		return 0
	}
	return reflect.ValueOf(obj).Pointer()
}

func writeArray(b *strings.Builder, arr []interface{}, seen map[uintptr]bool) {
	b.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			b.WriteByte(',')
		}
		if elem == nil {
			b.WriteString("null")
			continue
		}
		stable(b, elem, seen)
	}
	b.WriteByte(']')
}

func writeObject(b *strings.Builder, obj map[string]interface{}, seen map[uintptr]bool) {
	ptr := mapIdentity(obj)
	if ptr != 0 {
		if seen[ptr] {
			b.WriteString(`"[Circular]"`)
			return
		}
		seen[ptr] = true
		defer delete(seen, ptr)
	}

	// Go's map[string]interface{} has no "undefined" distinct from an
	// absent key, unlike the JS object model the source serialiser works
	// over: a decoded JSON null is just a present key with a nil value, so
	// there is nothing to elide here — every key present is emitted.
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	first := true
	for _, k := range keys {
		val := obj[k]
		if !first {
			b.WriteByte(',')
		}
		first = false
		writeQuotedString(b, k)
		b.WriteByte(':')
		if val == nil {
			b.WriteString("null")
			continue
		}
		stable(b, val, seen)
	}
	b.WriteByte('}')
}

// writeFiniteFloat renders a float the way JSON.stringify would: integral
// floats lose their trailing ".0", and non-finite values (NaN, +/-Inf) —
// which cannot appear in JSON — collapse to null, matching JSON.stringify.
func writeFiniteFloat(b *strings.Builder, f float64) {
	if f != f || f > maxFloat || f < -maxFloat {
		b.WriteString("null")
		return
	}
	b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
}

const maxFloat = 1.7976931348623157e+308

// writeQuotedString writes s as a JSON string literal. Short strings free of
// control characters, quotes, backslashes, and surrogate halves take a fast
// path that skips the escaping scan entirely.
func writeQuotedString(b *strings.Builder, s string) {
	if isPlain(s) {
		b.WriteByte('"')
		b.WriteString(s)
		b.WriteByte('"')
		return
	}
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}

func isPlain(s string) bool {
	if len(s) > 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c == '"' || c == '\\' || c >= 0x80 {
			return false
		}
	}
	return true
}
