package mango

import "testing"

func doc(fields map[string]interface{}) map[string]interface{} { return fields }

func TestMatcherImplicitEquality(t *testing.T) {
	m := NewMatcher(Selector{"status": "active"})
	if !m.Match(doc(map[string]interface{}{"status": "active"})) {
		t.Fatal("expected match")
	}
	if m.Match(doc(map[string]interface{}{"status": "inactive"})) {
		t.Fatal("expected no match")
	}
}

func TestMatcherComparisonTypeStrict(t *testing.T) {
	m := NewMatcher(Selector{"age": map[string]interface{}{"$gt": 3}})
	if !m.Match(doc(map[string]interface{}{"age": 5})) {
		t.Fatal("expected 5 > 3")
	}
	if m.Match(doc(map[string]interface{}{"age": "5"})) {
		t.Fatal("string \"5\" must not satisfy numeric $gt")
	}
}

func TestMatcherArrayImplicitTraversal(t *testing.T) {
	sel := Selector{"users.name": "Alice"}
	m := NewMatcher(sel)
	d := doc(map[string]interface{}{
		"users": []interface{}{
			map[string]interface{}{"name": "Bob"},
			map[string]interface{}{"name": "Alice"},
		},
	})
	if !m.Match(d) {
		t.Fatal("expected implicit traversal to find Alice")
	}
}

func TestMatcherElemMatch(t *testing.T) {
	sel := Selector{"tags": map[string]interface{}{"$elemMatch": map[string]interface{}{"$eq": "urgent"}}}
	m := NewMatcher(sel)
	if !m.Match(doc(map[string]interface{}{"tags": []interface{}{"low", "urgent"}})) {
		t.Fatal("expected elemMatch to find urgent")
	}
	if m.Match(doc(map[string]interface{}{"tags": []interface{}{"low", "medium"}})) {
		t.Fatal("expected no match without urgent")
	}
}

func TestMatcherNotPrimitive(t *testing.T) {
	sel := Selector{"status": map[string]interface{}{"$not": "inactive"}}
	m := NewMatcher(sel)
	if m.Match(doc(map[string]interface{}{"status": "inactive"})) {
		t.Fatal("expected $not to exclude status=inactive")
	}
	if !m.Match(doc(map[string]interface{}{"status": "active"})) {
		t.Fatal("expected $not to admit status=active")
	}
	if !m.Match(doc(map[string]interface{}{})) {
		t.Fatal("expected $not to admit a document missing the field entirely")
	}
}

func TestMatcherNotComparisonRange(t *testing.T) {
	sel := Selector{"age": map[string]interface{}{"$not": map[string]interface{}{"$gte": 20, "$lte": 40}}}
	m := NewMatcher(sel)
	if !m.Match(doc(map[string]interface{}{"age": 10})) {
		t.Fatal("10 is outside [20,40], $not must admit it")
	}
	if m.Match(doc(map[string]interface{}{"age": 30})) {
		t.Fatal("30 is inside [20,40], $not must exclude it")
	}
	if !m.Match(doc(map[string]interface{}{"age": 50})) {
		t.Fatal("50 is outside [20,40], $not must admit it")
	}
}

func TestMatcherEqNullMatchesAbsent(t *testing.T) {
	m := NewMatcher(Selector{"missing": nil})
	if !m.Match(doc(map[string]interface{}{"present": 1})) {
		t.Fatal("$eq null must match an absent field")
	}
}

func TestMatcherArrayMembership(t *testing.T) {
	m := NewMatcher(Selector{"tags": "urgent"})
	if !m.Match(doc(map[string]interface{}{"tags": []interface{}{"low", "urgent"}})) {
		t.Fatal("scalar equality must match an array element")
	}
	if m.Match(doc(map[string]interface{}{"tags": []interface{}{"low"}})) {
		t.Fatal("no element matches")
	}
}

func TestMatcherNeOverArrayIsForAll(t *testing.T) {
	m := NewMatcher(Selector{"tags": map[string]interface{}{"$ne": "urgent"}})
	if m.Match(doc(map[string]interface{}{"tags": []interface{}{"low", "urgent"}})) {
		t.Fatal("$ne must reject a document when any element equals the operand")
	}
	if !m.Match(doc(map[string]interface{}{"tags": []interface{}{"low", "medium"}})) {
		t.Fatal("$ne must admit a document when no element equals the operand")
	}
}

func TestMatcherNinOverArrayIsForAll(t *testing.T) {
	m := NewMatcher(Selector{"tags": map[string]interface{}{"$nin": []interface{}{"urgent"}}})
	if m.Match(doc(map[string]interface{}{"tags": []interface{}{"urgent", "low"}})) {
		t.Fatal("$nin must reject when any element is in the list")
	}
	if !m.Match(doc(map[string]interface{}{"tags": []interface{}{"low"}})) {
		t.Fatal("$nin must admit when no element is in the list")
	}
}

func TestMatcherNotOverOrSubSelector(t *testing.T) {
	sel := Selector{"age": map[string]interface{}{
		"$not": map[string]interface{}{"$or": []interface{}{
			map[string]interface{}{"age": map[string]interface{}{"$lt": 20}},
			map[string]interface{}{"age": map[string]interface{}{"$gt": 40}},
		}},
	}}
	m := NewMatcher(sel)
	if !m.Match(doc(map[string]interface{}{"age": 30})) {
		t.Fatal("30 is inside [20,40], $not($or outside) must admit it")
	}
	if m.Match(doc(map[string]interface{}{"age": 10})) {
		t.Fatal("10 is below 20, the inner $or holds, $not must exclude it")
	}
}

func TestMatcherTypeRequiresPresence(t *testing.T) {
	m := NewMatcher(Selector{"missing": map[string]interface{}{"$type": "null"}})
	if m.Match(doc(map[string]interface{}{"other": 1})) {
		t.Fatal("$type null must not match an absent field")
	}
	m = NewMatcher(Selector{"val": map[string]interface{}{"$type": "null"}})
	if !m.Match(doc(map[string]interface{}{"val": nil})) {
		t.Fatal("$type null must match a present null")
	}
}

func TestMatcherDeepEqualArray(t *testing.T) {
	m := NewMatcher(Selector{"tags": []interface{}{"a", "b"}})
	if !m.Match(doc(map[string]interface{}{"tags": []interface{}{"a", "b"}})) {
		t.Fatal("expected deep array equality")
	}
	if m.Match(doc(map[string]interface{}{"tags": []interface{}{"b", "a"}})) {
		t.Fatal("array order must matter for $eq")
	}
}
