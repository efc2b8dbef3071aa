package store

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mangolite/mango"
	"mangolite/schema"
)

func seedAges(t *testing.T, inst *Instance, ages ...int) {
	t.Helper()
	rows := make([]WriteRow, 0, len(ages))
	for i, age := range ages {
		rows = append(rows, WriteRow{Document: user(fmt.Sprintf("%d", i+1), "u", age, "active")})
	}
	_, err := inst.BulkWrite(rows, "")
	require.NoError(t, err)
}

func TestLimitSkipLazyInsertionOrder(t *testing.T) {
	inst := newUsersInstance(t)
	seedAges(t, inst, 10, 20, 30, 40, 50)

	ids := queryIDs(t, inst, mango.Query{
		Selector: mango.Selector{"age": map[string]interface{}{"$gte": 10}},
		Skip:     1,
		Limit:    2,
	})
	assert.Equal(t, []string{"2", "3"}, ids)
}

func TestLimitSkipEagerSorted(t *testing.T) {
	inst := newUsersInstance(t)
	seedAges(t, inst, 30, 10, 50, 20, 40)

	ids := queryIDs(t, inst, mango.Query{
		Selector: mango.Selector{"age": map[string]interface{}{"$gte": 10}},
		Sort:     []mango.SortKey{{Field: "age"}},
		Skip:     1,
		Limit:    2,
	})
	// ages sorted: 10(id 2), 20(id 4), 30(id 1), 40(id 5), 50(id 3)
	assert.Equal(t, []string{"4", "1"}, ids)
}

func TestLimitSkipBeyondMatchesReturnsEmpty(t *testing.T) {
	inst := newUsersInstance(t)
	seedAges(t, inst, 10, 20)

	ids := queryIDs(t, inst, mango.Query{
		Selector: mango.Selector{"age": map[string]interface{}{"$gte": 10}},
		Skip:     10,
		Limit:    5,
	})
	assert.Empty(t, ids)
}

func TestLimitSkipAppliedAfterResidualMatch(t *testing.T) {
	s := usersSchema()
	s.Properties["items"] = schema.Property{Type: "array", Items: &schema.Property{Type: "object"}}
	s.Properties["items.kind"] = schema.Property{Type: "string"}
	inst, err := NewInstance(
		Config{Filename: ":memory:" + t.Name()},
		CollectionSpec{Collection: "users", SchemaVersion: 1, PrimaryKeyField: "id", Schema: s},
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close() })

	var rows []WriteRow
	for i := 1; i <= 6; i++ {
		d := user(fmt.Sprintf("%d", i), "u", 20, "active")
		kind := "a"
		if i%2 == 0 {
			kind = "b"
		}
		d["items"] = []interface{}{map[string]interface{}{"kind": kind}}
		rows = append(rows, WriteRow{Document: d})
	}
	_, err = inst.BulkWrite(rows, "")
	require.NoError(t, err)

	// "items.kind" crosses an array implicitly: the residual matcher filters
	// after SQL, so skip/limit must count matched documents, not scanned rows.
	ids := queryIDs(t, inst, mango.Query{
		Selector: mango.Selector{"items.kind": "b"},
		Skip:     1,
		Limit:    1,
	})
	assert.Equal(t, []string{"4"}, ids)
}

func TestSchemaVersionsAreIsolated(t *testing.T) {
	filename := ":memory:" + t.Name()
	v1, err := NewInstance(
		Config{Filename: filename},
		CollectionSpec{Collection: "users", SchemaVersion: 1, PrimaryKeyField: "id", Schema: usersSchema()},
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v1.Close() })

	v2, err := NewInstance(
		Config{Filename: filename},
		CollectionSpec{Collection: "users", SchemaVersion: 2, PrimaryKeyField: "id", Schema: usersSchema()},
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v2.Close() })

	_, err = v1.BulkWrite([]WriteRow{{Document: user("shared", "v1 doc", 20, "active")}}, "")
	require.NoError(t, err)

	docs, err := v2.FindDocumentsById([]string{"shared"}, true)
	require.NoError(t, err)
	assert.Empty(t, docs, "schema versions must read and write disjoint rows")

	_, err = v2.BulkWrite([]WriteRow{{Document: user("shared", "v2 doc", 30, "active")}}, "")
	require.NoError(t, err)

	docs, err = v1.FindDocumentsById([]string{"shared"}, true)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "v1 doc", docs[0]["name"])
}

func TestConcurrentWritesSerialiseWithoutLostUpdate(t *testing.T) {
	inst := newUsersInstance(t)

	base := user("k", "base", 20, "active")
	base["_rev"] = "1-a"
	_, err := inst.BulkWrite([]WriteRow{{Document: base}}, "")
	require.NoError(t, err)

	write := func(rev string) *BulkWriteResult {
		next := user("k", "updated-"+rev, 21, "active")
		next["_rev"] = rev
		prev := user("k", "base", 20, "active")
		prev["_rev"] = "1-a"
		res, err := inst.BulkWrite([]WriteRow{{Document: next, Previous: prev}}, "")
		require.NoError(t, err)
		return res
	}

	var wg sync.WaitGroup
	results := make([]*BulkWriteResult, 2)
	for n, rev := range []string{"2-left", "2-right"} {
		wg.Add(1)
		go func(n int, rev string) {
			defer wg.Done()
			results[n] = write(rev)
		}(n, rev)
	}
	wg.Wait()

	conflicts := len(results[0].Errors) + len(results[1].Errors)
	assert.Equal(t, 1, conflicts, "exactly one of two overlapping writes must conflict")

	docs, err := inst.FindDocumentsById([]string{"k"}, false)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	rev := docs[0]["_rev"].(string)
	assert.Contains(t, []string{"2-left", "2-right"}, rev)
}

func TestTranslationCacheHitKeepsOneEntry(t *testing.T) {
	inst := newUsersInstance(t)
	seedAges(t, inst, 10, 20)

	before := inst.conn.Cache.Len()
	q := mango.Query{Selector: mango.Selector{"age": map[string]interface{}{"$gte": 10, "$lte": 40}}}
	_, err := inst.Query(q)
	require.NoError(t, err)
	_, err = inst.Query(q)
	require.NoError(t, err)
	assert.Equal(t, before+1, inst.conn.Cache.Len(), "identical selectors must share one cache entry")
}
