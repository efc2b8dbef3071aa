package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mangolite/mango"
	"mangolite/schema"
)

func testSchema() *schema.Schema {
	return &schema.Schema{
		PrimaryKeyField: "id",
		Properties: map[string]schema.Property{
			"name": {Type: "string"},
			"age":  {Type: "number"},
		},
	}
}

func newTestInstance(t *testing.T) *Instance {
	t.Helper()
	inst, err := NewInstance(
		Config{Filename: ":memory:" + t.Name()},
		CollectionSpec{Collection: "widgets", SchemaVersion: 1, PrimaryKeyField: "id", Schema: testSchema()},
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close() })
	return inst
}

func freshDoc(id, rev string, age int) Document {
	return Document{
		"id":       id,
		"_rev":     rev,
		"_deleted": false,
		"_meta":    map[string]interface{}{"lwt": time.Now().UnixMilli()},
		"name":     id,
		"age":      age,
	}
}

func TestInstanceBulkWriteInsertAndFind(t *testing.T) {
	inst := newTestInstance(t)

	result, err := inst.BulkWrite([]WriteRow{
		{Document: freshDoc("a", "1-x", 10)},
		{Document: freshDoc("b", "1-x", 20)},
	}, "")
	require.NoError(t, err)
	assert.Empty(t, result.Errors)

	docs, err := inst.FindDocumentsById([]string{"a", "b", "missing"}, false)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestInstanceBulkWriteInsertCollisionConflicts(t *testing.T) {
	inst := newTestInstance(t)

	_, err := inst.BulkWrite([]WriteRow{{Document: freshDoc("a", "1-x", 10)}}, "")
	require.NoError(t, err)

	result, err := inst.BulkWrite([]WriteRow{{Document: freshDoc("a", "1-y", 11)}}, "")
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 409, result.Errors[0].Status)
}

func TestInstanceBulkWriteUpdateRequiresMatchingRev(t *testing.T) {
	inst := newTestInstance(t)

	_, err := inst.BulkWrite([]WriteRow{{Document: freshDoc("a", "1-x", 10)}}, "")
	require.NoError(t, err)

	updated := freshDoc("a", "2-y", 99)
	result, err := inst.BulkWrite([]WriteRow{{
		Document: updated,
		Previous: freshDoc("a", "1-x", 10),
	}}, "")
	require.NoError(t, err)
	assert.Empty(t, result.Errors)

	docs, err := inst.FindDocumentsById([]string{"a"}, false)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, float64(99), docs[0]["age"])
}

func TestInstanceQuerySimpleEquality(t *testing.T) {
	inst := newTestInstance(t)

	_, err := inst.BulkWrite([]WriteRow{
		{Document: freshDoc("a", "1-x", 10)},
		{Document: freshDoc("b", "1-x", 20)},
	}, "")
	require.NoError(t, err)

	docs, err := inst.Query(mango.Query{Selector: mango.Selector{"age": 20}})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "b", docs[0]["id"])
}

func TestInstanceQueryArrayImplicitTraversalFallsBackToMatcher(t *testing.T) {
	s := testSchema()
	s.Properties["members"] = schema.Property{Type: "array", Items: &schema.Property{Type: "object"}}
	inst, err := NewInstance(
		Config{Filename: ":memory:" + t.Name()},
		CollectionSpec{Collection: "widgets", SchemaVersion: 1, PrimaryKeyField: "id", Schema: s},
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close() })

	withTeam := freshDoc("a", "1-x", 10)
	withTeam["members"] = []interface{}{
		map[string]interface{}{"name": "alice"},
		map[string]interface{}{"name": "bob"},
	}
	_, err = inst.BulkWrite([]WriteRow{{Document: withTeam}}, "")
	require.NoError(t, err)

	docs, err := inst.Query(mango.Query{Selector: mango.Selector{"members.name": "bob"}})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a", docs[0]["id"])
}

func TestInstanceCountMatchesQueryLength(t *testing.T) {
	inst := newTestInstance(t)

	_, err := inst.BulkWrite([]WriteRow{
		{Document: freshDoc("a", "1-x", 10)},
		{Document: freshDoc("b", "1-x", 10)},
		{Document: freshDoc("c", "1-x", 99)},
	}, "")
	require.NoError(t, err)

	res, err := inst.Count(mango.Selector{"age": 10})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, "fast", res.Mode)
}

func TestInstanceGetChangedDocumentsSincePaginates(t *testing.T) {
	inst := newTestInstance(t)

	a := freshDoc("a", "1-x", 1)
	a["_meta"] = map[string]interface{}{"lwt": int64(100)}
	b := freshDoc("b", "1-x", 2)
	b["_meta"] = map[string]interface{}{"lwt": int64(200)}

	_, err := inst.BulkWrite([]WriteRow{{Document: a}, {Document: b}}, "")
	require.NoError(t, err)

	first, cp, err := inst.GetChangedDocumentsSince(nil, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "a", first[0]["id"])
	require.NotNil(t, cp)

	second, _, err := inst.GetChangedDocumentsSince(cp, 10)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "b", second[0]["id"])
}

func TestInstanceCleanupRemovesOldTombstonesOnly(t *testing.T) {
	inst := newTestInstance(t)

	old := freshDoc("a", "1-x", 1)
	old["_deleted"] = true
	old["_meta"] = map[string]interface{}{"lwt": int64(100)}

	recent := freshDoc("b", "1-x", 1)
	recent["_deleted"] = true
	recent["_meta"] = map[string]interface{}{"lwt": int64(9999999999)}

	_, err := inst.BulkWrite([]WriteRow{{Document: old}, {Document: recent}}, "")
	require.NoError(t, err)

	removed, err := inst.Cleanup(1000)
	require.NoError(t, err)
	assert.True(t, removed)

	docs, err := inst.FindDocumentsById([]string{"a", "b"}, true)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "b", docs[0]["id"])
}

func TestInstanceChangeStreamReceivesBulkWriteEvents(t *testing.T) {
	inst := newTestInstance(t)

	sub, err := inst.ChangeStream()
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = inst.BulkWrite([]WriteRow{{Document: freshDoc("a", "1-x", 10)}}, "")
	require.NoError(t, err)

	select {
	case bulk := <-sub.Events():
		require.Len(t, bulk.Events, 1)
		assert.Equal(t, "a", bulk.Events[0].DocumentID)
	case <-time.After(time.Second):
		t.Fatal("expected a change event bulk")
	}
}

func TestInstanceCloseRejectsFurtherOperations(t *testing.T) {
	inst := newTestInstance(t)
	require.NoError(t, inst.Close())

	_, err := inst.FindDocumentsById([]string{"a"}, false)
	assert.ErrorIs(t, err, ErrClosed)
}
