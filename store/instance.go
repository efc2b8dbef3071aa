package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"mangolite/core"
	"mangolite/dbpool"
	"mangolite/mango"
	"mangolite/serialize"
)

// Instance is one open (database file, collection, schema version) triple:
// the storage contract's unit of CRUD, query, and change-stream delivery
// (§3, §6). Multiple Instances may share the same underlying dbpool.Conn
// when they address the same database file.
type Instance struct {
	mu       sync.RWMutex
	conn     *dbpool.Conn
	filename string
	table    string
	spec     CollectionSpec
	opts     *Options

	broadcaster *broadcaster
	closed      bool
}

// NewInstance opens (creating if necessary) the table backing spec and
// returns a ready-to-use Instance. Collection name and schema are validated
// before any SQL runs, per the ErrInvalidConfig contract (§6).
func NewInstance(cfg Config, spec CollectionSpec, opts ...Option) (*Instance, error) {
	if err := validateCollectionName(spec.Collection); err != nil {
		return nil, err
	}
	if spec.PrimaryKeyField == "" {
		return nil, fmt.Errorf("%w: CollectionSpec.PrimaryKeyField is required", ErrInvalidConfig)
	}

	conn, err := dbpool.Open(cfg.Filename)
	if err != nil {
		return nil, err
	}

	table := tableName(spec.Collection, spec.SchemaVersion)
	o := newOptions(opts...)
	inst := &Instance{
		conn:        conn,
		filename:    cfg.Filename,
		table:       table,
		spec:        spec,
		opts:        o,
		broadcaster: newBroadcaster(spec.Collection, o.SubscriberBufferSize),
	}

	if err := inst.createTable(); err != nil {
		conn.Release()
		return nil, err
	}
	if err := inst.EnsureIndexes(); err != nil {
		conn.Release()
		return nil, err
	}

	core.Info("store: instance opened",
		core.Database(cfg.Filename), core.Table(table))
	return inst, nil
}

func (i *Instance) createTable() error {
	return i.conn.Queue.Submit(func(tx *sql.Tx) error {
		for _, stmt := range createTableDDL(i.table) {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("store: create table %s: %w", i.table, err)
			}
		}
		return nil
	})
}

// EnsureIndexes creates the common-path expression indexes described in
// §3/§4.3 and records them in the index-presence cache that feeds the
// compiler's HasIndex lookups (§4.6's smart regex rewrite in particular).
func (i *Instance) EnsureIndexes() error {
	indexes := expressionIndexDDL(i.table, i.spec.Schema)
	if len(indexes) == 0 {
		return nil
	}
	err := i.conn.Queue.Submit(func(tx *sql.Tx) error {
		for _, idx := range indexes {
			if _, err := tx.Exec(idx.SQL); err != nil {
				return fmt.Errorf("store: create index %s: %w", idx.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	paths := make([]string, 0, len(indexes))
	for _, idx := range indexes {
		paths = append(paths, idx.Path)
	}
	recordIndexedPaths(i.filename, i.table, paths)
	return nil
}

func (i *Instance) mangoContext() *mango.Context {
	return &mango.Context{
		Schema: i.spec.Schema,
		HasIndex: func(jsonPath string) bool {
			return hasIndex(i.filename, i.table, jsonPath)
		},
	}
}

// translate compiles sel as a whole selector, consulting and populating the
// per-database translation cache (§4.5). A nil *Fragment with a nil error
// means sel is unrepresentable in SQL and the caller must use the planner's
// bipartite split instead.
func (i *Instance) translate(sel mango.Selector) (*mango.Fragment, error) {
	key := "sel:" + i.table + ":" + serialize.Stable(sel)

	if entry, err := i.conn.Cache.Get(key); err == nil {
		if entry.Unrepresentable {
			return nil, nil
		}
		return &mango.Fragment{SQL: entry.SQL, Args: entry.Args}, nil
	}

	f, err := mango.Compile(i.mangoContext(), sel)
	if err != nil {
		return nil, err
	}
	if f == nil {
		i.conn.Cache.Set(key, &dbpool.CacheEntry{Unrepresentable: true})
		return nil, nil
	}
	i.conn.Cache.Set(key, &dbpool.CacheEntry{SQL: f.SQL, Args: f.Args})
	return f, nil
}

func (i *Instance) checkOpen() error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return ErrClosed
	}
	return nil
}

const columnList = "id, data, deleted, rev, mtime_ms"

// queryRows runs sqlText through the connection's statement manager when its
// text is stable across calls (§4.12), reusing a prepared statement instead
// of re-parsing the same query plan every time; the variable-arity id-list
// shape built by findRowsByIDs is detected and always re-prepared fresh.
func (i *Instance) queryRows(sqlText string, args []interface{}) (*sql.Rows, error) {
	if dbpool.IsDynamic(sqlText) {
		return i.conn.DB.Query(sqlText, args...)
	}
	stmt, err := i.conn.Stmts.Prepared(sqlText)
	if err != nil {
		return nil, err
	}
	return stmt.Query(args...)
}

// queryRow is queryRows' single-row counterpart, used by Count.
func (i *Instance) queryRow(sqlText string, args []interface{}) *sql.Row {
	if dbpool.IsDynamic(sqlText) {
		return i.conn.DB.QueryRow(sqlText, args...)
	}
	stmt, err := i.conn.Stmts.Prepared(sqlText)
	if err != nil {
		// Prepared only fails on malformed SQL, which db.QueryRow would
		// reject the same way; let its *sql.Row carry that error instead.
		return i.conn.DB.QueryRow(sqlText, args...)
	}
	return stmt.QueryRow(args...)
}

func scanDocument(rows *sql.Rows) (Document, bool, int64, error) {
	var id, data, rev string
	var deleted int
	var mtimeMs int64
	if err := rows.Scan(&id, &data, &deleted, &rev, &mtimeMs); err != nil {
		return nil, false, 0, err
	}
	var doc Document
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, false, 0, fmt.Errorf("store: decode document %q: %w", id, err)
	}
	return doc, deleted != 0, mtimeMs, nil
}

// BulkWrite categorises and applies rows in one queued transaction (§4.9):
// every row either inserts, updates, deletes (a soft-delete transition), or
// fails with a 409 WriteError. Reading the current rows, categorising, and
// writing all happen inside the same transaction — two overlapping
// BulkWrites to the same key therefore serialise, and the loser sees the
// winner's revision and conflicts rather than silently overwriting it.
// Successful events are broadcast as one bulk strictly after the commit,
// tagged with writeContext so replication consumers can recognise their
// own writes.
func (i *Instance) BulkWrite(rows []WriteRow, writeContext string) (*BulkWriteResult, error) {
	if err := i.checkOpen(); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return &BulkWriteResult{}, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		id, err := documentID(row.Document, i.spec.PrimaryKeyField)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	maxRows := i.opts.MaxSQLVariables / 5
	if maxRows < 1 {
		maxRows = 1
	}

	var events []*ChangeEvent
	var errs []*WriteError
	err := i.conn.Queue.SubmitThen(func(tx *sql.Tx) error {
		events = events[:0]
		errs = errs[:0]

		existing, err := i.findRowsByIDsTx(tx, ids)
		if err != nil {
			return err
		}
		for _, row := range rows {
			id, _ := documentID(row.Document, i.spec.PrimaryKeyField)
			ev, werr := categorize(existing[id], row, i.spec.PrimaryKeyField)
			if werr != nil {
				errs = append(errs, werr)
				continue
			}
			events = append(events, ev)
		}

		for start := 0; start < len(events); start += maxRows {
			end := start + maxRows
			if end > len(events) {
				end = len(events)
			}
			if err := execBulkInsert(tx, i.table, events[start:end]); err != nil {
				return err
			}
		}
		return nil
	}, func() {
		if len(events) > 0 {
			i.broadcaster.publish(ChangeEventBulk{
				Context:    writeContext,
				Events:     events,
				Checkpoint: checkpointFrom(events),
			})
		}
	})
	if err != nil {
		return nil, err
	}
	return &BulkWriteResult{Errors: errs}, nil
}

// findRowsByIDsTx is findRowsByIDs inside an open transaction, used by
// BulkWrite so categorisation reads the same snapshot its writes land in.
func (i *Instance) findRowsByIDsTx(tx *sql.Tx, ids []string) (map[string]Document, error) {
	out := make(map[string]Document, len(ids))
	maxRows := i.opts.MaxSQLVariables
	if maxRows < 1 {
		maxRows = 1
	}
	for start := 0; start < len(ids); start += maxRows {
		end := start + maxRows
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		placeholders := strings.Repeat("?,", len(chunk))
		placeholders = placeholders[:len(placeholders)-1]
		query := fmt.Sprintf("SELECT %s FROM %s WHERE id IN (%s)", columnList, i.table, placeholders)

		args := make([]interface{}, len(chunk))
		for idx, id := range chunk {
			args[idx] = id
		}

		rows, err := tx.Query(query, args...)
		if err != nil {
			return nil, fmt.Errorf("store: find by id: %w", err)
		}
		for rows.Next() {
			doc, _, _, err := scanDocument(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			id, _ := documentID(doc, i.spec.PrimaryKeyField)
			out[id] = doc
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

func execBulkInsert(tx *sql.Tx, table string, events []*ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT OR REPLACE INTO %s (%s) VALUES ", table, columnList)
	args := make([]interface{}, 0, len(events)*5)
	for idx, ev := range events {
		if idx > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString("(?,?,?,?,?)")
		data, err := json.Marshal(ev.DocumentData)
		if err != nil {
			return fmt.Errorf("store: encode document %q: %w", ev.DocumentID, err)
		}
		deleted := 0
		if documentDeleted(ev.DocumentData) {
			deleted = 1
		}
		args = append(args, ev.DocumentID, string(data), deleted, documentRev(ev.DocumentData), documentLwt(ev.DocumentData))
	}
	_, err := tx.Exec(sb.String(), args...)
	return err
}

// findRowsByIDs fetches the rows currently on disk for ids, chunked to
// Options.MaxSQLVariables (§D.4), returning only ids that exist.
func (i *Instance) findRowsByIDs(ids []string, includeDeleted bool) (map[string]Document, error) {
	out := make(map[string]Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	maxRows := i.opts.MaxSQLVariables
	if maxRows < 1 {
		maxRows = 1
	}

	for start := 0; start < len(ids); start += maxRows {
		end := start + maxRows
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		placeholders := strings.Repeat("?,", len(chunk))
		placeholders = placeholders[:len(placeholders)-1]
		query := fmt.Sprintf("SELECT %s FROM %s WHERE id IN (%s)", columnList, i.table, placeholders)

		args := make([]interface{}, len(chunk))
		for idx, id := range chunk {
			args[idx] = id
		}

		rows, err := i.queryRows(query, args)
		if err != nil {
			return nil, fmt.Errorf("store: find by id: %w", err)
		}
		for rows.Next() {
			doc, deleted, _, err := scanDocument(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			if deleted && !includeDeleted {
				continue
			}
			id, _ := documentID(doc, i.spec.PrimaryKeyField)
			out[id] = doc
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// FindDocumentsById returns the documents on disk for ids, in no particular
// order; missing ids are simply absent from the result.
func (i *Instance) FindDocumentsById(ids []string, includeDeleted bool) ([]Document, error) {
	if err := i.checkOpen(); err != nil {
		return nil, err
	}
	byID, err := i.findRowsByIDs(ids, includeDeleted)
	if err != nil {
		return nil, err
	}
	out := make([]Document, 0, len(byID))
	for _, id := range ids {
		if doc, ok := byID[id]; ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

// Query runs a Mango find (§4.7): when the selector compiles fully, LIMIT
// and OFFSET run in SQL; otherwise the planner's bipartite split pushes a
// prefilter to SQL and the fallback matcher evaluates the residual, with
// LIMIT/OFFSET applied after matching.
func (i *Instance) Query(q mango.Query) ([]Document, error) {
	if err := i.checkOpen(); err != nil {
		return nil, err
	}

	frag, err := i.translate(q.Selector)
	if err != nil {
		return nil, err
	}

	ctx := i.mangoContext()
	orderBy, orderByArgs := ctx.OrderByClause(q.Sort)

	if frag != nil {
		sqlText, args := i.buildSelect(frag.SQL, frag.Args, orderBy, orderByArgs, true, q.Limit, q.Skip)
		return i.runSelect(sqlText, args)
	}

	plan, err := ctx.Plan(q)
	if err != nil {
		return nil, err
	}

	sqlText, args := i.buildSelect(plan.WhereSQL, plan.WhereArgs, plan.OrderBySQL, plan.OrderByArgs, plan.PushedLimit, plan.Limit, plan.Skip)
	docs, err := i.runSelect(sqlText, args)
	if err != nil {
		return nil, err
	}
	if plan.Residual == nil {
		return docs, nil
	}

	matcher := mango.NewMatcher(plan.Residual)
	filtered := make([]Document, 0, len(docs))
	for _, doc := range docs {
		if matcher.Match(doc) {
			filtered = append(filtered, doc)
		}
	}
	return applySkipLimit(filtered, q.Skip, q.Limit), nil
}

func applySkipLimit(docs []Document, skip, limit int) []Document {
	if skip > 0 {
		if skip >= len(docs) {
			return nil
		}
		docs = docs[skip:]
	}
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
}

// buildSelect intentionally does not filter on the deleted column: per §4.10,
// the raw query operation at this layer returns tombstoned rows too, and it
// is the caller's responsibility (e.g. a replication layer) to filter them.
func (i *Instance) buildSelect(whereSQL string, whereArgs []interface{}, orderBy string, orderByArgs []interface{}, pushLimit bool, limit, skip int) (string, []interface{}) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", columnList, i.table)
	args := append([]interface{}{}, whereArgs...)
	if whereSQL != "" {
		sb.WriteString(" WHERE (")
		sb.WriteString(whereSQL)
		sb.WriteByte(')')
	}
	if orderBy != "" {
		sb.WriteByte(' ')
		sb.WriteString(orderBy)
		args = append(args, orderByArgs...)
	}
	if pushLimit {
		if limit > 0 {
			sb.WriteString(" LIMIT ?")
			args = append(args, limit)
		} else if skip > 0 {
			// OFFSET is only valid after a LIMIT; -1 means unlimited
			sb.WriteString(" LIMIT -1")
		}
		if skip > 0 {
			sb.WriteString(" OFFSET ?")
			args = append(args, skip)
		}
	}
	return sb.String(), args
}

func (i *Instance) runSelect(sqlText string, args []interface{}) ([]Document, error) {
	rows, err := i.queryRows(sqlText, args)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		doc, _, _, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// CountResult carries the count and how it was produced: "fast" when the
// whole selector ran as a single SQL COUNT, "slow" when documents had to be
// materialised through the matcher fallback first.
type CountResult struct {
	Count int
	Mode  string
}

// Count returns the number of documents matching sel, mirroring Query's
// deleted-row visibility (§4.10: "count matches query semantics").
func (i *Instance) Count(sel mango.Selector) (*CountResult, error) {
	if err := i.checkOpen(); err != nil {
		return nil, err
	}

	frag, err := i.translate(sel)
	if err != nil {
		return nil, err
	}
	if frag != nil {
		sqlText := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE (%s)", i.table, frag.SQL)
		var n int
		if err := i.queryRow(sqlText, frag.Args).Scan(&n); err != nil {
			return nil, fmt.Errorf("store: count: %w", err)
		}
		return &CountResult{Count: n, Mode: "fast"}, nil
	}

	docs, err := i.Query(mango.Query{Selector: sel})
	if err != nil {
		return nil, err
	}
	return &CountResult{Count: len(docs), Mode: "slow"}, nil
}

// GetChangedDocumentsSince returns up to limit documents whose mtime is
// strictly after checkpoint, ordered by (mtime, id), plus the checkpoint a
// caller should pass back in to resume after the last returned document
// (§3, §6). A nil checkpoint starts from the beginning.
func (i *Instance) GetChangedDocumentsSince(checkpoint *Checkpoint, limit int) ([]Document, *Checkpoint, error) {
	if err := i.checkOpen(); err != nil {
		return nil, nil, err
	}
	if limit <= 0 {
		limit = i.opts.CheckpointBatchSize
	}

	var sqlText string
	var args []interface{}
	if checkpoint == nil {
		sqlText = fmt.Sprintf("SELECT %s FROM %s ORDER BY mtime_ms ASC, id ASC LIMIT ?", columnList, i.table)
		args = []interface{}{limit}
	} else {
		sqlText = fmt.Sprintf(
			"SELECT %s FROM %s WHERE mtime_ms > ? OR (mtime_ms = ? AND id > ?) ORDER BY mtime_ms ASC, id ASC LIMIT ?",
			columnList, i.table)
		args = []interface{}{checkpoint.Lwt, checkpoint.Lwt, checkpoint.ID, limit}
	}

	rows, err := i.queryRows(sqlText, args)
	if err != nil {
		return nil, nil, fmt.Errorf("store: changed documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	next := checkpoint
	for rows.Next() {
		doc, _, mtimeMs, err := scanDocument(rows)
		if err != nil {
			return nil, nil, err
		}
		docs = append(docs, doc)
		id, _ := documentID(doc, i.spec.PrimaryKeyField)
		next = &Checkpoint{ID: id, Lwt: mtimeMs}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return docs, next, nil
}

// Cleanup permanently removes soft-deleted documents whose mtime is before
// beforeLwt (§3's retention sweep). It reports true iff at least one row
// was removed.
func (i *Instance) Cleanup(beforeLwt int64) (bool, error) {
	if err := i.checkOpen(); err != nil {
		return false, err
	}

	var removed bool
	err := i.conn.Queue.Submit(func(tx *sql.Tx) error {
		res, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE deleted = 1 AND mtime_ms < ?", i.table), beforeLwt)
		if err != nil {
			return fmt.Errorf("store: cleanup: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed = n > 0
		return nil
	})
	return removed, err
}

// ChangeStream opens a new subscription to this instance's change events
// (§4.10). Callers must call Unsubscribe when done.
func (i *Instance) ChangeStream() (*Subscription, error) {
	if err := i.checkOpen(); err != nil {
		return nil, err
	}
	return i.broadcaster.subscribe(), nil
}

// Close releases this instance's hold on the underlying connection and
// tears down its change-stream subscriptions. The table itself is left
// intact — use Remove to drop it.
func (i *Instance) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	i.mu.Unlock()

	i.broadcaster.closeAll()
	return i.conn.Release()
}

// Remove drops this instance's table permanently and then closes it, per
// §6's destructive "remove collection" operation.
func (i *Instance) Remove() error {
	if err := i.checkOpen(); err != nil {
		return err
	}
	if err := i.conn.Queue.Submit(func(tx *sql.Tx) error {
		_, err := tx.Exec(dropTableDDL(i.table))
		return err
	}); err != nil {
		return err
	}
	return i.Close()
}
