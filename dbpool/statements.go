package dbpool

import (
	"database/sql"
	"strings"
	"sync"
)

// StatementManager distinguishes cacheable static SQL from dynamic SQL with
// a variable placeholder count (§4/§5 "statement manager" /
// "SQL with a variable-sized IN list... re-prepared and finalised per
// call"). A query built around a json_each(?) IN-subquery has a fixed
// placeholder count regardless of how many values it logically matches
// (the list itself is passed as one bound JSON-array argument — see
// mango.translateIn), so in this adapter the only genuinely variable-arity
// SQL is the bulk-write/findDocumentsById "?,?,?..." id lists; those are
// built with exactly that shape and never handed to Prepared, by
// convention of the callers in package store.
type StatementManager struct {
	db *sql.DB

	mu    sync.Mutex
	stmts map[string]*sql.Stmt
}

func NewStatementManager(db *sql.DB) *StatementManager {
	return &StatementManager{db: db, stmts: make(map[string]*sql.Stmt)}
}

// Prepared returns a cached prepared statement for sqlText, preparing and
// caching it on first use. Use for SQL whose text (and therefore
// placeholder count) is stable across calls.
func (m *StatementManager) Prepared(sqlText string) (*sql.Stmt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if stmt, ok := m.stmts[sqlText]; ok {
		return stmt, nil
	}
	stmt, err := m.db.Prepare(sqlText)
	if err != nil {
		return nil, err
	}
	m.stmts[sqlText] = stmt
	return stmt, nil
}

// IsDynamic reports whether sqlText has a variable-sized parameter list
// that should not be cached by Prepared — detected, per §5, by the
// presence of a parenthesised "?,?,...," id list rather than a fixed
// json_each(?) subquery.
func IsDynamic(sqlText string) bool {
	return strings.Contains(sqlText, "?,?")
}

// Close finalises every cached prepared statement.
func (m *StatementManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, stmt := range m.stmts {
		stmt.Close()
	}
	m.stmts = make(map[string]*sql.Stmt)
}
