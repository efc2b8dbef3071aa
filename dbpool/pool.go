// Package dbpool manages the refcounted registry of open SQLite connections
// described in §4 ("Database pool") and §9 ("global mutable state") of the
// storage contract: exactly one *sql.DB per database file, shared by every
// collection/schema-version instance that opens it, torn down when the last
// holder releases it.
package dbpool

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"mangolite/cache"
	"mangolite/core"
)

// TranslationCacheCapacity is the per-database query-translation cache size
// (§4.5): 5,000 entries.
const TranslationCacheCapacity = 5000

// CacheEntry is what the per-database translation cache stores: either a
// compiled plan fragment, or the "unrepresentable" sentinel (Unrepresentable
// true, Fragment empty) recorded so a repeat of the same selector skips
// recompiling and goes straight to the bipartite/matcher path.
type CacheEntry struct {
	SQL             string
	Args            []interface{}
	Unrepresentable bool
}

// Conn is one pooled database handle: the shared *sql.DB, its write-
// serialisation queue, its statement manager, and its translation cache —
// everything §5 says is shared "by all instances on a database".
type Conn struct {
	Filename string
	DB       *sql.DB
	Queue    *WriteQueue
	Stmts    *StatementManager
	Cache    cache.Cache[*CacheEntry]

	refs int
}

var (
	poolMu sync.Mutex
	pool   = map[string]*Conn{}
)

// Open returns the shared Conn for filename, opening it if this is the
// first caller. filename may be a file path or an in-memory name: anything
// starting with the ":memory:" sentinel becomes a named shared-cache
// in-memory database, so every connection in the *sql.DB pool sees the
// same data (a bare ":memory:" DSN would give each pooled connection its
// own private database). Distinct in-memory names stay isolated from each
// other, matching distinct files on disk.
func Open(filename string) (*Conn, error) {
	poolMu.Lock()
	defer poolMu.Unlock()

	if c, ok := pool[filename]; ok {
		c.refs++
		return c, nil
	}

	db, err := sql.Open("sqlite3", dsn(filename))
	if err != nil {
		return nil, fmt.Errorf("dbpool: open %s: %w", filename, err)
	}
	// Writes are already serialised by the WriteQueue's single worker
	// goroutine, one job at a time; capping the pool here would additionally
	// force readers to queue behind it, defeating §5's single-writer/
	// multi-reader guarantee that WAL mode exists to provide.
	db.SetMaxOpenConns(8)
	// keep idle connections around: a shared-cache in-memory database is
	// destroyed the moment its last connection closes
	db.SetMaxIdleConns(8)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbpool: connect %s: %w", filename, err)
	}

	c := &Conn{
		Filename: filename,
		DB:       db,
		Queue:    NewWriteQueue(db),
		Stmts:    NewStatementManager(db),
		Cache:    cache.NewSieveCache[*CacheEntry](TranslationCacheCapacity),
		refs:     1,
	}
	pool[filename] = c
	core.Info("dbpool: opened database", core.Database(filename))
	return c, nil
}

// Release decrements the refcount and, when it reaches zero, closes the
// underlying connection and drops it from the registry.
func (c *Conn) Release() error {
	poolMu.Lock()
	defer poolMu.Unlock()

	c.refs--
	if c.refs > 0 {
		return nil
	}
	delete(pool, c.Filename)
	c.Queue.Close()
	c.Stmts.Close()
	core.Info("dbpool: closed database", core.Database(c.Filename))
	return c.DB.Close()
}

// RefCount reports the current number of holders, for tests.
func (c *Conn) RefCount() int {
	poolMu.Lock()
	defer poolMu.Unlock()
	return c.refs
}

// connParams are the go-sqlite3 DSN parameters applied to EVERY pooled
// connection (several of these pragmas are per-connection, so running them
// once via Exec would configure only whichever connection the pool handed
// out): write-ahead logging per §6, a busy timeout so lock contention
// blocks briefly instead of failing, and case-sensitive LIKE so the smart
// regex reducer's LIKE forms agree with regex semantics — SQLite's default
// LIKE is ASCII case-insensitive, which would make the case-SENSITIVE
// prefix/suffix/substring reductions silently wrong.
const connParams = "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=0&_case_sensitive_like=1"

func dsn(filename string) string {
	if filename == "" {
		filename = ":memory:"
	}
	if strings.HasPrefix(filename, ":memory:") {
		name := sanitizeMemoryName(strings.TrimPrefix(filename, ":memory:"))
		return "file:" + name + "?mode=memory&cache=shared&" + connParams
	}
	return filename + "?" + connParams
}

// sanitizeMemoryName reduces an in-memory database name to characters safe
// in a file: URI without escaping.
func sanitizeMemoryName(name string) string {
	if name == "" {
		return "memdb"
	}
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_' {
			out[i] = c
		} else {
			out[i] = '_'
		}
	}
	return string(out)
}

