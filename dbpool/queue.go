package dbpool

import (
	"database/sql"
	"fmt"
)

// WriteQueue serialises every mutating operation on one connection into a
// single FIFO, as §5 requires: submissions execute in submission order,
// each inside its own begin/commit pair, and an exception in one handler
// rolls back its own transaction without blocking the next queued handler.
//
// The host runtime this design was written against is single-threaded
// cooperative (§5); Go instead has real OS threads, so the same guarantee
// is reproduced with a single worker goroutine draining a channel of jobs
// — functionally a mutex, but expressed as the explicit queue the contract
// describes rather than a bare sync.Mutex, so the FIFO ordering and the
// per-job transaction boundary stay visible in the code.
type WriteQueue struct {
	db   *sql.DB
	jobs chan job
	done chan struct{}
}

type job struct {
	fn    func(*sql.Tx) error
	after func() // runs in the worker after a successful commit
	resp  chan error
}

// NewWriteQueue starts the worker goroutine backing the queue.
func NewWriteQueue(db *sql.DB) *WriteQueue {
	q := &WriteQueue{
		db:   db,
		jobs: make(chan job),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *WriteQueue) run() {
	for j := range q.jobs {
		err := q.execute(j.fn)
		if err == nil && j.after != nil {
			j.after()
		}
		j.resp <- err
	}
	close(q.done)
}

func (q *WriteQueue) execute(fn func(*sql.Tx) error) error {
	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("dbpool: begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbpool: commit transaction: %w", err)
	}
	return nil
}

// Submit enqueues fn and blocks until it has run inside its own
// transaction. fn's returned error rolls the transaction back and is
// returned unchanged to the caller; a nil error commits.
func (q *WriteQueue) Submit(fn func(*sql.Tx) error) error {
	return q.SubmitThen(fn, nil)
}

// SubmitThen is Submit with a post-commit hook: after runs in the worker
// goroutine strictly after fn's transaction commits and before the next
// queued job starts, so side effects keyed to the commit (change-stream
// emission in particular) observe commit order. after is skipped when the
// transaction rolls back.
func (q *WriteQueue) SubmitThen(fn func(*sql.Tx) error, after func()) error {
	resp := make(chan error, 1)
	q.jobs <- job{fn: fn, after: after, resp: resp}
	return <-resp
}

// Close stops accepting new jobs, then waits until the worker has finished
// the job in flight and exited.
func (q *WriteQueue) Close() {
	close(q.jobs)
	<-q.done
}
