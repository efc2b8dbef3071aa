package store

import schemapkg "mangolite/schema"

// Config is the storage contract's configuration surface (§6): a filename
// and nothing else — no environment variables, no CLI, per the spec's
// Non-goals.
type Config struct {
	// Filename is a file path, or the SQLite in-memory sentinel ":memory:"
	// for ephemeral/test instances.
	Filename string
}

// CollectionSpec names the collection and schema this Instance serves, and
// carries the JSON schema the schema mapper (§4.1) resolves field paths
// against.
type CollectionSpec struct {
	Collection      string
	SchemaVersion   int
	PrimaryKeyField string
	Schema          *schemapkg.Schema
}

// Options configures one Instance beyond what the storage contract exposes
// directly, following the teacher's functional-options shape (see
// _examples/homveloper-boss-raid-game's nodestorage/v2 options.go).
type Options struct {
	// MaxSQLVariables bounds how many bound parameters a single statement
	// may carry (§D.4), rather than exceeding SQLite's
	// SQLITE_MAX_VARIABLE_NUMBER: bulk writes chunk their parameter lists to
	// this size and issue the statements inside their one transaction;
	// FindDocumentsById chunks its id list the same way and runs each chunk
	// as a separate read outside any transaction.
	MaxSQLVariables int

	// CheckpointBatchSize is how many rows GetChangedDocumentsSince returns
	// when its caller passes a non-positive limit; a positive limit is used
	// as given.
	CheckpointBatchSize int

	// SubscriberBufferSize is the per-subscriber channel capacity for the
	// change broadcaster (§4.10): a slow subscriber's events are dropped,
	// not blocked on, once this buffer fills.
	SubscriberBufferSize int
}

// Option configures Options using the functional-options pattern.
type Option func(*Options)

// DefaultOptions mirrors the teacher's DefaultOptions(): sensible values a
// caller never has to think about unless something about their workload
// warrants overriding them.
func DefaultOptions() *Options {
	return &Options{
		MaxSQLVariables:      900,
		CheckpointBatchSize:  1000,
		SubscriberBufferSize: 128,
	}
}

// WithMaxSQLVariables overrides the bound-parameter chunk size.
func WithMaxSQLVariables(n int) Option {
	return func(o *Options) { o.MaxSQLVariables = n }
}

// WithCheckpointBatchSize overrides the GetChangedDocumentsSince default
// batch size.
func WithCheckpointBatchSize(n int) Option {
	return func(o *Options) { o.CheckpointBatchSize = n }
}

// WithSubscriberBufferSize overrides the change-stream subscriber buffer.
func WithSubscriberBufferSize(n int) Option {
	return func(o *Options) { o.SubscriberBufferSize = n }
}

func newOptions(opts ...Option) *Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}
