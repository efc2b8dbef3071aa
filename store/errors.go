package store

import "fmt"

// Sentinel errors for the taxonomy in §6: configuration errors surface
// synchronously from instance creation or query compilation, before any
// SQL runs; ErrClosed guards every operation on a torn-down instance.
var (
	// ErrConflict is the target for errors.Is against a *ConflictError —
	// revision mismatch or insert collision (§6, status 409).
	ErrConflict = fmt.Errorf("store: write conflict")

	// ErrClosed is returned by any operation on an instance after Close or
	// Remove has run.
	ErrClosed = fmt.Errorf("store: instance is closed")

	// ErrInvalidConfig covers the configuration errors this package detects:
	// an invalid collection name or a missing primary key field. Invalid
	// $regex option characters are returned by Query and Count as the mango
	// package's *ConfigError, which is not wrapped in this sentinel.
	ErrInvalidConfig = fmt.Errorf("store: invalid configuration")
)

// ConflictError generalises the teacher's VersionError (see
// _examples/homveloper-boss-raid-game's nodestorage/v2 errors.go) to this
// adapter's revision model: it carries the on-disk document so callers can
// decide how to reconcile without a second round trip.
type ConflictError struct {
	DocumentID   string
	DocumentInDb map[string]interface{}
	SubmittedRev string
	OnDiskRev    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("store: write conflict for document %q: submitted rev %q does not match on-disk rev %q",
		e.DocumentID, e.SubmittedRev, e.OnDiskRev)
}

// Is lets callers write errors.Is(err, store.ErrConflict).
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Unwrap exposes the sentinel for errors.Is chains built on top of this one.
func (e *ConflictError) Unwrap() error { return ErrConflict }
