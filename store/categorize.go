package store

// Operation is the kind of change a successfully categorised write row
// produced, per §4.9/§6.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// WriteRow is one row submitted to BulkWrite: the document to persist, and
// (when the caller believes a row already exists) the previous state it
// expects to be replacing — the optimistic-concurrency check described in
// §3's invariants and §4.9.
type WriteRow struct {
	Document Document
	Previous Document // nil when the caller has no expectation of prior state
}

// ChangeEvent is one entry of the event bulk the storage contract emits
// (§6): the categoriser's successful outcome for one row.
type ChangeEvent struct {
	Operation        Operation
	DocumentID       string
	DocumentData     Document
	PreviousDocument Document
}

// WriteError is one entry of BulkWrite's returned error slice (§6): a 409
// conflict carrying both the row that failed and the row actually on disk.
type WriteError struct {
	Status       int
	DocumentID   string
	Row          WriteRow
	DocumentInDb Document
}

func (e *WriteError) Error() string {
	return (&ConflictError{
		DocumentID:   e.DocumentID,
		DocumentInDb: e.DocumentInDb,
		SubmittedRev: documentRev(e.Row.Previous),
		OnDiskRev:    documentRev(e.DocumentInDb),
	}).Error()
}

// categorize implements the bulk-write categoriser (§4.9): given the
// current on-disk row for a key (nil if none) and the incoming row,
// decides insert / update / conflict / delete-event.
//
//   - no previous + no row on disk            -> insert
//   - no previous + row exists                -> 409 conflict (insert collision)
//   - previous + matching on-disk rev          -> update, or delete if
//     _deleted transitions false -> true
//   - previous + mismatching on-disk rev        -> 409 conflict
//   - previous + no row on disk                -> insert (upsert-after-
//     tombstone path: the caller believed a row existed, it doesn't anymore,
//     so the write lands as a fresh insert)
func categorize(onDisk Document, row WriteRow, primaryKeyField string) (*ChangeEvent, *WriteError) {
	id, _ := documentID(row.Document, primaryKeyField)

	switch {
	case row.Previous == nil && onDisk == nil:
		return &ChangeEvent{Operation: OpInsert, DocumentID: id, DocumentData: row.Document}, nil

	case row.Previous == nil && onDisk != nil:
		return nil, &WriteError{Status: 409, DocumentID: id, Row: row, DocumentInDb: onDisk}

	case row.Previous != nil && onDisk != nil:
		if documentRev(row.Previous) != documentRev(onDisk) {
			return nil, &WriteError{Status: 409, DocumentID: id, Row: row, DocumentInDb: onDisk}
		}
		op := OpUpdate
		if !documentDeleted(onDisk) && documentDeleted(row.Document) {
			op = OpDelete
		}
		return &ChangeEvent{Operation: op, DocumentID: id, DocumentData: row.Document, PreviousDocument: onDisk}, nil

	default: // row.Previous != nil && onDisk == nil
		return &ChangeEvent{Operation: OpInsert, DocumentID: id, DocumentData: row.Document}, nil
	}
}

// BulkWriteResult is the storage contract's bulkWrite return value (§6):
// only the error slice is ever populated for failures; successful events go
// to the change broadcaster, not back to the caller directly.
type BulkWriteResult struct {
	Errors []*WriteError
}

// checkpointFrom returns the (id, lwt) of the event with the greatest lwt
// among events, or nil if events is empty (§3, §4.9).
func checkpointFrom(events []*ChangeEvent) *Checkpoint {
	var best *Checkpoint
	var bestLwt int64
	for _, e := range events {
		lwt := documentLwt(e.DocumentData)
		if best == nil || lwt > bestLwt {
			bestLwt = lwt
			best = &Checkpoint{ID: e.DocumentID, Lwt: lwt}
		}
	}
	return best
}
