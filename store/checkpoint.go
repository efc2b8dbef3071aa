package store

import "encoding/json"

// Checkpoint identifies the last change a replication consumer has seen:
// the (id, lwt) pair of the row with the greatest lwt among a bulk write's
// successes (§3, §4.9). SPEC_FULL.md §D.1 fixes its wire shape as a small
// JSON object so callers can persist it opaquely and feed it back to
// GetChangedDocumentsSince unchanged.
type Checkpoint struct {
	ID  string `json:"id"`
	Lwt int64  `json:"lwt"`
}

// Encode renders the checkpoint as its wire form. A nil checkpoint encodes
// as an empty-object placeholder so callers passing it back through
// Decode get a usable zero value rather than a parse error.
func (c *Checkpoint) Encode() ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c)
}

// DecodeCheckpoint parses the wire form produced by Encode. Empty input
// decodes as a nil checkpoint (the "start from the beginning" sentinel).
func DecodeCheckpoint(data []byte) (*Checkpoint, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if c.ID == "" {
		return nil, nil
	}
	return &c, nil
}
