package checkpoint

import "time"

// Kind classifies checkpoints by cadence and retention.
type Kind string

const (
	// KindMicro is the periodic advisory snapshot. Fast tier, bounded
	// retention, writes are best-effort.
	KindMicro Kind = "micro"
	// KindMacro marks a named milestone. Durable tier, write failures
	// surface to the caller.
	KindMacro Kind = "macro"
	// KindNamed is an explicit tool-requested checkpoint with a label.
	// Durable tier, retained indefinitely.
	KindNamed Kind = "named"
)

// State is the structured execution state a tool snapshots and restores.
type State map[string]interface{}

// Checkpoint is one immutable snapshot record. Payload holds the
// serialized state, possibly compressed, possibly a delta against
// ParentID, possibly offloaded behind ExternalURI.
type Checkpoint struct {
	ID           string    `json:"checkpoint_id"`
	InvocationID string    `json:"invocation_id"`
	Kind         Kind      `json:"kind"`
	Label        string    `json:"label,omitempty"`
	Seq          int64     `json:"seq"`
	ParentID     string    `json:"parent_checkpoint_id,omitempty"`
	Payload      []byte    `json:"payload,omitempty"`
	Compressed   bool      `json:"compressed,omitempty"`
	Delta        bool      `json:"delta,omitempty"`
	ExternalURI  string    `json:"external_uri,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Durable reports whether this checkpoint lives in the durable tier.
func (c *Checkpoint) Durable() bool {
	return c.Kind == KindMacro || c.Kind == KindNamed
}
