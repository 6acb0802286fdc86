package domain

import "time"

// Identity is the opaque key (platform username) under which decisions and
// block status are tracked. Case-sensitive, no normalization.
type Identity = string

// ContentRef is a handle to a rendered content item on the host platform.
// Hide suppresses the content locally; implementations must make it safe to
// call any number of times.
type ContentRef interface {
	Hide()
	Hidden() bool
}

// Item represents a single observed content item (one chat message or feed entry)
type Item struct {
	ID       string // unique per content instance, used for dedup
	Identity Identity
	Text     string
	Ref      ContentRef
	Observed time.Time
}

// Verdict is the binary outcome of classification
type Verdict string

// possible verdicts
const (
	VerdictBlock Verdict = "block"
	VerdictAllow Verdict = "allow"
)

// ReasonAnalysisError tags fail-open decisions produced when the classifier
// service could not be reached
const ReasonAnalysisError = "analysis_error"

// Decision is a per-identity moderation verdict
type Decision struct {
	Identity Identity
	Verdict  Verdict
	Reason   string
}

// Blocked reports whether the decision requires enforcement
func (d Decision) Blocked() bool { return d.Verdict == VerdictBlock }

// BlockState tracks a block entry through the enforcement queue
type BlockState string

// block entry states
const (
	BlockQueued         BlockState = "queued"
	BlockInProgress     BlockState = "in_progress"
	BlockSucceeded      BlockState = "succeeded"
	BlockFailedFallback BlockState = "failed_fallback"
)

// BlockEntry is a queued enforcement action for a single identity
type BlockEntry struct {
	Identity   Identity
	Reason     string
	Ref        ContentRef
	State      BlockState
	EnqueuedAt time.Time
}

// DecisionLogEntry is a persisted audit record of a moderation decision
type DecisionLogEntry struct {
	Identity  Identity  `db:"identity" json:"identity"`
	Verdict   Verdict   `db:"verdict" json:"verdict"`
	Reason    string    `db:"reason" json:"reason"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
