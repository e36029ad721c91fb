package hitlflow

import "time"

// DecisionValue is a reviewer verdict.
type DecisionValue string

const (
	DecisionAccept  DecisionValue = "ACCEPT"
	DecisionReject  DecisionValue = "REJECT"
	DecisionClarify DecisionValue = "CLARIFY"
)

// CheckpointRecord is the durable snapshot taken when a run pauses before a
// gated stage. It is consumed exactly once by a Decision.
type CheckpointRecord struct {
	ID           string    `json:"checkpoint_id"`
	RunID        string    `json:"run_id"`
	Stage        Stage     `json:"stage"`
	Snapshot     *Run      `json:"snapshot"`
	PausedReason string    `json:"paused_reason"`
	CreatedAt    time.Time `json:"created_at"`
	ConsumedAt   time.Time `json:"consumed_at,omitzero"`
}

// Consumed reports whether a decision has already used this checkpoint.
func (c *CheckpointRecord) Consumed() bool {
	return !c.ConsumedAt.IsZero()
}

// Decision is the external input that unblocks a paused run.
type Decision struct {
	CheckpointID string        `json:"checkpoint_id" validate:"required"`
	Decision     DecisionValue `json:"decision" validate:"required"`
	ReviewerID   string        `json:"reviewer_id" validate:"required"`
	Notes        string        `json:"notes,omitempty"`
	SubmittedAt  time.Time     `json:"submitted_at,omitzero"`
}

// output renders the decision the way the gated stage would have produced it.
func (d *Decision) output() Output {
	out := Output{
		"human_decision": string(d.Decision),
		"reviewer_id":    d.ReviewerID,
		"processed_at":   d.SubmittedAt.UTC().Format(time.RFC3339Nano),
	}
	if d.Notes != "" {
		out["notes"] = d.Notes
	}
	return out
}
