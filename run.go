package hitlflow

import (
	"time"

	"github.com/mohae/deepcopy"
)

// RunStatus represents the status of a workflow run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusPaused    RunStatus = "PAUSED"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"

	// RunStatusManualHandling marks a run that reached END without
	// completing, e.g. after a decision the graph does not route.
	RunStatusManualHandling RunStatus = "REQUIRES_MANUAL_HANDLING"
)

// Terminal reports whether no further stage will run without operator action.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusManualHandling:
		return true
	}
	return false
}

// Audit event names
const (
	EventStarted        = "started"
	EventStageCompleted = "stage_completed"
	EventRouted         = "routed"
	EventPaused         = "paused"
	EventResumed        = "resumed"
	EventCompleted      = "completed"
	EventFailed         = "failed"
	EventError          = "error"
	EventCycleLimit     = "review_cycle_limit"
)

// ErrorRecord is an entry in a run's append-only error list.
type ErrorRecord struct {
	At      time.Time `json:"at"`
	Type    string    `json:"type"`
	Stage   Stage     `json:"stage,omitempty"`
	Message string    `json:"message"`
}

// AuditEvent is an entry in a run's append-only audit log.
type AuditEvent struct {
	At           time.Time `json:"at"`
	Event        string    `json:"event"`
	Stage        Stage     `json:"stage,omitempty"`
	Next         []Stage   `json:"next,omitempty"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`
	Message      string    `json:"message,omitempty"`
}

// Run is one execution of the workflow graph. It is fully JSON serializable;
// the store owns it between steps and the engine works on a loaded copy.
type Run struct {
	ID           string         `json:"run_id"`
	WorkflowName string         `json:"workflow_name"`
	Status       RunStatus      `json:"status"`
	Input        map[string]any `json:"input_payload"`
	Outputs      StageOutputs   `json:"stage_outputs"`
	Errors       []ErrorRecord  `json:"errors"`
	AuditLog     []AuditEvent   `json:"audit_log"`
	Pending      []Stage        `json:"pending_stages"`

	// CheckpointID is the live checkpoint while the run is PAUSED.
	CheckpointID string `json:"checkpoint_id,omitempty"`

	// Inbox holds the decision delivered for the gated stage at the head of
	// Pending. It is cleared once that stage has executed.
	Inbox *Decision `json:"inbox,omitempty"`

	ReviewCycles int       `json:"review_cycles"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewRun returns a RUNNING run scheduled to execute start.
func NewRun(id, workflowName string, input map[string]any, start Stage, now time.Time) *Run {
	if input == nil {
		input = map[string]any{}
	}
	return &Run{
		ID:           id,
		WorkflowName: workflowName,
		Status:       RunStatusRunning,
		Input:        deepcopy.Copy(input).(map[string]any),
		Errors:       []ErrorRecord{},
		AuditLog:     []AuditEvent{},
		Pending:      []Stage{start},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	return deepcopy.Copy(r).(*Run)
}

// Summary returns the list view of the run.
func (r *Run) Summary() *RunSummary {
	s := &RunSummary{
		RunID:        r.ID,
		WorkflowName: r.WorkflowName,
		Status:       r.Status,
		CheckpointID: r.CheckpointID,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		ErrorCount:   len(r.Errors),
	}
	if len(r.Pending) > 0 {
		s.NextStage = r.Pending[0]
	}
	return s
}

func (r *Run) audit(at time.Time, e AuditEvent) {
	e.At = at
	r.AuditLog = append(r.AuditLog, e)
}

func (r *Run) recordError(at time.Time, stage Stage, err error) {
	wErr := ClassifyError(err)
	r.Errors = append(r.Errors, ErrorRecord{
		At:      at,
		Type:    wErr.Type,
		Stage:   stage,
		Message: wErr.Cause,
	})
	r.audit(at, AuditEvent{Event: EventError, Stage: stage, Message: wErr.Error()})
}

// lastRoute returns the most recent routing event at or after index from.
func (r *Run) lastRoute(from int) (AuditEvent, bool) {
	for i := len(r.AuditLog) - 1; i >= from && i >= 0; i-- {
		if r.AuditLog[i].Event == EventRouted {
			return r.AuditLog[i], true
		}
	}
	return AuditEvent{}, false
}

// firstRoute returns the earliest routing event at or after index from.
func (r *Run) firstRoute(from int) (AuditEvent, bool) {
	for i := max(from, 0); i < len(r.AuditLog); i++ {
		if r.AuditLog[i].Event == EventRouted {
			return r.AuditLog[i], true
		}
	}
	return AuditEvent{}, false
}

// RunSummary provides a summary view of a run
type RunSummary struct {
	RunID        string    `json:"run_id"`
	WorkflowName string    `json:"workflow_name"`
	Status       RunStatus `json:"status"`
	NextStage    Stage     `json:"next_stage,omitempty"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`
	ErrorCount   int       `json:"error_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// runView is the StateReader handed to stage executors.
type runView struct {
	run *Run
}

func newRunView(run *Run) *runView {
	return &runView{run: run.Clone()}
}

func (v *runView) RunID() string {
	return v.run.ID
}

func (v *runView) Input() map[string]any {
	return deepcopy.Copy(v.run.Input).(map[string]any)
}

func (v *runView) Output(stage Stage) (Output, bool) {
	out, ok := v.run.Outputs.Get(stage)
	if !ok {
		return nil, false
	}
	return deepcopy.Copy(out).(Output), true
}

func (v *runView) ReviewCycles() int {
	return v.run.ReviewCycles
}
