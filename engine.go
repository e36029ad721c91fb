package hitlflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/deepnoodle-ai/hitlflow/retry"
)

const defaultPausedReason = "awaiting human input"

// EngineOptions configures a new engine
type EngineOptions struct {
	Graph     *Graph
	Stages    []StageExecutor
	Store     Store
	Queue     ReviewQueue
	Journal   StageJournal
	Callbacks EngineCallbacks
	Logger    *slog.Logger

	// ValidateInput rejects malformed payloads before a run is created.
	ValidateInput func(input map[string]any) error

	// DescribeInput extracts the document identifier and amount shown to
	// reviewers. Defaults to the invoice_id and amount fields.
	DescribeInput func(input map[string]any) (string, float64)

	// MaxReviewCycles bounds how often a run may enter a gated stage.
	// Zero means unbounded.
	MaxReviewCycles int

	// RetryOptions tune how store writes are retried.
	RetryOptions []retry.Option

	Now func() time.Time
}

// RunHandle is what Start, Resume and Recover return to the caller.
type RunHandle struct {
	RunID        string    `json:"run_id"`
	Status       RunStatus `json:"status"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`

	// NextStage is the gated stage a paused run waits on. After a resume it
	// is the stage the decision was routed to.
	NextStage Stage `json:"next_stage,omitempty"`

	// Run is a copy of the run state when control returned.
	Run *Run `json:"-"`
}

// Engine drives runs through a graph, persisting after every stage and
// halting before gated stages until a decision arrives.
type Engine struct {
	graph           *Graph
	executors       map[Stage]StageExecutor
	store           Store
	queue           ReviewQueue
	journal         StageJournal
	callbacks       EngineCallbacks
	logger          *slog.Logger
	validateInput   func(map[string]any) error
	describeInput   func(map[string]any) (string, float64)
	maxReviewCycles int
	retryOptions    []retry.Option
	now             func() time.Time
	locks           *runLocks
}

// NewEngine creates a new engine
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Graph == nil {
		return nil, fmt.Errorf("graph is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.MaxReviewCycles < 0 {
		return nil, fmt.Errorf("max review cycles must not be negative")
	}
	executors := make(map[Stage]StageExecutor, len(opts.Stages))
	for _, executor := range opts.Stages {
		executors[executor.Stage()] = executor
	}
	for _, stage := range opts.Graph.Stages() {
		if _, ok := executors[stage]; !ok {
			return nil, fmt.Errorf("no executor for stage %q", stage)
		}
	}
	if opts.Queue == nil {
		opts.Queue = NewMemoryReviewQueue()
	}
	if opts.Journal == nil {
		opts.Journal = NewNullStageJournal()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseEngineCallbacks{}
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.ValidateInput == nil {
		opts.ValidateInput = func(map[string]any) error { return nil }
	}
	if opts.DescribeInput == nil {
		opts.DescribeInput = describeInvoice
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		graph:           opts.Graph,
		executors:       executors,
		store:           opts.Store,
		queue:           opts.Queue,
		journal:         opts.Journal,
		callbacks:       opts.Callbacks,
		logger:          opts.Logger.With("workflow", opts.Graph.Name()),
		validateInput:   opts.ValidateInput,
		describeInput:   opts.DescribeInput,
		maxReviewCycles: opts.MaxReviewCycles,
		retryOptions:    opts.RetryOptions,
		now:             opts.Now,
		locks:           newRunLocks(),
	}, nil
}

// Graph returns the graph the engine drives
func (e *Engine) Graph() *Graph {
	return e.graph
}

// Start creates a run for the input and drives it until it pauses at a gate
// or terminates.
func (e *Engine) Start(ctx context.Context, input map[string]any) (*RunHandle, error) {
	if err := e.validateInput(input); err != nil {
		return nil, ValidationError(err)
	}
	now := e.now()
	run := NewRun(NewRunID(), e.graph.Name(), input, e.graph.Start(), now)

	unlock := e.locks.Lock(run.ID)
	defer unlock()

	run.audit(now, AuditEvent{Event: EventStarted, Stage: e.graph.Start()})
	if err := e.save(ctx, run); err != nil {
		return nil, wrapError(ErrorTypePersistence, "", run.ID, err)
	}
	e.runLogger(run).Info("run started")
	e.callbacks.OnRunStarted(ctx, e.runEvent(run))
	return e.drive(ctx, run, -1)
}

// Resume applies a decision to the run paused at its checkpoint and continues
// the run from the gated stage. A checkpoint that is unknown, consumed, or no
// longer gating its run yields an unknown_checkpoint error and changes nothing.
func (e *Engine) Resume(ctx context.Context, decision Decision) (*RunHandle, error) {
	if decision.CheckpointID == "" || decision.Decision == "" || decision.ReviewerID == "" {
		return nil, ValidationError(errors.New("checkpoint_id, decision and reviewer_id are required"))
	}
	record, err := e.store.GetCheckpoint(ctx, decision.CheckpointID)
	if err != nil {
		return nil, e.checkpointError(decision.CheckpointID, err)
	}

	unlock := e.locks.Lock(record.RunID)
	defer unlock()

	run, err := e.store.Load(ctx, record.RunID)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			return nil, e.checkpointError(decision.CheckpointID, ErrUnknownCheckpoint)
		}
		return nil, wrapError(ErrorTypePersistence, "", record.RunID, err)
	}
	if run.Status != RunStatusPaused || run.CheckpointID != record.ID || len(run.Pending) == 0 {
		return nil, e.checkpointError(decision.CheckpointID, ErrUnknownCheckpoint)
	}
	paused := run.Clone()

	now := e.now()
	if decision.SubmittedAt.IsZero() {
		decision.SubmittedAt = now
	}
	decision.CheckpointID = record.ID
	stage := run.Pending[0]
	run.Inbox = &decision
	if err := run.Outputs.Set(stage, decision.output()); err != nil {
		return nil, wrapError(ErrorTypeValidation, stage, run.ID, err)
	}
	run.Status = RunStatusRunning
	run.CheckpointID = ""
	run.audit(now, AuditEvent{
		Event:        EventResumed,
		Stage:        stage,
		CheckpointID: record.ID,
		Message:      string(decision.Decision),
	})

	// The decision is durable before the checkpoint is consumed. A failed
	// save leaves the run PAUSED behind a checkpoint that still accepts it.
	if err := e.persist(ctx, run); err != nil {
		return e.handle(run, -1), err
	}
	if _, err := e.store.ConsumeCheckpoint(WithLogger(ctx, e.runLogger(run)), record.ID); err != nil {
		if sErr := e.save(ctx, paused); sErr != nil {
			e.runLogger(run).Error("failed to restore paused run", "error", sErr)
		}
		return nil, e.checkpointError(decision.CheckpointID, err)
	}
	if err := e.queue.Remove(ctx, record.ID); err != nil {
		e.runLogger(run).Warn("failed to remove review item", "checkpoint_id", record.ID, "error", err)
	}
	e.runLogger(run).Info("run resumed",
		"checkpoint_id", record.ID,
		"decision", decision.Decision,
		"reviewer_id", decision.ReviewerID)

	event := e.runEvent(run)
	event.Stage = stage
	event.CheckpointID = record.ID
	event.Decision = decision.Decision
	e.callbacks.OnRunResumed(ctx, event)

	return e.drive(ctx, run, len(run.AuditLog))
}

// Recover continues a run after a restart. A RUNNING run is driven from its
// pending stages, applying a saved decision whose checkpoint was never
// consumed. A PAUSED run is re-indexed in the review queue; if its checkpoint
// is gone a fresh one is issued. Terminal runs are returned unchanged.
func (e *Engine) Recover(ctx context.Context, runID string) (*RunHandle, error) {
	unlock := e.locks.Lock(runID)
	defer unlock()

	run, err := e.store.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %q: %w", runID, err)
	}
	switch run.Status {
	case RunStatusRunning:
		e.runLogger(run).Info("recovering run", "pending", run.Pending)
		if err := e.settleInbox(ctx, run); err != nil {
			return e.handle(run, -1), err
		}
		return e.drive(ctx, run, -1)
	case RunStatusPaused:
		record, err := e.store.GetCheckpoint(ctx, run.CheckpointID)
		if err == nil {
			if err := e.queue.Add(ctx, e.reviewItem(run, record)); err != nil {
				return e.handle(run, -1), wrapError(ErrorTypePersistence, record.Stage, run.ID, err)
			}
			return e.handle(run, -1), nil
		}
		if !errors.Is(err, ErrUnknownCheckpoint) {
			return nil, wrapError(ErrorTypePersistence, "", run.ID, err)
		}
		e.runLogger(run).Warn("checkpoint consumed without a saved decision, pausing again",
			"checkpoint_id", run.CheckpointID)
		run.Status = RunStatusRunning
		run.CheckpointID = ""
		run.ReviewCycles = max(run.ReviewCycles-1, 0)
		return e.drive(ctx, run, -1)
	}
	return e.handle(run, -1), nil
}

// settleInbox consumes the checkpoint of a saved decision that was
// interrupted before its checkpoint could be consumed.
func (e *Engine) settleInbox(ctx context.Context, run *Run) error {
	if run.Inbox == nil || run.Inbox.CheckpointID == "" {
		return nil
	}
	checkpointID := run.Inbox.CheckpointID
	if _, err := e.store.ConsumeCheckpoint(WithLogger(ctx, e.runLogger(run)), checkpointID); err != nil {
		if errors.Is(err, ErrUnknownCheckpoint) {
			return nil
		}
		return wrapError(ErrorTypePersistence, run.Pending[0], run.ID, err)
	}
	if err := e.queue.Remove(ctx, checkpointID); err != nil {
		e.runLogger(run).Warn("failed to remove review item", "checkpoint_id", checkpointID, "error", err)
	}
	return nil
}

// RestoreReviewQueue re-indexes every unconsumed checkpoint that still gates
// a PAUSED run and returns how many items were added.
func (e *Engine) RestoreReviewQueue(ctx context.Context) (int, error) {
	records, err := e.store.PendingCheckpoints(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending checkpoints: %w", err)
	}
	restored := 0
	for _, record := range records {
		run, err := e.store.Load(ctx, record.RunID)
		if err != nil {
			e.logger.Warn("skipping checkpoint of unreadable run",
				"checkpoint_id", record.ID, "run_id", record.RunID, "error", err)
			continue
		}
		if run.Status != RunStatusPaused || run.CheckpointID != record.ID {
			continue
		}
		if err := e.queue.Add(ctx, e.reviewItem(run, record)); err != nil {
			return restored, fmt.Errorf("failed to restore review item %q: %w", record.ID, err)
		}
		restored++
	}
	return restored, nil
}

// GetRun returns the last saved state of a run
func (e *Engine) GetRun(ctx context.Context, runID string) (*Run, error) {
	return e.store.Load(ctx, runID)
}

// ListRuns returns summaries of all runs, newest first
func (e *Engine) ListRuns(ctx context.Context) ([]*RunSummary, error) {
	return e.store.ListRuns(ctx)
}

// PendingReviews lists the runs waiting on a reviewer
func (e *Engine) PendingReviews(ctx context.Context) ([]ReviewItem, error) {
	return e.queue.List(ctx)
}

// Journal returns the stage journal of a run
func (e *Engine) Journal(ctx context.Context, runID string) ([]*StageLogEntry, error) {
	return e.journal.History(ctx, runID)
}

// drive executes pending stages until the run pauses, fails or ends. mark is
// the audit log length at resume time, or -1 when not resuming.
func (e *Engine) drive(ctx context.Context, run *Run, mark int) (*RunHandle, error) {
	logger := e.runLogger(run)
	ctx = WithLogger(ctx, logger)

	for len(run.Pending) > 0 {
		stage := run.Pending[0]
		if stage == StageEnd {
			break
		}
		// The run is durably RUNNING here; Recover picks it up again.
		if err := ctx.Err(); err != nil {
			wErr := wrapError(ErrorTypeTimeout, stage, run.ID, err)
			run.recordError(e.now(), stage, wErr)
			if sErr := e.save(ctx, run); sErr != nil {
				logger.Error("failed to record cancellation", "error", sErr)
			}
			return e.handle(run, mark), wErr
		}
		node, ok := e.graph.Node(stage)
		if !ok {
			err := e.fail(ctx, run, wrapError(ErrorTypeRouting, stage, run.ID,
				fmt.Errorf("stage %q is not part of graph %q", stage, e.graph.Name())))
			return e.handle(run, mark), err
		}
		if node.Gated && run.Inbox == nil {
			return e.pause(ctx, run, node, mark)
		}
		if err := e.step(ctx, run, node); err != nil {
			return e.handle(run, mark), err
		}
	}
	return e.finish(ctx, run, e.endStatus(run), mark)
}

// step executes one stage, stores its output and schedules its successors.
// The run is saved once the output is merged and again once routed.
func (e *Engine) step(ctx context.Context, run *Run, node *Node) error {
	stage := node.Stage
	logger := LoggerFromContext(ctx)
	start := e.now()

	e.callbacks.BeforeStage(ctx, &StageEvent{
		RunID:        run.ID,
		WorkflowName: run.WorkflowName,
		Stage:        stage,
		StartTime:    start,
	})
	logger.Debug("executing stage", "stage", stage)

	output, err := e.execute(ctx, e.executors[stage], run)
	if err == nil {
		err = run.Outputs.Set(stage, output)
	}
	end := e.now()

	entry := &StageLogEntry{
		RunID:     run.ID,
		Stage:     stage,
		Output:    output,
		StartTime: start,
		Duration:  end.Sub(start).Seconds(),
	}
	if err != nil {
		entry.Output = nil
		entry.Error = err.Error()
	}
	if jErr := e.journal.LogStage(ctx, entry); jErr != nil {
		logger.Warn("failed to journal stage", "stage", stage, "error", jErr)
	}
	e.callbacks.AfterStage(ctx, &StageEvent{
		RunID:        run.ID,
		WorkflowName: run.WorkflowName,
		Stage:        stage,
		StartTime:    start,
		EndTime:      end,
		Duration:     end.Sub(start),
		Output:       output,
		Error:        err,
	})
	if err != nil {
		logger.Error("stage failed", "stage", stage, "error", err)
		return e.fail(ctx, run, wrapError(ErrorTypeStageExecution, stage, run.ID, err))
	}

	if node.Gated {
		run.Inbox = nil
	}
	run.audit(end, AuditEvent{Event: EventStageCompleted, Stage: stage})
	if err := e.persist(ctx, run); err != nil {
		return err
	}

	next, err := e.graph.Successors(context.WithoutCancel(ctx), stage, &run.Outputs)
	if err != nil {
		logger.Error("routing failed", "stage", stage, "error", err)
		return e.fail(ctx, run, wrapError(ErrorTypeRouting, stage, run.ID, err))
	}
	pending := make([]Stage, 0, len(next)+len(run.Pending)-1)
	pending = append(pending, next...)
	pending = append(pending, run.Pending[1:]...)
	run.Pending = pending
	run.audit(e.now(), AuditEvent{Event: EventRouted, Stage: stage, Next: next})
	logger.Info("stage completed", "stage", stage, "next", next, "duration", end.Sub(start))
	return e.persist(ctx, run)
}

// execute runs the executor on an isolated copy of the run.
func (e *Engine) execute(ctx context.Context, executor StageExecutor, run *Run) (output Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = fmt.Errorf("stage panicked: %v", r)
		}
	}()
	return executor.Execute(ctx, newRunView(run))
}

// pause checkpoints the run in front of a gated stage and lists it for review.
func (e *Engine) pause(ctx context.Context, run *Run, node *Node, mark int) (*RunHandle, error) {
	now := e.now()
	logger := LoggerFromContext(ctx)

	if e.maxReviewCycles > 0 && run.ReviewCycles >= e.maxReviewCycles {
		run.audit(now, AuditEvent{
			Event:   EventCycleLimit,
			Stage:   node.Stage,
			Message: fmt.Sprintf("review cycle limit of %d reached", e.maxReviewCycles),
		})
		logger.Warn("review cycle limit reached", "stage", node.Stage, "cycles", run.ReviewCycles)
		return e.finish(ctx, run, RunStatusManualHandling, mark)
	}

	reason := e.pausedReason(run, node)
	run.Status = RunStatusPaused
	run.ReviewCycles++
	snapshot := run.Clone()
	var checkpointID string
	writeCtx := context.WithoutCancel(ctx)
	err := retry.Do(writeCtx, func() error {
		id, err := e.store.CreateCheckpoint(writeCtx, run.ID, snapshot, reason)
		checkpointID = id
		return err
	}, e.retryOptions...)
	if err != nil {
		return e.handle(run, mark), e.persistenceFailure(ctx, run, node.Stage, err)
	}
	run.CheckpointID = checkpointID
	run.audit(now, AuditEvent{
		Event:        EventPaused,
		Stage:        node.Stage,
		CheckpointID: checkpointID,
		Message:      reason,
	})
	if err := e.persist(ctx, run); err != nil {
		return e.handle(run, mark), err
	}

	// The checkpoint and the paused run are durable before anyone can see
	// the review item.
	record := &CheckpointRecord{
		ID:           checkpointID,
		RunID:        run.ID,
		Stage:        node.Stage,
		PausedReason: reason,
		CreatedAt:    now,
	}
	if err := e.queue.Add(ctx, e.reviewItem(run, record)); err != nil {
		wErr := wrapError(ErrorTypePersistence, node.Stage, run.ID, fmt.Errorf("failed to queue review: %w", err))
		run.recordError(e.now(), node.Stage, wErr)
		if sErr := e.save(ctx, run); sErr != nil {
			logger.Error("failed to record queue error", "error", sErr)
		}
		return e.handle(run, mark), wErr
	}
	logger.Info("run paused", "stage", node.Stage, "checkpoint_id", checkpointID, "reason", reason)

	event := e.runEvent(run)
	event.Stage = node.Stage
	event.CheckpointID = checkpointID
	e.callbacks.OnRunPaused(ctx, event)
	return e.handle(run, mark), nil
}

// finish marks the run terminal.
func (e *Engine) finish(ctx context.Context, run *Run, status RunStatus, mark int) (*RunHandle, error) {
	run.Status = status
	run.Pending = []Stage{}
	run.CheckpointID = ""
	run.audit(e.now(), AuditEvent{Event: EventCompleted, Message: string(status)})
	if err := e.persist(ctx, run); err != nil {
		return e.handle(run, mark), err
	}
	LoggerFromContext(ctx).Info("run finished", "status", status)
	e.callbacks.OnRunFinished(ctx, e.runEvent(run))
	return e.handle(run, mark), nil
}

// fail records a stage or routing error and marks the run FAILED. Pending
// stages are left as they were.
func (e *Engine) fail(ctx context.Context, run *Run, wErr *WorkflowError) error {
	now := e.now()
	run.Status = RunStatusFailed
	run.recordError(now, wErr.Stage, wErr)
	run.audit(now, AuditEvent{Event: EventFailed, Stage: wErr.Stage, Message: wErr.Cause})
	if err := e.persist(ctx, run); err != nil {
		return err
	}
	event := e.runEvent(run)
	event.Stage = wErr.Stage
	event.Error = wErr
	e.callbacks.OnRunFinished(ctx, event)
	return wErr
}

// endStatus picks the terminal status from the node that routed to END.
func (e *Engine) endStatus(run *Run) RunStatus {
	route, ok := run.lastRoute(0)
	if !ok {
		return RunStatusCompleted
	}
	node, ok := e.graph.Node(route.Stage)
	if !ok || node.EndStatus == "" {
		return RunStatusCompleted
	}
	for _, next := range route.Next {
		if next == StageEnd {
			return node.EndStatus
		}
	}
	return RunStatusCompleted
}

// save writes the run, retrying recoverable store errors. Writes are not
// cut short by the caller's cancellation.
func (e *Engine) save(ctx context.Context, run *Run) error {
	ctx = context.WithoutCancel(ctx)
	run.UpdatedAt = e.now()
	return retry.Do(ctx, func() error {
		return e.store.Save(ctx, run)
	}, e.retryOptions...)
}

// persist saves the run. On failure the working copy is replaced by the last
// durable state, with the failure appended to it.
func (e *Engine) persist(ctx context.Context, run *Run) error {
	if err := e.save(ctx, run); err != nil {
		var stage Stage
		if len(run.Pending) > 0 {
			stage = run.Pending[0]
		}
		return e.persistenceFailure(ctx, run, stage, err)
	}
	return nil
}

func (e *Engine) persistenceFailure(ctx context.Context, run *Run, stage Stage, err error) error {
	ctx = context.WithoutCancel(ctx)
	wErr := wrapError(ErrorTypePersistence, stage, run.ID, err)
	logger := e.runLogger(run)
	logger.Error("failed to persist run", "stage", stage, "error", err)

	durable, loadErr := e.store.Load(ctx, run.ID)
	if loadErr != nil {
		logger.Error("failed to reload run", "error", loadErr)
		return wErr
	}
	durable.recordError(e.now(), stage, wErr)
	if saveErr := e.store.Save(ctx, durable); saveErr != nil {
		logger.Error("failed to record persistence error", "error", saveErr)
	}
	*run = *durable
	return wErr
}

func (e *Engine) checkpointError(checkpointID string, err error) error {
	if errors.Is(err, ErrUnknownCheckpoint) {
		return &WorkflowError{
			Type:    ErrorTypeUnknownCheckpoint,
			Cause:   fmt.Sprintf("checkpoint %q is unknown or already consumed", checkpointID),
			Wrapped: ErrUnknownCheckpoint,
		}
	}
	return wrapError(ErrorTypePersistence, "", "", err)
}

func (e *Engine) pausedReason(run *Run, node *Node) string {
	if node.ReasonFrom == "" {
		return defaultPausedReason
	}
	out, _ := run.Outputs.Get(node.ReasonFrom)
	if reason := out.String("paused_reason"); reason != "" {
		return reason
	}
	return defaultPausedReason
}

func (e *Engine) reviewItem(run *Run, record *CheckpointRecord) ReviewItem {
	invoiceID, amount := e.describeInput(run.Input)
	return ReviewItem{
		CheckpointID: record.ID,
		RunID:        run.ID,
		InvoiceID:    invoiceID,
		Amount:       amount,
		Reason:       record.PausedReason,
		Stage:        record.Stage,
		PausedAt:     record.CreatedAt,
	}
}

func (e *Engine) handle(run *Run, mark int) *RunHandle {
	h := &RunHandle{
		RunID:        run.ID,
		Status:       run.Status,
		CheckpointID: run.CheckpointID,
		Run:          run.Clone(),
	}
	if mark >= 0 {
		if route, ok := run.firstRoute(mark); ok && len(route.Next) > 0 {
			h.NextStage = route.Next[0]
			return h
		}
	}
	if run.Status == RunStatusPaused && len(run.Pending) > 0 {
		h.NextStage = run.Pending[0]
	}
	return h
}

func (e *Engine) runEvent(run *Run) *RunEvent {
	return &RunEvent{
		RunID:        run.ID,
		WorkflowName: run.WorkflowName,
		Status:       run.Status,
		CheckpointID: run.CheckpointID,
	}
}

func (e *Engine) runLogger(run *Run) *slog.Logger {
	return e.logger.With("run_id", run.ID)
}

func describeInvoice(input map[string]any) (string, float64) {
	var invoiceID string
	if v, ok := input["invoice_id"]; ok && v != nil {
		invoiceID = fmt.Sprint(v)
	}
	amount, _ := toFloat(input["amount"])
	return invoiceID, amount
}
