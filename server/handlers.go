package server

import (
	"errors"
	"net/http"
	"slices"

	"github.com/deepnoodle-ai/hitlflow"
	"github.com/gin-gonic/gin"
)

// Error codes
const (
	ErrBadRequestCode = "BAD_REQUEST"
	ErrNotFoundCode   = "NOT_FOUND"
	ErrFailedCode     = "RUN_FAILED"
	ErrTimeoutCode    = "REQUEST_TIMEOUT"
	ErrInternalCode   = "INTERNAL_ERROR"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RunID   string `json:"run_id,omitempty"`
	Status  string `json:"status,omitempty"`
}

type startResponse struct {
	Status       hitlflow.RunStatus `json:"status"`
	RunID        string             `json:"run_id"`
	CheckpointID string             `json:"checkpoint_id,omitempty"`
	NextStage    hitlflow.Stage     `json:"next_stage,omitempty"`
	ReviewURL    string             `json:"review_url,omitempty"`
	FinalState   *hitlflow.Run      `json:"final_state,omitempty"`
}

type pendingItem struct {
	hitlflow.ReviewItem
	ReviewURL string `json:"review_url"`
}

type decisionRequest struct {
	CheckpointID string `json:"checkpoint_id" binding:"required"`
	Decision     string `json:"decision" binding:"required,oneof=ACCEPT REJECT CLARIFY"`
	ReviewerID   string `json:"reviewer_id" binding:"required"`
	Notes        string `json:"notes"`
}

type decisionResponse struct {
	Status       string             `json:"status"`
	RunID        string             `json:"run_id"`
	RunStatus    hitlflow.RunStatus `json:"run_status"`
	NextStage    hitlflow.Stage     `json:"next_stage,omitempty"`
	CheckpointID string             `json:"checkpoint_id,omitempty"`
	ReviewURL    string             `json:"review_url,omitempty"`
}

const (
	decisionStatusPaused  = "PAUSED"
	decisionStatusResumed = "RESUMED"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) startRun(c *gin.Context) {
	var input map[string]any
	if err := c.ShouldBindJSON(&input); err != nil {
		s.abort(c, http.StatusBadRequest, ErrBadRequestCode, err, nil)
		return
	}
	handle, err := s.engine.Start(c.Request.Context(), input)
	if err != nil {
		s.runError(c, err, handle)
		return
	}
	resp := startResponse{
		Status:       handle.Status,
		RunID:        handle.RunID,
		CheckpointID: handle.CheckpointID,
		NextStage:    handle.NextStage,
	}
	if handle.Status == hitlflow.RunStatusPaused {
		resp.ReviewURL = s.reviewURL(handle.CheckpointID)
	} else {
		resp.FinalState = handle.Run
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listPending(c *gin.Context) {
	items, err := s.engine.PendingReviews(c.Request.Context())
	if err != nil {
		s.abort(c, http.StatusInternalServerError, ErrInternalCode, err, nil)
		return
	}
	pending := make([]pendingItem, 0, len(items))
	for _, item := range items {
		pending = append(pending, pendingItem{ReviewItem: item, ReviewURL: s.reviewURL(item.CheckpointID)})
	}
	c.JSON(http.StatusOK, gin.H{"items": pending})
}

func (s *Server) submitDecision(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abort(c, http.StatusBadRequest, ErrBadRequestCode, err, nil)
		return
	}
	handle, err := s.engine.Resume(c.Request.Context(), hitlflow.Decision{
		CheckpointID: req.CheckpointID,
		Decision:     hitlflow.DecisionValue(req.Decision),
		ReviewerID:   req.ReviewerID,
		Notes:        req.Notes,
	})
	if err != nil {
		s.runError(c, err, handle)
		return
	}
	resp := decisionResponse{
		Status:    decisionStatusResumed,
		RunID:     handle.RunID,
		RunStatus: handle.Status,
		NextStage: handle.NextStage,
	}
	if handle.Status == hitlflow.RunStatusPaused {
		resp.Status = decisionStatusPaused
		resp.CheckpointID = handle.CheckpointID
		resp.ReviewURL = s.reviewURL(handle.CheckpointID)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listRuns(c *gin.Context) {
	runs, err := s.engine.ListRuns(c.Request.Context())
	if err != nil {
		s.abort(c, http.StatusInternalServerError, ErrInternalCode, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) getRun(c *gin.Context) {
	run, err := s.engine.GetRun(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		s.runError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) getJournal(c *gin.Context) {
	ctx := c.Request.Context()
	runID := c.Param("run_id")
	var only hitlflow.Stage
	if name := c.Query("stage"); name != "" {
		stage, err := hitlflow.ParseStage(name)
		if err != nil {
			s.abort(c, http.StatusBadRequest, ErrBadRequestCode, err, nil)
			return
		}
		only = stage
	}
	if _, err := s.engine.GetRun(ctx, runID); err != nil {
		s.runError(c, err, nil)
		return
	}
	entries, err := s.engine.Journal(ctx, runID)
	if err != nil {
		s.runError(c, err, nil)
		return
	}
	if only != "" {
		entries = slices.DeleteFunc(entries, func(entry *hitlflow.StageLogEntry) bool {
			return entry.Stage != only
		})
	}
	if entries == nil {
		entries = []*hitlflow.StageLogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "entries": entries})
}

func (s *Server) recoverRun(c *gin.Context) {
	handle, err := s.engine.Recover(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		s.runError(c, err, handle)
		return
	}
	c.JSON(http.StatusOK, startResponse{
		Status:       handle.Status,
		RunID:        handle.RunID,
		CheckpointID: handle.CheckpointID,
		NextStage:    handle.NextStage,
	})
}

// runError maps engine errors onto HTTP statuses.
func (s *Server) runError(c *gin.Context, err error, handle *hitlflow.RunHandle) {
	if errors.Is(err, hitlflow.ErrRunNotFound) {
		s.abort(c, http.StatusNotFound, ErrNotFoundCode, err, handle)
		return
	}
	var wErr *hitlflow.WorkflowError
	if !errors.As(err, &wErr) {
		s.abort(c, http.StatusInternalServerError, ErrInternalCode, err, handle)
		return
	}
	switch wErr.Type {
	case hitlflow.ErrorTypeUnknownCheckpoint:
		s.abort(c, http.StatusNotFound, ErrNotFoundCode, err, handle)
	case hitlflow.ErrorTypeValidation:
		s.abort(c, http.StatusBadRequest, ErrBadRequestCode, err, handle)
	case hitlflow.ErrorTypeStageExecution, hitlflow.ErrorTypeRouting:
		s.abort(c, http.StatusUnprocessableEntity, ErrFailedCode, err, handle)
	case hitlflow.ErrorTypeTimeout:
		s.abort(c, http.StatusGatewayTimeout, ErrTimeoutCode, err, handle)
	default:
		s.abort(c, http.StatusInternalServerError, ErrInternalCode, err, handle)
	}
}

func (s *Server) abort(c *gin.Context, status int, code string, err error, handle *hitlflow.RunHandle) {
	_ = c.Error(err)
	resp := errorResponse{Code: code, Message: err.Error()}
	if handle != nil {
		resp.RunID = handle.RunID
		resp.Status = string(handle.Status)
	}
	c.AbortWithStatusJSON(status, resp)
}
