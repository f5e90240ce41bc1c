package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/deepnoodle-ai/worldflow"
	"github.com/gin-gonic/gin"
)

// Run statuses reported to clients
const (
	StatusCompleted       = "completed"
	StatusWaitingForInput = "waiting_for_input"
	StatusError           = "error"
)

// StartRequest is the body of a start request
type StartRequest struct {
	State  map[string]any    `json:"state,omitempty"`
	Config *worldflow.Config `json:"config,omitempty"`
}

// ErrorBody describes an error in a response
type ErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// RunResponse is the reply to start and continue requests
type RunResponse struct {
	RunID   string                        `json:"run_id"`
	Status  string                        `json:"status"`
	State   map[string]any                `json:"state,omitempty"`
	Request *worldflow.SuspensionRequest  `json:"request,omitempty"`
	Pending []worldflow.SuspensionRequest `json:"pending,omitempty"`
	Error   *ErrorBody                    `json:"error,omitempty"`
}

// NewRunResponse describes an engine result for clients.
func NewRunResponse(result *worldflow.Result) *RunResponse {
	resp := &RunResponse{RunID: result.RunID, State: result.State}
	switch result.Status {
	case worldflow.RunCompleted:
		resp.Status = StatusCompleted
	case worldflow.RunSuspended:
		resp.Status = StatusWaitingForInput
		resp.Request = result.Request
		resp.Pending = result.Pending
	default:
		resp.Status = StatusError
	}
	if result.Err != nil {
		resp.Error = &ErrorBody{Type: worldflow.ErrorType(result.Err), Message: result.Err.Error()}
	}
	return resp
}

func (s *Server) startRun(c *gin.Context) {
	var body StartRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": ErrorBody{Type: "bad_request", Message: err.Error()}})
			return
		}
	}
	result, err := s.engine.Start(context.WithoutCancel(c.Request.Context()), worldflow.StartRequest{
		RunID:  c.Param("id"),
		State:  body.State,
		Config: body.Config,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewRunResponse(result))
}

func (s *Server) continueRun(c *gin.Context) {
	var input worldflow.ResumptionInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrorBody{Type: "bad_request", Message: err.Error()}})
		return
	}
	result, err := s.engine.Resume(context.WithoutCancel(c.Request.Context()), c.Param("id"), input)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewRunResponse(result))
}

func (s *Server) getRun(c *gin.Context) {
	cp, err := s.engine.Checkpoint(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cp)
}

func (s *Server) listRuns(c *gin.Context) {
	runs, err := s.engine.ListRuns(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	if runs == nil {
		runs = []*worldflow.RunSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) cancelRun(c *gin.Context) {
	runID := c.Param("id")
	if err := s.engine.Cancel(c.Request.Context(), runID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID, "status": worldflow.RunCancelled})
}

func (s *Server) progress(c *gin.Context) {
	runID := c.Param("id")
	if !s.engine.Active(runID) {
		cp, err := s.engine.Checkpoint(c.Request.Context(), runID)
		if err != nil {
			s.writeError(c, err)
			return
		}
		if !s.engine.HasProgress(runID) {
			c.JSON(http.StatusOK, cp.Progress())
			return
		}
	}
	c.JSON(http.StatusOK, s.engine.Progress(runID))
}

// writeError maps engine errors to HTTP status codes
func (s *Server) writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, worldflow.ErrRunNotFound):
		code = http.StatusNotFound
	case errors.Is(err, worldflow.ErrRunActive),
		errors.Is(err, worldflow.ErrRunExists),
		errors.Is(err, worldflow.ErrRunNotResumable):
		code = http.StatusConflict
	default:
		switch worldflow.ErrorType(err) {
		case worldflow.ErrorTypeSuspensionProtocol:
			code = http.StatusConflict
		case worldflow.ErrorTypeValidation:
			code = http.StatusUnprocessableEntity
		}
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(code, gin.H{"error": ErrorBody{Type: worldflow.ErrorType(err), Message: err.Error()}})
}
