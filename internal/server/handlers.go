package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ShayCichocki/taskweave/internal/definition"
	"github.com/ShayCichocki/taskweave/internal/orchestrator"
	"github.com/ShayCichocki/taskweave/internal/state"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

// maxDefinitionBytes bounds a create request body.
const maxDefinitionBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

type createResponse struct {
	ID      string `json:"id"`
	Started bool   `json:"started"`
}

type cancelRequest struct {
	CancelInFlight bool `json:"cancel_in_flight"`
}

type resizeRequest struct {
	Concurrency int `json:"concurrency" binding:"required,gte=1"`
}

type statusResponse struct {
	ID     string                `json:"id"`
	Status models.WorkflowStatus `json:"status"`
}

// statusCode maps controller errors onto HTTP statuses.
func statusCode(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidGraph), errors.Is(err, orchestrator.ErrInvalidDefinition):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnknownWorkflow):
		return http.StatusNotFound
	case errors.Is(err, models.ErrAlreadyRunning),
		errors.Is(err, models.ErrWorkflowRunning),
		errors.Is(err, models.ErrAlreadyFinished),
		errors.Is(err, state.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abort(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusCode(err), errorResponse{Error: err.Error()})
}

// handleCreate accepts a JSON spec or, with a YAML content type, a
// definition file.
func (s *Server) handleCreate(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxDefinitionBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, errorResponse{
				Error: fmt.Sprintf("definition larger than %d bytes", tooLarge.Limit),
			})
			return
		}
		abort(c, fmt.Errorf("%w: read body: %w", orchestrator.ErrInvalidDefinition, err))
		return
	}

	var spec orchestrator.WorkflowSpec
	if isYAML(c.ContentType()) {
		spec, err = definition.ParseBytes(body)
		if err != nil {
			abort(c, err)
			return
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&spec); err != nil {
			if errors.Is(err, io.EOF) {
				err = errors.New("empty body")
			}
			abort(c, fmt.Errorf("%w: %w", orchestrator.ErrInvalidDefinition, err))
			return
		}
	}

	id, err := s.ctrl.Create(c.Request.Context(), spec)
	if err != nil {
		abort(c, err)
		return
	}

	resp := createResponse{ID: id}
	if c.Query("start") == "true" {
		if err := s.ctrl.Start(c.Request.Context(), id); err != nil {
			abort(c, err)
			return
		}
		resp.Started = true
	}
	c.JSON(http.StatusCreated, resp)
}

func isYAML(contentType string) bool {
	return strings.Contains(contentType, "yaml")
}

func (s *Server) handleList(c *gin.Context) {
	list, err := s.ctrl.List(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	if list == nil {
		list = []models.WorkflowSummary{}
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleStatus(c *gin.Context) {
	report, err := s.ctrl.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleDelete(c *gin.Context) {
	if err := s.ctrl.Delete(c.Request.Context(), c.Param("id"), c.Query("force") == "true"); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleStart(c *gin.Context) {
	id := c.Param("id")
	start := s.ctrl.Start
	if c.Query("recover") == "true" {
		start = s.ctrl.Recover
	}
	if err := start(c.Request.Context(), id); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, statusResponse{ID: id, Status: models.WorkflowStatusRunning})
}

func (s *Server) handlePause(c *gin.Context) {
	id := c.Param("id")
	if err := s.ctrl.Pause(c.Request.Context(), id); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse{ID: id, Status: models.WorkflowStatusPaused})
}

func (s *Server) handleResume(c *gin.Context) {
	id := c.Param("id")
	status, err := s.ctrl.Resume(c.Request.Context(), id)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse{ID: id, Status: status})
}

func (s *Server) handleCancel(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
	}
	id := c.Param("id")
	if err := s.ctrl.Cancel(c.Request.Context(), id, req.CancelInFlight); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, statusResponse{ID: id, Status: models.WorkflowStatusCanceled})
}

func (s *Server) handleResize(c *gin.Context) {
	var req resizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	n, err := s.ctrl.Resize(c.Request.Context(), c.Param("id"), req.Concurrency)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "concurrency": n})
}
