package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pipegate.io/pipegate/internal/domain"
	"pipegate.io/pipegate/internal/jobs"
	apperrors "pipegate.io/pipegate/internal/pkg/errors"
	"pipegate.io/pipegate/internal/pkg/logger"
	"pipegate.io/pipegate/internal/store"
	"pipegate.io/pipegate/internal/usecase"
)

// RequestRun handles POST /api/v1/runs — the single admission entrypoint.
//
// Responses:
//   - 202 ADMITTED with the new queue id
//   - 200 DUPLICATE with the prior run's queue id
//   - 429 DENIED with the limiting reason (retryable only for contention)
func (s *Server) RequestRun(c *gin.Context) {
	var req usecase.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": apperrors.CodeInvalidRequest, "message": err.Error()})
		return
	}
	req.OrgID = callerOrg(c, req.OrgID)

	decision, err := s.runs.RequestRun(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	switch decision.Outcome {
	case domain.OutcomeAdmitted:
		s.scheduleExecution(c, decision.QueueID)
		c.JSON(http.StatusAccepted, decision)
	case domain.OutcomeDuplicate:
		c.JSON(http.StatusOK, decision)
	case domain.OutcomeDenied:
		c.JSON(http.StatusTooManyRequests, gin.H{
			"outcome":   decision.Outcome,
			"reason":    decision.Reason,
			"retryable": decision.Reason.Retryable(),
		})
	}
}

// scheduleExecution enqueues the River execution job for an admitted run.
// Failure is not fatal to the admission: the run sits PENDING and the
// reconciler returns its capacity if nothing ever executes it.
func (s *Server) scheduleExecution(c *gin.Context, queueID string) {
	if s.riverClient == nil {
		return
	}
	if _, err := s.riverClient.Insert(c.Request.Context(), jobs.PipelineRunArgs{QueueID: queueID}, nil); err != nil {
		logger.Error("failed to schedule execution job",
			zap.String("queue_id", queueID),
			zap.Error(err),
		)
	}
}

// GetRun handles GET /api/v1/runs/:id.
func (s *Server) GetRun(c *gin.Context) {
	item, err := s.runs.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// ListRuns handles GET /api/v1/runs — pending runs in execution order.
func (s *Server) ListRuns(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"code": apperrors.CodeInvalidRequest, "message": "limit must be 1..500"})
			return
		}
		limit = parsed
	}

	filter := store.QueueFilter{OrgID: callerOrg(c, c.Query("org_id"))}
	items, err := s.runs.ListPending(c.Request.Context(), filter, limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

// StartRun handles POST /api/v1/runs/:id/start — an external worker's claim
// before executing a run. Exactly one claimer wins; later claims conflict.
func (s *Server) StartRun(c *gin.Context) {
	item, err := s.runs.StartRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, item)
}

type reportOutcomeRequest struct {
	Outcome domain.RunOutcome `json:"outcome" binding:"required"`
	Reason  string            `json:"reason"`
}

// ReportOutcome handles POST /api/v1/runs/:id/outcome — the worker callback
// for externally executed runs.
func (s *Server) ReportOutcome(c *gin.Context) {
	var req reportOutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": apperrors.CodeInvalidRequest, "message": err.Error()})
		return
	}

	item, err := s.runs.ReportOutcome(c.Request.Context(), c.Param("id"), req.Outcome, req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// CancelRun handles DELETE /api/v1/runs/:id — cancels a pending run.
func (s *Server) CancelRun(c *gin.Context) {
	item, err := s.runs.CancelRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, item)
}
