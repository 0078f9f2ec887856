package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "pipegate.io/pipegate/internal/pkg/errors"
)

// GetQuota handles GET /api/v1/quota — today's usage and limits for the
// caller's org. Values may trail in-flight admissions by a few seconds.
func (s *Server) GetQuota(c *gin.Context) {
	org := callerOrg(c, c.Query("org_id"))
	if org == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": apperrors.CodeOrgNotFound, "message": "org id required"})
		return
	}

	snap, err := s.runs.GetQuota(c.Request.Context(), org)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"org_id":             snap.OrgID,
		"usage_date":         snap.UsageDate,
		"runs_today":         snap.RunsToday,
		"runs_month":         snap.RunsMonth,
		"concurrent_running": snap.ConcurrentRunning,
		"remaining_today":    snap.RemainingToday(),
		"limits":             snap.Limits,
		"retrieved_at":       snap.RetrievedAt,
	})
}
