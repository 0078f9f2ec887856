package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "pipegate.io/pipegate/internal/pkg/errors"
)

// TriggerSweep handles POST /api/v1/sweep — runs one stale-reservation
// repair pass immediately instead of waiting for the periodic job.
func (s *Server) TriggerSweep(c *gin.Context) {
	if s.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    apperrors.CodeStoreUnavailable,
			"message": "sweeper not configured",
		})
		return
	}

	repaired, err := s.sweeper.Sweep(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"repaired": repaired})
}
