package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/luthien-dev/luthien/internal/bus"
	"github.com/luthien-dev/luthien/internal/policy"
)

// handleGetPolicy reports the active policy and the available classes.
func (s *Server) handleGetPolicy(c *gin.Context) {
	active := s.currentPolicy()
	c.JSON(http.StatusOK, gin.H{
		"class":   active.cfg.Class,
		"config":  active.cfg.Config,
		"classes": policy.Classes(),
	})
}

// handlePutPolicy hot-swaps the active policy. A swap already in flight on
// another instance returns 409; a config that fails to build returns 400 and
// leaves the current policy untouched.
func (s *Server) handlePutPolicy(c *gin.Context) {
	var cfg policy.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed policy config: " + err.Error()})
		return
	}
	if cfg.Class == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "class is required"})
		return
	}

	by := c.GetHeader("X-Updated-By")
	if by == "" {
		by = "api"
	}
	if err := s.SwapPolicy(c.Request.Context(), cfg, by); err != nil {
		if errors.Is(err, bus.ErrLockHeld) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"class":  cfg.Class,
		"config": cfg.Config,
	})
}
