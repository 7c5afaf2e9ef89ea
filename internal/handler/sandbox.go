package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/archestra/sandboxd/internal/sandbox"
	"github.com/gin-gonic/gin"
)

// SandboxHandler serves the aggregate sandbox status and triggers the startup
// sequence.
type SandboxHandler struct {
	manager *sandbox.Manager

	// initRunning collapses concurrent initialize requests into one run.
	initRunning atomic.Bool
}

func NewSandboxHandler(manager *sandbox.Manager) *SandboxHandler {
	return &SandboxHandler{manager: manager}
}

func (h *SandboxHandler) RegisterRoutes(r *gin.RouterGroup) {
	sb := r.Group("/sandbox")
	{
		sb.GET("/status", h.Status)
		sb.POST("/initialize", h.Initialize)
	}
}

// Status never blocks on in-flight lifecycle operations; it reports whatever
// progress the components have recorded so far.
func (h *SandboxHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Status())
}

// Initialize kicks off the machine -> image -> containers sequence in the
// background and returns immediately; progress is observable via the status
// endpoint and the event stream.
func (h *SandboxHandler) Initialize(c *gin.Context) {
	if !h.initRunning.CompareAndSwap(false, true) {
		c.JSON(http.StatusAccepted, gin.H{"status": "already running"})
		return
	}

	go func() {
		defer h.initRunning.Store(false)
		if err := h.manager.Initialize(context.Background()); err != nil {
			slog.Error("sandbox initialization failed", "component", "sandbox_handler", "error", err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"status": "initializing"})
}

// StartBackground runs the startup sequence once at daemon boot.
func (h *SandboxHandler) StartBackground() {
	if !h.initRunning.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer h.initRunning.Store(false)
		if err := h.manager.Initialize(context.Background()); err != nil {
			slog.Error("sandbox initialization failed", "component", "sandbox_handler", "error", err)
		}
	}()
}
