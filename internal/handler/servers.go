package handler

import (
	"errors"
	"net/http"

	"github.com/archestra/sandboxd/internal/model"
	"github.com/archestra/sandboxd/internal/sandbox"
	"github.com/archestra/sandboxd/internal/store"
	"github.com/gin-gonic/gin"
)

type ServerHandler struct {
	servers *store.ServerStore
	manager *sandbox.Manager
}

func NewServerHandler(servers *store.ServerStore, manager *sandbox.Manager) *ServerHandler {
	return &ServerHandler{servers: servers, manager: manager}
}

func (h *ServerHandler) RegisterRoutes(r *gin.RouterGroup) {
	servers := r.Group("/servers")
	{
		servers.GET("", h.List)
		servers.POST("", h.Install)
		servers.DELETE("/:id", h.Uninstall)
		servers.POST("/:id/restart", h.Restart)
		servers.POST("/:id/tools/call", h.CallTool)
	}
}

func (h *ServerHandler) List(c *gin.Context) {
	configs, err := h.servers.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Secret values never leave the daemon; only the key names do.
	items := make([]model.ServerConfig, 0, len(configs))
	for _, cfg := range configs {
		redacted := make(map[string]string, len(cfg.Secrets))
		for k := range cfg.Secrets {
			redacted[k] = "********"
		}
		cfg.Secrets = redacted
		items = append(items, cfg)
	}

	c.JSON(http.StatusOK, model.ServerListResponse{Items: items})
}

func (h *ServerHandler) Install(c *gin.Context) {
	var req model.InstallServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg := model.ServerConfig{
		ID:         req.ID,
		Name:       req.Name,
		Command:    req.Command,
		Args:       req.Args,
		Env:        req.Env,
		Secrets:    req.Secrets,
		UserConfig: req.UserConfig,
	}

	exists, err := h.servers.Exists(c.Request.Context(), cfg.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if exists {
		c.JSON(http.StatusConflict, gin.H{"error": "server already installed: " + cfg.ID})
		return
	}

	if err := h.servers.Create(c.Request.Context(), &cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := h.manager.InstallServer(c.Request.Context(), cfg); err != nil {
		// The server stays installed; its container status carries the failure
		// and a restart can recover it.
		c.JSON(http.StatusAccepted, gin.H{
			"id":    cfg.ID,
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": cfg.ID})
}

func (h *ServerHandler) Uninstall(c *gin.Context) {
	id := c.Param("id")

	if err := h.manager.UninstallServer(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.servers.Delete(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (h *ServerHandler) Restart(c *gin.Context) {
	id := c.Param("id")

	if err := h.manager.RestartServer(c.Request.Context(), id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, sandbox.ErrStartInProgress) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (h *ServerHandler) CallTool(c *gin.Context) {
	id := c.Param("id")

	var req model.CallToolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.manager.CallTool(c.Request.Context(), id, req.Name, req.Arguments)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, sandbox.ErrServerNotConnected) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.Data(http.StatusOK, "application/json", result)
}
