package handler

import (
	"net/http"
	"strings"

	"github.com/archestra/sandboxd/internal/model"
	"github.com/archestra/sandboxd/internal/sandbox"
	"github.com/gin-gonic/gin"
)

type ToolsHandler struct {
	manager *sandbox.Manager
}

func NewToolsHandler(manager *sandbox.Manager) *ToolsHandler {
	return &ToolsHandler{manager: manager}
}

func (h *ToolsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/tools", h.List)
	r.GET("/resources", h.Resources)
}

// List serves the tool registry, optionally filtered by a comma-separated
// server_id query parameter. Tools of servers that are not running are never
// listed.
func (h *ToolsHandler) List(c *gin.Context) {
	var items []model.ToolRegistryEntry
	if ids, ok := serverIDFilter(c); ok {
		items = h.manager.ToolsByServerIDs(ids)
	} else {
		items = h.manager.AllTools()
	}

	c.JSON(http.StatusOK, model.ToolListResponse{Items: items})
}

// Resources serves the resource registry with the same server_id filter as
// the tool listing.
func (h *ToolsHandler) Resources(c *gin.Context) {
	var items []model.ResourceRegistryEntry
	if ids, ok := serverIDFilter(c); ok {
		items = h.manager.ResourcesByServerIDs(ids)
	} else {
		items = h.manager.AllResources()
	}

	c.JSON(http.StatusOK, model.ResourceListResponse{Items: items})
}

func serverIDFilter(c *gin.Context) ([]string, bool) {
	raw := c.Query("server_id")
	if raw == "" {
		return nil, false
	}
	ids := strings.Split(raw, ",")
	for i := range ids {
		ids[i] = strings.TrimSpace(ids[i])
	}
	return ids, true
}
