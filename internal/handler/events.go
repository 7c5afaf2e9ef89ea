package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/archestra/sandboxd/internal/events"
	"github.com/archestra/sandboxd/internal/lifecycle"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// WebSocket upgrader for the event stream
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins (CORS handled by middleware)
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const (
	eventWriteTimeout = 10 * time.Second
	eventPingInterval = 30 * time.Second
)

// EventsHandler streams lifecycle events to UI clients over a websocket.
type EventsHandler struct {
	bus        *events.Bus
	drainState *lifecycle.DrainManager
}

func NewEventsHandler(bus *events.Bus, drainState *lifecycle.DrainManager) *EventsHandler {
	return &EventsHandler{bus: bus, drainState: drainState}
}

func (h *EventsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/events", h.Stream)
}

func (h *EventsHandler) Stream(c *gin.Context) {
	if h.drainState != nil && h.drainState.IsDraining() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service is draining"})
		return
	}

	ws, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to upgrade to websocket: " + err.Error()})
		return
	}
	defer ws.Close()

	release := func() {}
	if h.drainState != nil {
		release = h.drainState.TrackWebSocket()
	}
	defer release()

	ch, cancel := h.bus.Subscribe()
	defer cancel()

	logger := slog.Default().With("component", "events_handler")

	// Reader goroutine: we never expect client messages, but reading is what
	// surfaces close frames and connection drops.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := ws.WriteJSON(ev); err != nil {
				logger.Debug("event write failed, dropping client", "error", err)
				return
			}
		case <-ping.C:
			ws.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
