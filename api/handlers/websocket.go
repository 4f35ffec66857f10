package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ops-console/terminal/internal/model"
	"github.com/ops-console/terminal/internal/tabs"
	"github.com/ops-console/terminal/internal/ws"
)

// WebSocketHandler upgrades console UI clients onto a tab's fan-out hub.
type WebSocketHandler struct {
	mux       *tabs.Multiplexer
	wsHandler *ws.Handler
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(mux *tabs.Multiplexer, wsHandler *ws.Handler) *WebSocketHandler {
	return &WebSocketHandler{
		mux:       mux,
		wsHandler: wsHandler,
	}
}

// Attach handles WS /api/tabs/:id/attach - attaches a viewer to a tab.
// Any number of clients may view one tab; the session runs either way.
func (h *WebSocketHandler) Attach(c *gin.Context) {
	tabID := c.Param("id")
	if _, err := h.mux.GetTab(tabID); err != nil {
		if errors.Is(err, model.ErrTabNotFound) {
			sendError(c, http.StatusNotFound, "TAB_NOT_FOUND", "Tab not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get tab: "+err.Error())
		return
	}

	if err := h.wsHandler.HandleConnection(c.Writer, c.Request, tabID); err != nil {
		// Error already handled by WebSocket handler
		return
	}
}

// RegisterRoutes registers the WebSocket handler routes on a Gin router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/tabs/:id/attach", h.Attach)
}
