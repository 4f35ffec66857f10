// Package handlers provides HTTP API request handlers.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ops-console/terminal/internal/model"
	"github.com/ops-console/terminal/internal/tabs"
)

// TabHandler handles HTTP requests for tab management.
type TabHandler struct {
	mux *tabs.Multiplexer
}

// NewTabHandler creates a new TabHandler.
func NewTabHandler(mux *tabs.Multiplexer) *TabHandler {
	return &TabHandler{mux: mux}
}

// CreateTabRequest represents the request body for opening a tab.
type CreateTabRequest struct {
	HostID string `json:"hostId" binding:"required"`
	Title  string `json:"title"`
}

// InputRequest represents the request body for posting session input.
type InputRequest struct {
	Data    string `json:"data"`
	Command string `json:"command"`
}

// ResizeRequest represents the request body for resizing a tab.
type ResizeRequest struct {
	Cols uint16 `json:"cols" binding:"required"`
	Rows uint16 `json:"rows" binding:"required"`
}

// TabResponse represents a tab in API responses.
type TabResponse struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	HostID       string `json:"hostId"`
	SessionID    string `json:"sessionId"`
	Status       string `json:"status"`
	IsActive     bool   `json:"isActive"`
	Cols         uint16 `json:"cols"`
	Rows         uint16 `json:"rows"`
	CommandCount int    `json:"commandCount"`
	CreatedAt    string `json:"createdAt"`
	LastActiveAt string `json:"lastActiveAt"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// toTabResponse converts a model.Tab to TabResponse.
func toTabResponse(t *model.Tab) *TabResponse {
	return &TabResponse{
		ID:           t.ID,
		Title:        t.Title,
		HostID:       t.HostID,
		SessionID:    t.SessionID,
		Status:       string(t.Status),
		IsActive:     t.IsActive,
		Cols:         t.Cols,
		Rows:         t.Rows,
		CommandCount: t.CommandCount,
		CreatedAt:    t.CreatedAt.Format(time.RFC3339),
		LastActiveAt: t.LastActiveAt.Format(time.RFC3339),
	}
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// Create handles POST /api/tabs - opens a new tab and starts its session.
func (h *TabHandler) Create(c *gin.Context) {
	var req CreateTabRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	tab, err := h.mux.CreateTab(req.HostID, req.Title)
	if err != nil {
		if errors.Is(err, model.ErrHostRequired) {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create tab: "+err.Error())
		return
	}

	if err := h.mux.Connect(tab.ID); err != nil {
		// The tab exists either way; the client sees the error status via
		// its WebSocket and may retry.
		if errors.Is(err, model.ErrConnectionRejected) {
			sendError(c, http.StatusBadGateway, "CONNECTION_REJECTED", err.Error())
			return
		}
	}

	current, err := h.mux.GetTab(tab.ID)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get tab: "+err.Error())
		return
	}
	c.JSON(http.StatusCreated, toTabResponse(current))
}

// List handles GET /api/tabs - lists all open tabs in creation order.
func (h *TabHandler) List(c *gin.Context) {
	all := h.mux.ListTabs()
	response := make([]*TabResponse, len(all))
	for i, tab := range all {
		response[i] = toTabResponse(tab)
	}
	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/tabs/:id - gets a specific tab.
func (h *TabHandler) Get(c *gin.Context) {
	tab, err := h.mux.GetTab(c.Param("id"))
	if err != nil {
		if errors.Is(err, model.ErrTabNotFound) {
			sendError(c, http.StatusNotFound, "TAB_NOT_FOUND", "Tab not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get tab: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, toTabResponse(tab))
}

// Delete handles DELETE /api/tabs/:id - closes a tab and ends its session.
func (h *TabHandler) Delete(c *gin.Context) {
	if err := h.mux.CloseTab(c.Param("id")); err != nil {
		if errors.Is(err, model.ErrTabNotFound) {
			sendError(c, http.StatusNotFound, "TAB_NOT_FOUND", "Tab not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to close tab: "+err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

// Switch handles POST /api/tabs/:id/switch - activates a tab.
func (h *TabHandler) Switch(c *gin.Context) {
	tabID := c.Param("id")
	if err := h.mux.SwitchTab(tabID); err != nil {
		if errors.Is(err, model.ErrTabNotFound) {
			sendError(c, http.StatusNotFound, "TAB_NOT_FOUND", "Tab not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to switch tab: "+err.Error())
		return
	}

	tab, err := h.mux.GetTab(tabID)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get tab: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, toTabResponse(tab))
}

// Connect handles POST /api/tabs/:id/connect - (re)starts a tab's session.
func (h *TabHandler) Connect(c *gin.Context) {
	tabID := c.Param("id")
	if _, err := h.mux.GetTab(tabID); err != nil {
		sendError(c, http.StatusNotFound, "TAB_NOT_FOUND", "Tab not found")
		return
	}

	if err := h.mux.Connect(tabID); err != nil {
		if errors.Is(err, model.ErrConnectionRejected) {
			sendError(c, http.StatusBadGateway, "CONNECTION_REJECTED", err.Error())
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to connect: "+err.Error())
		return
	}

	tab, err := h.mux.GetTab(tabID)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get tab: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, toTabResponse(tab))
}

// Input handles POST /api/tabs/:id/input - posts input to the session.
// Raw data is forwarded verbatim; a command is forwarded with a trailing
// newline and recorded in the tab's command history.
func (h *TabHandler) Input(c *gin.Context) {
	tabID := c.Param("id")
	if _, err := h.mux.GetTab(tabID); err != nil {
		sendError(c, http.StatusNotFound, "TAB_NOT_FOUND", "Tab not found")
		return
	}

	var req InputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}
	if req.Data == "" && req.Command == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "data or command is required")
		return
	}

	data := req.Data
	if req.Command != "" {
		data = req.Command + "\n"
	}
	if !h.mux.SendInput(tabID, []byte(data)) {
		sendError(c, http.StatusConflict, "SESSION_NOT_CONNECTED", "Session is not connected")
		return
	}
	if req.Command != "" {
		h.mux.AddCommand(tabID, req.Command)
	}

	c.Status(http.StatusAccepted)
}

// Resize handles POST /api/tabs/:id/resize - requests a geometry change.
func (h *TabHandler) Resize(c *gin.Context) {
	tabID := c.Param("id")
	if _, err := h.mux.GetTab(tabID); err != nil {
		sendError(c, http.StatusNotFound, "TAB_NOT_FOUND", "Tab not found")
		return
	}

	var req ResizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	h.mux.Resize(tabID, req.Cols, req.Rows)
	c.Status(http.StatusAccepted)
}

// Commands handles GET /api/tabs/:id/commands - the in-memory command
// recall for the tab's current session, oldest first.
func (h *TabHandler) Commands(c *gin.Context) {
	commands, err := h.mux.Commands(c.Param("id"))
	if err != nil {
		sendError(c, http.StatusNotFound, "TAB_NOT_FOUND", "Tab not found")
		return
	}
	if commands == nil {
		commands = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"commands": commands})
}

// RegisterRoutes registers the tab handler routes on a Gin router group.
func (h *TabHandler) RegisterRoutes(rg *gin.RouterGroup) {
	tabs := rg.Group("/tabs")
	{
		tabs.POST("", h.Create)
		tabs.GET("", h.List)
		tabs.GET("/:id", h.Get)
		tabs.DELETE("/:id", h.Delete)
		tabs.POST("/:id/switch", h.Switch)
		tabs.POST("/:id/connect", h.Connect)
		tabs.POST("/:id/input", h.Input)
		tabs.POST("/:id/resize", h.Resize)
		tabs.GET("/:id/commands", h.Commands)
	}
}
