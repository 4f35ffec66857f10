package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ops-console/terminal/internal/history"
	"github.com/ops-console/terminal/internal/model"
	"github.com/ops-console/terminal/internal/tabs"
)

// HistoryHandler handles HTTP requests for session history and statistics.
type HistoryHandler struct {
	store  *history.Store
	mux    *tabs.Multiplexer
	maxAge time.Duration
}

// NewHistoryHandler creates a new HistoryHandler. maxAge is the retention
// window applied by manual cleanup.
func NewHistoryHandler(store *history.Store, mux *tabs.Multiplexer, maxAge time.Duration) *HistoryHandler {
	return &HistoryHandler{store: store, mux: mux, maxAge: maxAge}
}

// HistoryRecordResponse represents a session summary in API responses.
type HistoryRecordResponse struct {
	SessionID    string `json:"sessionId"`
	HostID       string `json:"hostId"`
	StartedAt    string `json:"startedAt"`
	EndedAt      string `json:"endedAt"`
	Duration     string `json:"duration"`
	CommandCount int    `json:"commandCount"`
	Status       string `json:"status"`
	LastCommand  string `json:"lastCommand,omitempty"`
}

func toRecordResponse(r *model.HistoryRecord) *HistoryRecordResponse {
	return &HistoryRecordResponse{
		SessionID:    r.SessionID,
		HostID:       r.HostID,
		StartedAt:    r.StartedAt.Format(time.RFC3339),
		EndedAt:      r.EndedAt.Format(time.RFC3339),
		Duration:     r.Duration.Round(time.Second).String(),
		CommandCount: r.CommandCount,
		Status:       string(r.Status),
		LastCommand:  r.LastCommand,
	}
}

// List handles GET /api/history - recent session summaries, most recently
// ended first. Bounded by the limit query parameter.
func (h *HistoryHandler) List(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	records, err := h.store.ListRecords(c.Request.Context(), limit)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list history: "+err.Error())
		return
	}

	response := make([]*HistoryRecordResponse, len(records))
	for i, rec := range records {
		response[i] = toRecordResponse(rec)
	}
	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/history/:sessionId - one session summary.
func (h *HistoryHandler) Get(c *gin.Context) {
	rec, err := h.store.GetRecord(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		if errors.Is(err, model.ErrRecordNotFound) {
			sendError(c, http.StatusNotFound, "RECORD_NOT_FOUND", "History record not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get record: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, toRecordResponse(rec))
}

// Commands handles GET /api/history/:sessionId/commands - the durable
// command log for a recorded session, oldest first.
func (h *HistoryHandler) Commands(c *gin.Context) {
	entries, err := h.store.ListCommands(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list commands: "+err.Error())
		return
	}

	commands := make([]string, len(entries))
	for i, entry := range entries {
		commands[i] = entry.Text
	}
	c.JSON(http.StatusOK, gin.H{"commands": commands})
}

// Statistics handles GET /api/statistics - derived usage statistics. The
// live-session count comes from the multiplexer, everything else from the
// store. Always succeeds, possibly with partial data.
func (h *HistoryHandler) Statistics(c *gin.Context) {
	stats := h.store.ComputeStatistics(c.Request.Context(), h.mux.ActiveCount())

	recent := make([]*HistoryRecordResponse, len(stats.Recent))
	for i, rec := range stats.Recent {
		recent[i] = toRecordResponse(rec)
	}

	c.JSON(http.StatusOK, gin.H{
		"totalSessions":   stats.TotalSessions,
		"activeSessions":  stats.ActiveSessions,
		"totalCommands":   stats.TotalCommands,
		"averageDuration": stats.AverageDuration.Round(time.Second).String(),
		"topHosts":        stats.TopHosts,
		"recent":          recent,
	})
}

// Cleanup handles POST /api/history/cleanup - removes records older than
// the retention window.
func (h *HistoryHandler) Cleanup(c *gin.Context) {
	removed, err := h.store.Cleanup(c.Request.Context(), h.maxAge)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to clean up history: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// RegisterRoutes registers the history handler routes on a Gin router group.
func (h *HistoryHandler) RegisterRoutes(rg *gin.RouterGroup) {
	hist := rg.Group("/history")
	{
		hist.GET("", h.List)
		hist.POST("/cleanup", h.Cleanup)
		hist.GET("/:sessionId", h.Get)
		hist.GET("/:sessionId/commands", h.Commands)
	}
	rg.GET("/statistics", h.Statistics)
}
