package breakouts

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-webinar/livesession/pkg/response"
)

// AssignRequest is the body for POST /liveSessions/:sessionId/breakouts/:index/assign.
type AssignRequest struct {
	Emails []string `json:"emails" binding:"required"`
}

// Handler handles breakout HTTP endpoints.
type Handler struct {
	orch *Orchestrator
}

// NewHandler creates a breakouts handler.
func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// List handles GET /liveSessions/:sessionId/breakouts.
func (h *Handler) List(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	rooms, err := h.orch.List(c.Request.Context(), sessionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, rooms)
}

// Create handles POST /liveSessions/:sessionId/breakouts.
func (h *Handler) Create(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	room, err := h.orch.Create(c.Request.Context(), sessionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, room)
}

// Close handles DELETE /liveSessions/:sessionId/breakouts/:index.
func (h *Handler) Close(c *gin.Context) {
	sessionID, index, ok := roomParams(c)
	if !ok {
		return
	}
	if err := h.orch.Close(c.Request.Context(), sessionID, index); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Assign handles POST /liveSessions/:sessionId/breakouts/:index/assign.
func (h *Handler) Assign(c *gin.Context) {
	sessionID, index, ok := roomParams(c)
	if !ok {
		return
	}
	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	room, err := h.orch.Assign(c.Request.Context(), sessionID, index, req.Emails)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, room)
}

func sessionParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("sessionId"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return uuid.Nil, false
	}
	return id, true
}

func roomParams(c *gin.Context) (uuid.UUID, int, bool) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return uuid.Nil, 0, false
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 1 {
		response.BadRequest(c, "invalid breakout index")
		return uuid.Nil, 0, false
	}
	return sessionID, index, true
}
