package polls

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-webinar/livesession/internal/middleware"
	"github.com/aura-webinar/livesession/internal/models"
	"github.com/aura-webinar/livesession/pkg/apperr"
	"github.com/aura-webinar/livesession/pkg/response"
)

// CreateRequest is the body for POST /liveSessions/:sessionId/polls.
type CreateRequest struct {
	Title     string                `json:"title" binding:"required"`
	Questions []models.PollQuestion `json:"questions" binding:"required"`
}

// LaunchRequest is the body for POST /polls/:id/launch.
type LaunchRequest struct {
	Anonymous    bool   `json:"anonymous"`
	ShareResults string `json:"shareResults"` // never (default), onStop, immediate
}

// RespondRequest is the body for POST /polls/:id/respond.
type RespondRequest struct {
	Answers []models.Answer `json:"answers" binding:"required"`
}

// Handler handles poll HTTP endpoints. Run-level actions address the latest run of the poll.
type Handler struct {
	engine *Engine
}

// NewHandler creates a polls handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// Create handles POST /liveSessions/:sessionId/polls (moderator).
func (h *Handler) Create(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("sessionId"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	id := middleware.Identity(c)
	p := &models.Poll{SessionID: sessionID, Title: req.Title, Questions: req.Questions, CreatedBy: &id.UserID}
	if err := h.engine.CreatePoll(c.Request.Context(), p); err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, p)
}

// List handles GET /liveSessions/:sessionId/polls.
func (h *Handler) List(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("sessionId"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	polls, err := h.engine.ListPolls(c.Request.Context(), sessionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, polls)
}

// Active handles GET /liveSessions/:sessionId/active-poll. Data is null when no run is open.
func (h *Handler) Active(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("sessionId"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	active, err := h.engine.ActiveRun(c.Request.Context(), sessionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, active)
}

// Launch handles POST /polls/:id/launch (moderator).
func (h *Handler) Launch(c *gin.Context) {
	pollID, ok := pollParam(c)
	if !ok {
		return
	}
	var req LaunchRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	id := middleware.Identity(c)
	settings := models.RunSettings{Anonymous: req.Anonymous, ShareResults: models.ShareMode(req.ShareResults)}
	active, err := h.engine.Launch(c.Request.Context(), pollID, settings, &id.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, active)
}

// Stop handles POST /polls/:id/stop (moderator).
func (h *Handler) Stop(c *gin.Context) {
	run, ok := h.latestRun(c)
	if !ok {
		return
	}
	stopped, err := h.engine.Stop(c.Request.Context(), run.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, stopped)
}

// Share handles POST /polls/:id/share (moderator).
func (h *Handler) Share(c *gin.Context) {
	run, ok := h.latestRun(c)
	if !ok {
		return
	}
	agg, err := h.engine.Share(c.Request.Context(), run.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, agg)
}

// Respond handles POST /polls/:id/respond.
func (h *Handler) Respond(c *gin.Context) {
	run, ok := h.latestRun(c)
	if !ok {
		return
	}
	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	id := middleware.Identity(c)
	resp, err := h.engine.Respond(c.Request.Context(), run.SessionID, run.ID, Responder{Email: id.Email, Name: id.Name}, req.Answers)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, gin.H{"id": resp.ID, "run_id": resp.RunID, "submitted_at": resp.SubmittedAt})
}

// Results handles GET /polls/:id/results (moderator).
func (h *Handler) Results(c *gin.Context) {
	run, ok := h.latestRun(c)
	if !ok {
		return
	}
	agg, err := h.engine.Aggregate(c.Request.Context(), run.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, agg)
}

// Respondents handles GET /polls/:id/respondents (moderator).
func (h *Handler) Respondents(c *gin.Context) {
	run, ok := h.latestRun(c)
	if !ok {
		return
	}
	list, err := h.engine.Respondents(c.Request.Context(), run.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, list)
}

func (h *Handler) latestRun(c *gin.Context) (*models.PollRun, bool) {
	pollID, ok := pollParam(c)
	if !ok {
		return nil, false
	}
	run, err := h.engine.LatestRun(c.Request.Context(), pollID)
	if err != nil {
		response.Error(c, err)
		return nil, false
	}
	return run, true
}

func pollParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperr.Validation("invalid poll id"))
		return uuid.Nil, false
	}
	return id, true
}
