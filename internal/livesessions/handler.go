package livesessions

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-webinar/livesession/internal/models"
	"github.com/aura-webinar/livesession/pkg/response"
)

// Notifier publishes session changes to connected identities.
type Notifier interface {
	SessionStarted(ls *models.LiveSession)
	Admitted(sessionID uuid.UUID, family models.Family, email string, lists models.Lists)
	StreamStarted(sessionID uuid.UUID, playbackURL string)
}

// ArchiveLinks resolves a download link for an exported session archive.
type ArchiveLinks interface {
	ArchiveURL(ctx context.Context, sessionID, liveSessionID string) (string, bool, error)
}

// AdmitRequest is the body for POST /liveSessions/:sessionId/admit.
type AdmitRequest struct {
	Email string `json:"email" binding:"required"`
	Role  string `json:"role"` // Participant (default) or Observer
}

// StreamStartRequest is the body for POST /liveSessions/:sessionId/stream/start.
type StreamStartRequest struct {
	PlaybackURL string `json:"playbackUrl"`
}

// Handler handles live session HTTP endpoints.
type Handler struct {
	svc                *Service
	notifier           Notifier
	archives           ArchiveLinks
	defaultPlaybackURL string
}

// NewHandler creates a live sessions handler.
func NewHandler(svc *Service, notifier Notifier, defaultPlaybackURL string) *Handler {
	return &Handler{svc: svc, notifier: notifier, defaultPlaybackURL: defaultPlaybackURL}
}

// SetArchiveLinks enables GET /liveSessions/:sessionId/archive.
func (h *Handler) SetArchiveLinks(a ArchiveLinks) { h.archives = a }

// Ensure handles POST /liveSessions/:sessionId/ensure.
func (h *Handler) Ensure(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	ls, err := h.svc.Ensure(c.Request.Context(), sessionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, ls)
}

// Get handles GET /liveSessions/:sessionId (session with its four lists).
func (h *Handler) Get(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	ls, err := h.svc.Snapshot(c.Request.Context(), sessionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, ls)
}

// Start handles POST /liveSessions/:sessionId/start.
func (h *Handler) Start(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	ls, err := h.svc.Start(c.Request.Context(), sessionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if h.notifier != nil {
		h.notifier.SessionStarted(ls)
	}
	response.OK(c, ls)
}

// End handles POST /liveSessions/:sessionId/end.
func (h *Handler) End(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	ls, err := h.svc.End(c.Request.Context(), sessionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, ls)
}

// History handles GET /liveSessions/:sessionId/history.
func (h *Handler) History(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	hist, err := h.svc.History(c.Request.Context(), sessionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, hist)
}

// Admit handles POST /liveSessions/:sessionId/admit.
func (h *Handler) Admit(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	var req AdmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	family := models.FamilyParticipant
	if req.Role != "" {
		role, ok := models.ParseRole(req.Role)
		if !ok {
			response.BadRequest(c, "invalid role")
			return
		}
		if family, ok = models.FamilyFor(role); !ok {
			response.BadRequest(c, "moderators are never queued")
			return
		}
	}
	lists, err := h.svc.Admit(c.Request.Context(), sessionID, family, req.Email)
	if err != nil {
		response.Error(c, err)
		return
	}
	if h.notifier != nil {
		h.notifier.Admitted(sessionID, family, models.NormalizeEmail(req.Email), lists)
	}
	response.OK(c, lists)
}

// StartStream handles POST /liveSessions/:sessionId/stream/start (observer broadcast feed is live).
func (h *Handler) StartStream(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	var req StreamStartRequest
	_ = c.ShouldBindJSON(&req)
	if _, err := h.svc.Get(c.Request.Context(), sessionID); err != nil {
		response.Error(c, err)
		return
	}
	url := req.PlaybackURL
	if url == "" {
		url = h.defaultPlaybackURL
	}
	if h.notifier != nil {
		h.notifier.StreamStarted(sessionID, url)
	}
	response.OK(c, gin.H{"sessionId": sessionID, "playbackUrl": url})
}

// Archive handles GET /liveSessions/:sessionId/archive (download link of the exported history).
func (h *Handler) Archive(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	if h.archives == nil {
		response.NotFound(c, "archives are not configured")
		return
	}
	ls, err := h.svc.Get(c.Request.Context(), sessionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if ls.State() != models.StateEnded {
		response.Conflict(c, "live session has not ended")
		return
	}
	url, found, err := h.archives.ArchiveURL(c.Request.Context(), sessionID.String(), ls.ID.String())
	if err != nil {
		response.ServiceUnavailable(c, "archive storage unavailable")
		return
	}
	if !found {
		response.NotFound(c, "archive not ready")
		return
	}
	response.OK(c, gin.H{"url": url})
}

func sessionParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("sessionId"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return uuid.Nil, false
	}
	return id, true
}
