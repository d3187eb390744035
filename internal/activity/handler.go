package activity

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-webinar/livesession/internal/models"
	"github.com/aura-webinar/livesession/pkg/response"
)

// SessionLookup resolves the live session of a scheduled session.
type SessionLookup interface {
	Get(ctx context.Context, sessionID uuid.UUID) (*models.LiveSession, error)
}

// AttendeeRow is one row for GET /liveSessions/:sessionId/attendees.
type AttendeeRow struct {
	UserID       *uuid.UUID  `json:"user_id,omitempty"`
	Email        string      `json:"email"`
	Role         models.Role `json:"role"`
	JoinedAt     time.Time   `json:"joined_at"`
	LeftAt       *time.Time  `json:"left_at,omitempty"`
	WatchSeconds int64       `json:"watch_seconds"`
}

// Handler serves the attendee readout.
type Handler struct {
	log      *Log
	sessions SessionLookup
}

// NewHandler creates an activity handler.
func NewHandler(log *Log, sessions SessionLookup) *Handler {
	return &Handler{log: log, sessions: sessions}
}

// GetAttendees handles GET /liveSessions/:sessionId/attendees (moderator).
func (h *Handler) GetAttendees(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("sessionId"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	ls, err := h.sessions.Get(c.Request.Context(), sessionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	list, err := h.log.List(c.Request.Context(), ls.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	rows := make([]AttendeeRow, 0, len(list))
	for _, a := range list {
		rows = append(rows, AttendeeRow{
			UserID:       a.UserID,
			Email:        a.Email,
			Role:         a.Role,
			JoinedAt:     a.JoinTime,
			LeftAt:       a.LeaveTime,
			WatchSeconds: a.WatchSeconds(),
		})
	}
	response.OK(c, gin.H{"attendees": rows})
}
