// Package gateway connects the live session, chat, poll and breakout services to the realtime hub.
package gateway

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/livesession/internal/models"
	"github.com/aura-webinar/livesession/internal/realtime"
)

// Outbound events not named by the services themselves.
const (
	EventSessionJoined   = "session:joined"
	EventSessionStarted  = "session:started"
	EventSessionEnded    = "session:ended"
	EventWaitingUpdated  = "waiting:updated"
	EventWaitingAdmitted = "waiting:admitted"
	EventStreamStarted   = "observer:stream:started"
	EventChatNew         = "chat:new"
	EventPollStarted     = "poll:started"
	EventPollStopped     = "poll:stopped"
	EventPollResults     = "poll:results"
	EventSubmissionAck   = "poll:submission:ack"
	EventBreakoutsChange = "breakouts:changed"
	EventObserverList    = "observer:list"
	EventModeratorList   = "moderator:list"
)

// Notifier turns service events into hub group moves and emits.
type Notifier struct {
	hub    *realtime.Hub
	logger *zap.Logger
}

// NewNotifier creates a notifier over hub.
func NewNotifier(hub *realtime.Hub, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{hub: hub, logger: logger}
}

// SessionStarted tells every connection the meeting is live.
func (n *Notifier) SessionStarted(ls *models.LiveSession) {
	n.hub.EmitToSession(ls.SessionID, EventSessionStarted, map[string]interface{}{
		"sessionId": ls.SessionID,
		"startTime": ls.StartTime,
	})
}

// SessionEnded tells every connection the session is over.
func (n *Notifier) SessionEnded(ls *models.LiveSession) {
	n.hub.EmitToSession(ls.SessionID, EventSessionEnded, map[string]interface{}{
		"sessionId": ls.SessionID,
		"endTime":   ls.EndTime,
	})
}

// Admitted moves the identity from the waiting group into its roster group.
func (n *Notifier) Admitted(sessionID uuid.UUID, family models.Family, email string, lists models.Lists) {
	to := realtime.GroupMain
	if family == models.FamilyObserver {
		to = realtime.GroupObserver
	}
	n.hub.MoveGroup(sessionID, email, []string{realtime.GroupWaiting}, "", to)
	n.hub.EmitToIdentity(sessionID, email, EventWaitingAdmitted, map[string]interface{}{
		"sessionId": sessionID,
		"family":    family,
	})
	n.ListsChanged(sessionID, lists)
}

// ListsChanged sends the four lists to moderators.
func (n *Notifier) ListsChanged(sessionID uuid.UUID, lists models.Lists) {
	n.hub.EmitToGroup(sessionID, realtime.GroupModerators, EventWaitingUpdated, lists)
}

// StreamStarted tells observers the broadcast feed is live.
func (n *Notifier) StreamStarted(sessionID uuid.UUID, playbackURL string) {
	payload := map[string]interface{}{"sessionId": sessionID}
	if playbackURL != "" {
		payload["playbackUrl"] = playbackURL
	}
	n.hub.EmitToGroups(sessionID, []string{realtime.GroupObserver, realtime.GroupModerators}, EventStreamStarted, payload)
}

// ChatMessage delivers a message to its scope group, or to both ends of a dm.
// Moderators see waiting and breakout traffic without joining those groups.
func (n *Notifier) ChatMessage(msg *models.ChatMessage) {
	payload := map[string]interface{}{"scope": msg.Scope, "message": msg}
	if msg.Type == models.MessageDM && msg.To != nil {
		n.hub.EmitToIdentity(msg.SessionID, msg.From.Email, EventChatNew, payload)
		n.hub.EmitToIdentity(msg.SessionID, msg.To.Email, EventChatNew, payload)
		return
	}
	var groups []string
	switch msg.Scope {
	case models.ScopeWaiting:
		groups = []string{realtime.GroupWaiting, realtime.GroupModerators}
	case models.ScopeMain:
		groups = []string{realtime.GroupMain}
	case models.ScopeObserver:
		groups = []string{realtime.GroupObserver}
	case models.ScopeBreakout:
		if msg.BreakoutIndex == nil {
			return
		}
		groups = []string{realtime.BreakoutGroup(*msg.BreakoutIndex), realtime.GroupModerators}
	default:
		n.logger.Warn("chat message with unknown scope", zap.String("scope", string(msg.Scope)))
		return
	}
	n.hub.EmitToGroups(msg.SessionID, groups, EventChatNew, payload)
}

// PollStarted announces a new run with its definition.
func (n *Notifier) PollStarted(sessionID uuid.UUID, poll *models.Poll, run *models.PollRun) {
	n.hub.EmitToSession(sessionID, EventPollStarted, map[string]interface{}{"poll": poll, "run": run})
}

// PollStopped announces a closed run.
func (n *Notifier) PollStopped(sessionID uuid.UUID, run *models.PollRun) {
	n.hub.EmitToSession(sessionID, EventPollStopped, map[string]interface{}{"pollId": run.PollID, "runId": run.ID})
}

// PollResults shares an aggregate with the whole session.
func (n *Notifier) PollResults(sessionID uuid.UUID, agg *models.Aggregate) {
	n.hub.EmitToSession(sessionID, EventPollResults, map[string]interface{}{
		"pollId":     agg.PollID,
		"runId":      agg.RunID,
		"aggregates": agg,
	})
}

// SubmissionAck confirms an accepted response to the responder only.
func (n *Notifier) SubmissionAck(sessionID uuid.UUID, responder string, run *models.PollRun) {
	n.hub.EmitToIdentity(sessionID, responder, EventSubmissionAck, map[string]interface{}{
		"pollId":      run.PollID,
		"runId":       run.ID,
		"submittedAt": time.Now().UTC(),
	})
}

// BreakoutAssigned routes identities out of main (and any other room) into the room group.
func (n *Notifier) BreakoutAssigned(sessionID uuid.UUID, index int, emails []string) {
	for _, email := range emails {
		n.hub.MoveGroup(sessionID, email, []string{realtime.GroupMain}, "breakout:", realtime.BreakoutGroup(index))
	}
}

// BreakoutClosed routes the room's members back to main.
func (n *Notifier) BreakoutClosed(sessionID uuid.UUID, index int, members []string) {
	for _, email := range members {
		n.hub.MoveGroup(sessionID, email, []string{realtime.BreakoutGroup(index)}, "", realtime.GroupMain)
	}
}

// BreakoutsChanged tells clients to re-fetch the room list.
func (n *Notifier) BreakoutsChanged(sessionID uuid.UUID) {
	n.hub.EmitToSession(sessionID, EventBreakoutsChange, struct{}{})
}
