package gateway

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/livesession/internal/chat"
	"github.com/aura-webinar/livesession/internal/livesessions"
	"github.com/aura-webinar/livesession/internal/models"
	"github.com/aura-webinar/livesession/internal/polls"
	"github.com/aura-webinar/livesession/internal/realtime"
	"github.com/aura-webinar/livesession/pkg/apperr"
)

// Inbound events.
const (
	EventChatSend         = "chat:send"
	EventChatHistoryGet   = "chat:history:get"
	EventObserverListGet  = "observer:list:get"
	EventModeratorListGet = "moderator:list:get"
	EventWaitingAdmit     = "waiting:admit"
	EventPollRespond      = "poll:respond"
	EventPollActiveGet    = "poll:active:get"
)

// Sessions is the admission side of live sessions.
type Sessions interface {
	Ensure(ctx context.Context, sessionID uuid.UUID) (*models.LiveSession, error)
	Get(ctx context.Context, sessionID uuid.UUID) (*models.LiveSession, error)
	Enqueue(ctx context.Context, sessionID uuid.UUID, e livesessions.Entrant) (models.Lists, bool, error)
	Admit(ctx context.Context, sessionID uuid.UUID, family models.Family, email string) (models.Lists, error)
	LeaveWaiting(ctx context.Context, sessionID uuid.UUID, email string) (models.Lists, error)
	Observers(ctx context.Context, sessionID uuid.UUID) ([]models.Member, error)
	Moderators(ctx context.Context, sessionID uuid.UUID) ([]models.Member, error)
}

// Presence records joins and leaves.
type Presence interface {
	LogJoin(ctx context.Context, liveSessionID uuid.UUID, userID *uuid.UUID, email string, role models.Role) error
	LogLeave(ctx context.Context, liveSessionID uuid.UUID, email string) error
}

// Chat sends and reads scoped chat.
type Chat interface {
	Send(ctx context.Context, sessionID uuid.UUID, from chat.Sender, req chat.SendRequest) (*models.ChatMessage, error)
	History(ctx context.Context, sessionID uuid.UUID, viewer chat.Sender, req chat.HistoryRequest) ([]models.ChatMessage, error)
}

// Polls answers poll runs.
type Polls interface {
	Respond(ctx context.Context, sessionID, runID uuid.UUID, who polls.Responder, answers []models.Answer) (*models.PollResponse, error)
	ActiveRun(ctx context.Context, sessionID uuid.UUID) (*polls.ActivePoll, error)
}

// Breakouts tells which open room an identity is routed to.
type Breakouts interface {
	RoomOf(ctx context.Context, sessionID uuid.UUID, email string) (int, bool, error)
	IsOpen(ctx context.Context, sessionID uuid.UUID, index int) (bool, error)
}

// AdmitEvent is the waiting:admit payload.
type AdmitEvent struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// RespondEvent is the poll:respond payload. Without runId the session's open run is answered.
type RespondEvent struct {
	RunID   *uuid.UUID      `json:"runId,omitempty"`
	Answers []models.Answer `json:"answers"`
}

type memberView struct {
	Name  string      `json:"name"`
	Email string      `json:"email"`
	Role  models.Role `json:"role,omitempty"`
}

// Dispatcher implements realtime.Dispatcher: admission on connect, presence on disconnect and the inbound events.
type Dispatcher struct {
	hub       *realtime.Hub
	notifier  *Notifier
	sessions  Sessions
	presence  Presence
	chat      Chat
	polls     Polls
	breakouts Breakouts
	logger    *zap.Logger
}

// NewDispatcher creates a dispatcher. presence and breakouts may be nil.
func NewDispatcher(hub *realtime.Hub, notifier *Notifier, sessions Sessions, presence Presence, chatRouter Chat, pollEngine Polls, breakouts Breakouts, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		hub:       hub,
		notifier:  notifier,
		sessions:  sessions,
		presence:  presence,
		chat:      chatRouter,
		polls:     pollEngine,
		breakouts: breakouts,
		logger:    logger,
	}
}

// OnConnect ensures the live session, queues or rosters the identity and joins its routing groups.
func (d *Dispatcher) OnConnect(ctx context.Context, c *realtime.Client) error {
	ls, err := d.sessions.Ensure(ctx, c.SessionID)
	if err != nil {
		return err
	}
	if ls.State() == models.StateEnded {
		return apperr.Conflict("live session has ended")
	}
	lists, inserted, err := d.sessions.Enqueue(ctx, c.SessionID, livesessions.Entrant{
		UserID: userID(c),
		Email:  c.Email,
		Name:   c.Name,
		Role:   c.Role,
	})
	if err != nil {
		return err
	}
	// a reconnect inserts nothing, so Enqueue did not log the join
	if !inserted && d.presence != nil {
		if err := d.presence.LogJoin(ctx, ls.ID, userID(c), c.Email, c.Role); err != nil {
			d.logger.Warn("activity join failed", zap.Error(err), zap.String("session_id", c.SessionID.String()))
		}
	}

	groups, admitted, room := d.placement(ctx, c, lists)
	for _, g := range groups {
		d.hub.JoinGroup(c.SessionID, c.Email, g)
	}
	joined := map[string]interface{}{
		"liveSession": ls,
		"state":       ls.State(),
		"admitted":    admitted,
	}
	if room > 0 {
		joined["breakoutIndex"] = room
	}
	c.Send(EventSessionJoined, joined)
	if inserted {
		d.notifier.ListsChanged(c.SessionID, lists)
	}
	d.logger.Info("identity connected",
		zap.String("session_id", c.SessionID.String()),
		zap.String("role", string(c.Role)),
		zap.Bool("admitted", admitted),
	)
	return nil
}

// placement returns the routing groups of a connection, whether it is rostered and its breakout room.
func (d *Dispatcher) placement(ctx context.Context, c *realtime.Client, lists models.Lists) ([]string, bool, int) {
	if c.Role.IsModerator() {
		return []string{realtime.GroupMain, realtime.GroupObserver, realtime.GroupModerators}, true, 0
	}
	switch c.Role {
	case models.RoleParticipant:
		if !hasMember(lists.ParticipantsList, c.Email) {
			return []string{realtime.GroupWaiting}, false, 0
		}
		if idx := d.openRoomOf(ctx, c); idx > 0 {
			return []string{realtime.BreakoutGroup(idx)}, true, idx
		}
		return []string{realtime.GroupMain}, true, 0
	case models.RoleObserver:
		if hasMember(lists.ObserverList, c.Email) {
			return []string{realtime.GroupObserver}, true, 0
		}
	}
	return nil, false, 0
}

// openRoomOf returns the open breakout room of a connection, or 0. An assignment left behind by a
// closed room routes to main.
func (d *Dispatcher) openRoomOf(ctx context.Context, c *realtime.Client) int {
	if d.breakouts == nil {
		return 0
	}
	idx, ok, err := d.breakouts.RoomOf(ctx, c.SessionID, c.Email)
	if err != nil {
		d.logger.Warn("breakout lookup failed", zap.Error(err), zap.String("session_id", c.SessionID.String()))
		return 0
	}
	if !ok {
		return 0
	}
	open, err := d.breakouts.IsOpen(ctx, c.SessionID, idx)
	if err != nil {
		d.logger.Warn("breakout lookup failed", zap.Error(err), zap.String("session_id", c.SessionID.String()))
		return 0
	}
	if !open {
		return 0
	}
	return idx
}

// OnDisconnect drops the identity from the waiting lists and closes its activity record once its last
// connection is gone. Rosters are kept.
func (d *Dispatcher) OnDisconnect(ctx context.Context, c *realtime.Client, last bool) {
	if !last {
		return
	}
	ls, err := d.sessions.Get(ctx, c.SessionID)
	if err != nil {
		d.logger.Warn("disconnect: live session lookup failed", zap.Error(err), zap.String("session_id", c.SessionID.String()))
		return
	}
	if !c.Role.IsModerator() {
		lists, err := d.sessions.LeaveWaiting(ctx, c.SessionID, c.Email)
		if err != nil {
			d.logger.Warn("leave waiting failed", zap.Error(err), zap.String("session_id", c.SessionID.String()))
		} else {
			d.notifier.ListsChanged(c.SessionID, lists)
		}
	}
	if d.presence != nil {
		if err := d.presence.LogLeave(ctx, ls.ID, c.Email); err != nil {
			d.logger.Warn("activity leave failed", zap.Error(err), zap.String("session_id", c.SessionID.String()))
		}
	}
}

// Handle runs one inbound event and returns its acknowledgement.
func (d *Dispatcher) Handle(ctx context.Context, c *realtime.Client, event string, data json.RawMessage) (interface{}, error) {
	switch event {
	case EventChatSend:
		var req chat.SendRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		msg, err := d.chat.Send(ctx, c.SessionID, sender(c), req)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"ok": true, "message": msg}, nil

	case EventChatHistoryGet:
		var req chat.HistoryRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		items, err := d.chat.History(ctx, c.SessionID, sender(c), req)
		if err != nil {
			return nil, err
		}
		if items == nil {
			items = []models.ChatMessage{}
		}
		return map[string]interface{}{"items": items}, nil

	case EventObserverListGet:
		members, err := d.sessions.Observers(ctx, c.SessionID)
		if err != nil {
			return nil, err
		}
		out := make([]memberView, 0, len(members))
		for _, m := range members {
			out = append(out, memberView{Name: m.Name, Email: m.Email})
		}
		c.Send(EventObserverList, map[string]interface{}{"observers": out})
		return okAck(), nil

	case EventModeratorListGet:
		members, err := d.sessions.Moderators(ctx, c.SessionID)
		if err != nil {
			return nil, err
		}
		out := make([]memberView, 0, len(members))
		for _, m := range members {
			out = append(out, memberView{Name: m.Name, Email: m.Email, Role: m.Role})
		}
		c.Send(EventModeratorList, map[string]interface{}{"moderators": out})
		return okAck(), nil

	case EventWaitingAdmit:
		if !c.Role.IsModerator() {
			return nil, apperr.Forbidden("only moderators may admit")
		}
		var req AdmitEvent
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		family := models.FamilyParticipant
		if req.Role != "" {
			role, ok := models.ParseRole(req.Role)
			if !ok {
				return nil, apperr.Validation("invalid role %q", req.Role)
			}
			if family, ok = models.FamilyFor(role); !ok {
				return nil, apperr.Validation("moderators are never queued")
			}
		}
		lists, err := d.sessions.Admit(ctx, c.SessionID, family, req.Email)
		if err != nil {
			return nil, err
		}
		d.notifier.Admitted(c.SessionID, family, models.NormalizeEmail(req.Email), lists)
		return map[string]interface{}{"ok": true, "lists": lists}, nil

	case EventPollRespond:
		var req RespondEvent
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		runID, err := d.resolveRun(ctx, c.SessionID, req.RunID)
		if err != nil {
			return nil, err
		}
		resp, err := d.polls.Respond(ctx, c.SessionID, runID, polls.Responder{Email: c.Email, Name: c.Name}, req.Answers)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"ok": true, "responseId": resp.ID, "runId": resp.RunID}, nil

	case EventPollActiveGet:
		active, err := d.polls.ActiveRun(ctx, c.SessionID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"ok": true, "active": active}, nil
	}
	return nil, apperr.Validation("unknown event %q", event)
}

func (d *Dispatcher) resolveRun(ctx context.Context, sessionID uuid.UUID, runID *uuid.UUID) (uuid.UUID, error) {
	if runID != nil {
		return *runID, nil
	}
	active, err := d.polls.ActiveRun(ctx, sessionID)
	if err != nil {
		return uuid.Nil, err
	}
	if active == nil || active.Run == nil {
		return uuid.Nil, apperr.Validation("no poll is open")
	}
	return active.Run.ID, nil
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Validation("invalid payload: %v", err)
	}
	return nil
}

func okAck() map[string]bool { return map[string]bool{"ok": true} }

func sender(c *realtime.Client) chat.Sender {
	return chat.Sender{UserID: userID(c), Email: c.Email, Name: c.Name, Role: c.Role}
}

func userID(c *realtime.Client) *uuid.UUID {
	if c.UserID == uuid.Nil {
		return nil
	}
	id := c.UserID
	return &id
}

func hasMember(list []models.Member, email string) bool {
	for _, m := range list {
		if m.Email == email {
			return true
		}
	}
	return false
}
