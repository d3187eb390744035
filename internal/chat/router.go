// Package chat routes scoped chat messages live and persists them in batches.
package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/aura-webinar/livesession/internal/models"
	"github.com/aura-webinar/livesession/pkg/apperr"
)

const defaultHistoryLimit = 50

// Store is the durable chat store.
type Store interface {
	InsertBatch(ctx context.Context, msgs []models.ChatMessage) error
	Recent(ctx context.Context, q RecentQuery) ([]models.ChatMessage, error)
	SessionMessages(ctx context.Context, sessionID uuid.UUID) ([]models.ChatMessage, error)
}

// Sessions resolves the live session a message belongs to, its lists and whether an identity is admitted.
type Sessions interface {
	Get(ctx context.Context, sessionID uuid.UUID) (*models.LiveSession, error)
	Lists(ctx context.Context, sessionID uuid.UUID) (models.Lists, error)
	IsAdmitted(ctx context.Context, sessionID uuid.UUID, family models.Family, email string) (bool, error)
}

// Breakouts answers breakout room questions for the breakout scope.
type Breakouts interface {
	IsOpen(ctx context.Context, sessionID uuid.UUID, index int) (bool, error)
	IsMember(ctx context.Context, sessionID uuid.UUID, index int, email string) (bool, error)
}

// Broadcaster delivers a message to its routing group, or to both ends of a dm.
type Broadcaster interface {
	ChatMessage(msg *models.ChatMessage)
}

// Sender is the identity sending or reading chat.
type Sender struct {
	UserID *uuid.UUID
	Email  string
	Name   string
	Role   models.Role
}

// SendRequest is the chat:send payload.
type SendRequest struct {
	Scope         string              `json:"scope"`
	BreakoutIndex *int                `json:"breakoutIndex,omitempty"`
	Type          string              `json:"type"`
	ToEmail       string              `json:"toEmail,omitempty"`
	Content       string              `json:"content"`
	Attachments   []models.Attachment `json:"attachments,omitempty"`
}

// HistoryRequest is the chat:history:get payload.
type HistoryRequest struct {
	Scope         string `json:"scope"`
	BreakoutIndex *int   `json:"breakoutIndex,omitempty"`
	Thread        *struct {
		WithEmail string `json:"withEmail"`
	} `json:"thread,omitempty"`
	Limit int `json:"limit"`
}

// RecentQuery selects the most recent messages of one scope key.
// With Peer set only the dm thread between Viewer and Peer is returned, otherwise group messages only.
type RecentQuery struct {
	Key    models.ScopeKey
	Viewer string
	Peer   string
	Limit  int
}

type buffer struct {
	mu     sync.Mutex
	msgs   []models.ChatMessage
	lastTS time.Time
}

// Options tunes the router.
type Options struct {
	MaxBuffered  int
	HistoryMax   int
	FlushTimeout time.Duration
}

// Router classifies, authorizes, broadcasts and buffers chat messages.
type Router struct {
	store     Store
	sessions  Sessions
	breakouts Breakouts
	bus       Broadcaster
	opts      Options
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	buffers map[models.ScopeKey]*buffer

	flushMu  sync.Mutex
	flushReq chan struct{}
}

// NewRouter creates a chat router. breakouts may be nil when breakouts are disabled.
func NewRouter(store Store, sessions Sessions, breakouts Breakouts, bus Broadcaster, opts Options, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxBuffered <= 0 {
		opts.MaxBuffered = 5000
	}
	if opts.HistoryMax <= 0 {
		opts.HistoryMax = 200
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 5 * time.Second
	}
	return &Router{
		store:     store,
		sessions:  sessions,
		breakouts: breakouts,
		bus:       bus,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		buffers:   make(map[models.ScopeKey]*buffer),
		flushReq:  make(chan struct{}, 1),
	}
}

// Send validates and authorizes a message, appends it to its scope buffer and broadcasts it.
// The message is live-visible before it is durable.
func (r *Router) Send(ctx context.Context, sessionID uuid.UUID, from Sender, req SendRequest) (*models.ChatMessage, error) {
	text := strings.TrimSpace(req.Content)
	if text == "" {
		return nil, apperr.Validation("content is required")
	}
	scope, ok := models.ParseScope(req.Scope)
	if !ok {
		return nil, apperr.Validation("invalid scope %q", req.Scope)
	}
	typ, ok := models.ParseMessageType(req.Type)
	if !ok {
		return nil, apperr.Validation("invalid type %q", req.Type)
	}
	from.Email = models.NormalizeEmail(from.Email)
	msg := models.ChatMessage{
		SessionID:   sessionID,
		Scope:       scope,
		Type:        typ,
		From:        models.ChatParty{Email: from.Email, UserID: from.UserID, Name: from.Name, Role: from.Role},
		Text:        text,
		Attachments: req.Attachments,
	}
	to := models.NormalizeEmail(req.ToEmail)
	if typ == models.MessageDM {
		if to == "" {
			return nil, apperr.Validation("toEmail is required for dm")
		}
		if to == from.Email {
			return nil, apperr.Validation("cannot dm yourself")
		}
	}
	if scope == models.ScopeBreakout {
		if req.BreakoutIndex == nil {
			return nil, apperr.Validation("breakoutIndex is required for breakout scope")
		}
		idx := *req.BreakoutIndex
		open, err := r.breakoutOpen(ctx, sessionID, idx)
		if err != nil {
			return nil, err
		}
		if !open {
			return nil, apperr.Validation("breakout room %d is not open", idx)
		}
		msg.BreakoutIndex = &idx
	}
	ls, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, sessionID, from, scope, msg.BreakoutIndex); err != nil {
		return nil, err
	}
	if typ == models.MessageDM {
		if msg.To, err = r.recipient(ctx, sessionID, from, scope, msg.BreakoutIndex, to); err != nil {
			return nil, err
		}
	}
	msg.LiveSessionID = ls.ID

	out := r.append(msg)
	return &out, nil
}

// append stamps id and ts, buffers the message and broadcasts it under the buffer lock,
// so live order and persisted order agree per key.
func (r *Router) append(msg models.ChatMessage) models.ChatMessage {
	key := msg.Key()
	b := r.bufferFor(key)

	b.mu.Lock()
	ts := r.now().UTC().Truncate(time.Microsecond)
	if !ts.After(b.lastTS) {
		ts = b.lastTS.Add(time.Microsecond)
	}
	b.lastTS = ts
	msg.TS = ts
	msg.ID = ulid.Make().String()
	b.msgs = append(b.msgs, msg)
	size := len(b.msgs)
	if r.bus != nil {
		r.bus.ChatMessage(&msg)
	}
	b.mu.Unlock()

	if size >= r.opts.MaxBuffered {
		r.logger.Warn("chat buffer full, requesting flush",
			zap.String("key", key.String()), zap.Int("buffered", size))
		r.RequestFlush()
	}
	return msg
}

func (r *Router) bufferFor(key models.ScopeKey) *buffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buffers[key]
	if !ok {
		b = &buffer{}
		r.buffers[key] = b
	}
	return b
}

func (r *Router) breakoutOpen(ctx context.Context, sessionID uuid.UUID, idx int) (bool, error) {
	if r.breakouts == nil {
		return false, nil
	}
	return r.breakouts.IsOpen(ctx, sessionID, idx)
}

// authorize applies the scope policy: waiting for participants and moderators, main for admitted
// participants and moderators, observer for admitted observers and moderators, breakout for moderators
// and participants assigned to the room.
func (r *Router) authorize(ctx context.Context, sessionID uuid.UUID, who Sender, scope models.Scope, idx *int) error {
	if who.Role.IsModerator() {
		return nil
	}
	deny := apperr.Forbidden("%s may not use %s chat", who.Role, scope)
	switch scope {
	case models.ScopeWaiting:
		if who.Role != models.RoleParticipant {
			return deny
		}
		return nil
	case models.ScopeMain:
		if who.Role != models.RoleParticipant {
			return deny
		}
		return r.requireAdmitted(ctx, sessionID, models.FamilyParticipant, who.Email, deny)
	case models.ScopeObserver:
		if who.Role != models.RoleObserver {
			return deny
		}
		return r.requireAdmitted(ctx, sessionID, models.FamilyObserver, who.Email, deny)
	case models.ScopeBreakout:
		if who.Role != models.RoleParticipant || idx == nil || r.breakouts == nil {
			return deny
		}
		member, err := r.breakouts.IsMember(ctx, sessionID, *idx, who.Email)
		if err != nil {
			return err
		}
		if !member {
			return apperr.Forbidden("not assigned to breakout room %d", *idx)
		}
		return nil
	}
	return deny
}

// recipient resolves a dm target from the session lists. The target must be able to read the scope,
// and a waiting room dm needs a moderator on one end.
func (r *Router) recipient(ctx context.Context, sessionID uuid.UUID, from Sender, scope models.Scope, idx *int, email string) (*models.ChatParty, error) {
	lists, err := r.sessions.Lists(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	m, ok := findMember(lists, email)
	if !ok {
		return nil, apperr.Forbidden("%s is not in this session", email)
	}
	if scope == models.ScopeWaiting && !from.Role.IsModerator() && !m.Role.IsModerator() {
		return nil, apperr.Forbidden("waiting room dms go to a moderator")
	}
	to := Sender{UserID: m.UserID, Email: m.Email, Name: m.Name, Role: m.Role}
	if err := r.authorize(ctx, sessionID, to, scope, idx); err != nil {
		if apperr.Is(err, apperr.KindForbidden) {
			return nil, apperr.Forbidden("%s cannot receive %s chat", email, scope)
		}
		return nil, err
	}
	return &models.ChatParty{Email: m.Email, UserID: m.UserID, Name: m.Name, Role: m.Role}, nil
}

func findMember(lists models.Lists, email string) (models.Member, bool) {
	for _, l := range [][]models.Member{lists.ParticipantsList, lists.ObserverList, lists.ParticipantWaitingRoom, lists.ObserverWaitingRoom} {
		for _, m := range l {
			if m.Email == email {
				return m, true
			}
		}
	}
	return models.Member{}, false
}

func (r *Router) requireAdmitted(ctx context.Context, sessionID uuid.UUID, family models.Family, email string, deny error) error {
	ok, err := r.sessions.IsAdmitted(ctx, sessionID, family, email)
	if err != nil {
		return err
	}
	if !ok {
		return deny
	}
	return nil
}

// History returns the most recent messages of a scope, oldest first, including messages not yet flushed.
func (r *Router) History(ctx context.Context, sessionID uuid.UUID, viewer Sender, req HistoryRequest) ([]models.ChatMessage, error) {
	scope, ok := models.ParseScope(req.Scope)
	if !ok {
		return nil, apperr.Validation("invalid scope %q", req.Scope)
	}
	viewer.Email = models.NormalizeEmail(viewer.Email)
	key := models.ScopeKey{SessionID: sessionID, Scope: scope}
	if scope == models.ScopeBreakout {
		if req.BreakoutIndex == nil {
			return nil, apperr.Validation("breakoutIndex is required for breakout scope")
		}
		key.BreakoutIndex = *req.BreakoutIndex
	}
	if err := r.authorize(ctx, sessionID, viewer, scope, req.BreakoutIndex); err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > r.opts.HistoryMax {
		limit = r.opts.HistoryMax
	}
	q := RecentQuery{Key: key, Viewer: viewer.Email, Limit: limit}
	if req.Thread != nil {
		q.Peer = models.NormalizeEmail(req.Thread.WithEmail)
	}

	stored, err := r.store.Recent(ctx, q)
	if err != nil {
		return nil, apperr.Transient("chat history", err)
	}
	pending := filter(r.buffered(key), q)
	merged := merge(stored, pending)
	if len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}
	return merged, nil
}

// SessionMessages returns every message of a session across scopes, including unflushed ones.
func (r *Router) SessionMessages(ctx context.Context, sessionID uuid.UUID) ([]models.ChatMessage, error) {
	stored, err := r.store.SessionMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var pending []models.ChatMessage
	for _, key := range r.keys(func(k models.ScopeKey) bool { return k.SessionID == sessionID }) {
		pending = append(pending, r.buffered(key)...)
	}
	return merge(stored, pending), nil
}

func (r *Router) buffered(key models.ScopeKey) []models.ChatMessage {
	r.mu.Lock()
	b, ok := r.buffers[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.ChatMessage, len(b.msgs))
	copy(out, b.msgs)
	return out
}

func (r *Router) keys(match func(models.ScopeKey) bool) []models.ScopeKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ScopeKey, 0, len(r.buffers))
	for k := range r.buffers {
		if match(k) {
			out = append(out, k)
		}
	}
	return out
}

func filter(msgs []models.ChatMessage, q RecentQuery) []models.ChatMessage {
	out := msgs[:0]
	for _, m := range msgs {
		if q.Peer == "" {
			if m.Type == models.MessageGroup {
				out = append(out, m)
			}
			continue
		}
		if m.Type == models.MessageDM && m.Involves(q.Viewer) && m.Involves(q.Peer) {
			out = append(out, m)
		}
	}
	return out
}

// merge de-duplicates by id and orders by ts.
func merge(a, b []models.ChatMessage) []models.ChatMessage {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]models.ChatMessage, 0, len(a)+len(b))
	for _, list := range [][]models.ChatMessage{a, b} {
		for _, m := range list {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TS.Equal(out[j].TS) {
			return out[i].ID < out[j].ID
		}
		return out[i].TS.Before(out[j].TS)
	})
	return out
}
