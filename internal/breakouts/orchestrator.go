// Package breakouts partitions a live session roster into numbered breakout rooms.
package breakouts

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/livesession/internal/models"
	"github.com/aura-webinar/livesession/pkg/apperr"
)

// Store is the breakout routing registry.
type Store interface {
	NextIndex(ctx context.Context, sessionID uuid.UUID) (int, error)
	Save(ctx context.Context, room *models.BreakoutRoom) error
	Get(ctx context.Context, sessionID uuid.UUID, index int) (*models.BreakoutRoom, error)
	List(ctx context.Context, sessionID uuid.UUID) ([]models.BreakoutRoom, error)
	// Delete removes a room and its assignments, returning the members it had.
	Delete(ctx context.Context, sessionID uuid.UUID, index int) ([]string, error)
	// Assign routes emails into a room, taking them out of any other room.
	Assign(ctx context.Context, sessionID uuid.UUID, index int, emails []string) error
	RoomOf(ctx context.Context, sessionID uuid.UUID, email string) (int, bool, error)
}

// Sessions resolves the live session a room belongs to and its participant roster.
type Sessions interface {
	Get(ctx context.Context, sessionID uuid.UUID) (*models.LiveSession, error)
	IsAdmitted(ctx context.Context, sessionID uuid.UUID, family models.Family, email string) (bool, error)
}

// Notifier moves connections between routing groups and tells clients to re-fetch.
type Notifier interface {
	BreakoutAssigned(sessionID uuid.UUID, index int, emails []string)
	BreakoutClosed(sessionID uuid.UUID, index int, members []string)
	BreakoutsChanged(sessionID uuid.UUID)
}

// Orchestrator creates, assigns and closes breakout rooms.
type Orchestrator struct {
	store     Store
	sessions  Sessions
	notifier  Notifier
	mediaBase string
	now       func() time.Time
	logger    *zap.Logger
}

// NewOrchestrator creates a breakout orchestrator. mediaBase may be empty.
func NewOrchestrator(store Store, sessions Sessions, notifier Notifier, mediaBase string, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{store: store, sessions: sessions, notifier: notifier, mediaBase: mediaBase, now: time.Now, logger: logger}
}

// SetNotifier replaces the notifier; used when the notifier is built after the orchestrator.
func (o *Orchestrator) SetNotifier(n Notifier) { o.notifier = n }

// RoutingKey is the media routing key of a breakout room.
func RoutingKey(sessionID uuid.UUID, index int) string {
	return fmt.Sprintf("%s-breakout-%d", sessionID, index)
}

// Create opens the next breakout room of an ongoing session. Indexes start at 1 and are never reused.
func (o *Orchestrator) Create(ctx context.Context, sessionID uuid.UUID) (*models.BreakoutRoom, error) {
	ls, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !ls.Ongoing {
		return nil, apperr.Conflict("live session is not ongoing")
	}
	idx, err := o.store.NextIndex(ctx, sessionID)
	if err != nil {
		return nil, apperr.Transient("breakout index", err)
	}
	room := &models.BreakoutRoom{
		SessionID:  sessionID,
		Index:      idx,
		RoutingKey: RoutingKey(sessionID, idx),
		Members:    []string{},
		CreatedAt:  o.now().UTC(),
	}
	if o.mediaBase != "" {
		room.MediaURL = o.mediaBase + "/" + room.RoutingKey
	}
	if err := o.store.Save(ctx, room); err != nil {
		return nil, apperr.Transient("save breakout", err)
	}
	o.logger.Info("breakout created", zap.String("session_id", sessionID.String()), zap.Int("index", idx))
	o.changed(sessionID)
	return room, nil
}

// Assign routes identities into an open room. Only admitted participants can be assigned.
func (o *Orchestrator) Assign(ctx context.Context, sessionID uuid.UUID, index int, emails []string) (*models.BreakoutRoom, error) {
	normalized := make([]string, 0, len(emails))
	for _, e := range emails {
		if e = models.NormalizeEmail(e); e != "" {
			normalized = append(normalized, e)
		}
	}
	if len(normalized) == 0 {
		return nil, apperr.Validation("emails are required")
	}
	if _, err := o.store.Get(ctx, sessionID, index); err != nil {
		return nil, err
	}
	for _, e := range normalized {
		ok, err := o.sessions.IsAdmitted(ctx, sessionID, models.FamilyParticipant, e)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperr.Validation("%s is not an admitted participant", e)
		}
	}
	if err := o.store.Assign(ctx, sessionID, index, normalized); err != nil {
		return nil, apperr.Transient("assign breakout", err)
	}
	if o.notifier != nil {
		o.notifier.BreakoutAssigned(sessionID, index, normalized)
	}
	o.changed(sessionID)
	return o.store.Get(ctx, sessionID, index)
}

// Close removes a room; its members fall back to main.
func (o *Orchestrator) Close(ctx context.Context, sessionID uuid.UUID, index int) error {
	if _, err := o.store.Get(ctx, sessionID, index); err != nil {
		return err
	}
	members, err := o.store.Delete(ctx, sessionID, index)
	if err != nil {
		return apperr.Transient("close breakout", err)
	}
	o.logger.Info("breakout closed",
		zap.String("session_id", sessionID.String()), zap.Int("index", index), zap.Int("members", len(members)))
	if o.notifier != nil {
		o.notifier.BreakoutClosed(sessionID, index, members)
	}
	o.changed(sessionID)
	return nil
}

// CloseAll closes every open room of a session and returns how many were closed.
func (o *Orchestrator) CloseAll(ctx context.Context, sessionID uuid.UUID) (int, error) {
	rooms, err := o.store.List(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, room := range rooms {
		if err := o.Close(ctx, sessionID, room.Index); err != nil {
			if apperr.Is(err, apperr.KindNotFound) {
				continue
			}
			return closed, err
		}
		closed++
	}
	return closed, nil
}

// List returns the open rooms ordered by index.
func (o *Orchestrator) List(ctx context.Context, sessionID uuid.UUID) ([]models.BreakoutRoom, error) {
	return o.store.List(ctx, sessionID)
}

// IsOpen reports whether a room is open.
func (o *Orchestrator) IsOpen(ctx context.Context, sessionID uuid.UUID, index int) (bool, error) {
	_, err := o.store.Get(ctx, sessionID, index)
	if apperr.Is(err, apperr.KindNotFound) {
		return false, nil
	}
	return err == nil, err
}

// IsMember reports whether email is assigned to the room.
func (o *Orchestrator) IsMember(ctx context.Context, sessionID uuid.UUID, index int, email string) (bool, error) {
	idx, ok, err := o.store.RoomOf(ctx, sessionID, models.NormalizeEmail(email))
	if err != nil {
		return false, err
	}
	return ok && idx == index, nil
}

// RoomOf returns the room an identity is assigned to.
func (o *Orchestrator) RoomOf(ctx context.Context, sessionID uuid.UUID, email string) (int, bool, error) {
	return o.store.RoomOf(ctx, sessionID, models.NormalizeEmail(email))
}

func (o *Orchestrator) changed(sessionID uuid.UUID) {
	if o.notifier != nil {
		o.notifier.BreakoutsChanged(sessionID)
	}
}
