// Package activity records join/leave presence per identity per live session.
package activity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/livesession/internal/models"
	"github.com/aura-webinar/livesession/pkg/apperr"
)

// Store persists activity records.
type Store interface {
	Insert(ctx context.Context, a *models.UserActivity) error
	LatestOpen(ctx context.Context, liveSessionID uuid.UUID, email string) (*models.UserActivity, error)
	Close(ctx context.Context, id uuid.UUID, at time.Time) error
	ListByLiveSession(ctx context.Context, liveSessionID uuid.UUID) ([]models.UserActivity, error)
}

// Log is the append-only presence log keyed by identity (email). At most one record per identity per
// live session is open. The user id is recorded when the token carries one.
type Log struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

// NewLog creates a presence log.
func NewLog(store Store, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{store: store, now: time.Now, logger: logger}
}

// LogJoin opens a record unless one is already open for the identity. userID may be nil.
func (l *Log) LogJoin(ctx context.Context, liveSessionID uuid.UUID, userID *uuid.UUID, email string, role models.Role) error {
	email = models.NormalizeEmail(email)
	if email == "" {
		return apperr.Validation("email is required")
	}
	open, err := l.store.LatestOpen(ctx, liveSessionID, email)
	if err != nil {
		return err
	}
	if open != nil {
		return nil
	}
	a := &models.UserActivity{
		LiveSessionID: liveSessionID,
		UserID:        userID,
		Email:         email,
		Role:          role,
		JoinTime:      l.now(),
	}
	if err := l.store.Insert(ctx, a); err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			return nil
		}
		return err
	}
	l.logger.Debug("activity join",
		zap.String("live_session_id", liveSessionID.String()), zap.String("email", email))
	return nil
}

// LogLeave closes the most recent open record for the identity. Without an open record it is a no-op.
func (l *Log) LogLeave(ctx context.Context, liveSessionID uuid.UUID, email string) error {
	open, err := l.store.LatestOpen(ctx, liveSessionID, models.NormalizeEmail(email))
	if err != nil || open == nil {
		return err
	}
	return l.store.Close(ctx, open.ID, l.now())
}

// List returns every record of a live session.
func (l *Log) List(ctx context.Context, liveSessionID uuid.UUID) ([]models.UserActivity, error) {
	return l.store.ListByLiveSession(ctx, liveSessionID)
}
