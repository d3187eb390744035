package livesessions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-webinar/livesession/internal/models"
	"github.com/aura-webinar/livesession/pkg/apperr"
)

const sessionColumns = `id, session_id, ongoing, start_time, end_time, created_at`

// Repository handles live_sessions and live_session_members persistence.
// Roster mutations are single conditional statements, so concurrent admissions never lose updates.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a live session repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Ensure returns the live session of a scheduled session, creating it if absent.
func (r *Repository) Ensure(ctx context.Context, sessionID uuid.UUID) (*models.LiveSession, error) {
	const insert = `INSERT INTO live_sessions (session_id) VALUES ($1) ON CONFLICT (session_id) DO NOTHING`
	if _, err := r.pool.Exec(ctx, insert, sessionID); err != nil {
		return nil, apperr.Transient("ensure live session", err)
	}
	return r.Get(ctx, sessionID)
}

// Get returns the live session without its lists.
func (r *Repository) Get(ctx context.Context, sessionID uuid.UUID) (*models.LiveSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM live_sessions WHERE session_id = $1`
	return r.scanOne(ctx, q, sessionID)
}

// Start marks the session ongoing. The start time of an already ongoing session is kept.
func (r *Repository) Start(ctx context.Context, sessionID uuid.UUID, at time.Time) (*models.LiveSession, error) {
	q := `UPDATE live_sessions
		SET start_time = CASE WHEN ongoing THEN start_time ELSE $2 END, ongoing = TRUE
		WHERE session_id = $1 AND end_time IS NULL
		RETURNING ` + sessionColumns
	return r.scanOne(ctx, q, sessionID, at)
}

// End marks the session ended. The end time of an already ended session is kept.
func (r *Repository) End(ctx context.Context, sessionID uuid.UUID, at time.Time) (*models.LiveSession, error) {
	q := `UPDATE live_sessions SET ongoing = FALSE, end_time = COALESCE(end_time, $2)
		WHERE session_id = $1
		RETURNING ` + sessionColumns
	return r.scanOne(ctx, q, sessionID, at)
}

// Place inserts each placement unless the identity already has an entry in that family,
// waiting or rostered. Returns how many rows were inserted.
func (r *Repository) Place(ctx context.Context, liveSessionID uuid.UUID, placements []models.Placement) (int, error) {
	const q = `INSERT INTO live_session_members (live_session_id, family, list, email, name, role, user_id, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (live_session_id, family, email) DO NOTHING`
	inserted := 0
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for _, p := range placements {
			m := p.Member
			tag, err := tx.Exec(ctx, q, liveSessionID, string(p.Family), string(p.List), m.Email, m.Name, string(m.Role), m.UserID, m.JoinedAt)
			if err != nil {
				return err
			}
			inserted += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, apperr.Transient("place members", err)
	}
	return inserted, nil
}

// Promote moves a waiting entry into the roster of its family. Reports false when the identity has no entry.
func (r *Repository) Promote(ctx context.Context, liveSessionID uuid.UUID, family models.Family, email string) (bool, error) {
	const q = `UPDATE live_session_members SET list = 'roster'
		WHERE live_session_id = $1 AND family = $2 AND email = $3`
	tag, err := r.pool.Exec(ctx, q, liveSessionID, string(family), email)
	if err != nil {
		return false, apperr.Transient("promote member", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RemoveWaiting deletes the identity from both waiting lists.
func (r *Repository) RemoveWaiting(ctx context.Context, liveSessionID uuid.UUID, email string) (int, error) {
	const q = `DELETE FROM live_session_members WHERE live_session_id = $1 AND email = $2 AND list = 'waiting'`
	tag, err := r.pool.Exec(ctx, q, liveSessionID, email)
	if err != nil {
		return 0, apperr.Transient("remove waiting member", err)
	}
	return int(tag.RowsAffected()), nil
}

// Members returns the four lists, each ordered by join time.
func (r *Repository) Members(ctx context.Context, liveSessionID uuid.UUID) (models.Lists, error) {
	const q = `SELECT family, list, email, name, role, user_id, joined_at
		FROM live_session_members WHERE live_session_id = $1 ORDER BY joined_at, email`
	var lists models.Lists
	rows, err := r.pool.Query(ctx, q, liveSessionID)
	if err != nil {
		return lists, apperr.Transient("list members", err)
	}
	defer rows.Close()
	for rows.Next() {
		var family, list, role string
		var m models.Member
		if err := rows.Scan(&family, &list, &m.Email, &m.Name, &role, &m.UserID, &m.JoinedAt); err != nil {
			return lists, apperr.Transient("scan member", err)
		}
		m.Role = models.Role(role)
		appendMember(&lists, models.Family(family), models.ListKind(list), m)
	}
	if err := rows.Err(); err != nil {
		return lists, apperr.Transient("list members", err)
	}
	return lists, nil
}

func (r *Repository) scanOne(ctx context.Context, q string, args ...interface{}) (*models.LiveSession, error) {
	var ls models.LiveSession
	err := r.pool.QueryRow(ctx, q, args...).Scan(&ls.ID, &ls.SessionID, &ls.Ongoing, &ls.StartTime, &ls.EndTime, &ls.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("live session not found")
	}
	if err != nil {
		return nil, apperr.Transient("load live session", err)
	}
	return &ls, nil
}

func appendMember(lists *models.Lists, family models.Family, list models.ListKind, m models.Member) {
	switch {
	case family == models.FamilyParticipant && list == models.ListWaiting:
		lists.ParticipantWaitingRoom = append(lists.ParticipantWaitingRoom, m)
	case family == models.FamilyObserver && list == models.ListWaiting:
		lists.ObserverWaitingRoom = append(lists.ObserverWaitingRoom, m)
	case family == models.FamilyParticipant:
		lists.ParticipantsList = append(lists.ParticipantsList, m)
	default:
		lists.ObserverList = append(lists.ObserverList, m)
	}
}
