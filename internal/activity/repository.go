package activity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-webinar/livesession/internal/models"
	"github.com/aura-webinar/livesession/pkg/apperr"
	"github.com/aura-webinar/livesession/pkg/database"
)

const activityColumns = `id, live_session_id, user_id, email, role, join_time, leave_time`

// Repository handles user_activities.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an activity repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert appends an open record. A concurrent open record for the same identity surfaces as a conflict.
func (r *Repository) Insert(ctx context.Context, a *models.UserActivity) error {
	const q = `INSERT INTO user_activities (live_session_id, user_id, email, role, join_time)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`
	err := r.pool.QueryRow(ctx, q, a.LiveSessionID, a.UserID, a.Email, string(a.Role), a.JoinTime).Scan(&a.ID)
	if database.IsUniqueViolation(err, "uq_user_activities_open") {
		return apperr.Conflict("activity record already open")
	}
	if err != nil {
		return apperr.Transient("insert activity", err)
	}
	return nil
}

// LatestOpen returns the most recent record without leave time, or nil.
func (r *Repository) LatestOpen(ctx context.Context, liveSessionID uuid.UUID, email string) (*models.UserActivity, error) {
	q := `SELECT ` + activityColumns + ` FROM user_activities
		WHERE live_session_id = $1 AND email = $2 AND leave_time IS NULL
		ORDER BY join_time DESC LIMIT 1`
	a, err := scanActivity(r.pool.QueryRow(ctx, q, liveSessionID, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Transient("load open activity", err)
	}
	return a, nil
}

// Close sets leave_time on one record if it is still open.
func (r *Repository) Close(ctx context.Context, id uuid.UUID, at time.Time) error {
	const q = `UPDATE user_activities SET leave_time = $2 WHERE id = $1 AND leave_time IS NULL`
	if _, err := r.pool.Exec(ctx, q, id, at); err != nil {
		return apperr.Transient("close activity", err)
	}
	return nil
}

// ListByLiveSession returns all records of a live session, newest join first.
func (r *Repository) ListByLiveSession(ctx context.Context, liveSessionID uuid.UUID) ([]models.UserActivity, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+activityColumns+` FROM user_activities WHERE live_session_id = $1 ORDER BY join_time DESC`,
		liveSessionID)
	if err != nil {
		return nil, apperr.Transient("list activity", err)
	}
	defer rows.Close()
	var list []models.UserActivity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, apperr.Transient("scan activity", err)
		}
		list = append(list, *a)
	}
	return list, rows.Err()
}

func scanActivity(row pgx.Row) (*models.UserActivity, error) {
	var a models.UserActivity
	var role string
	if err := row.Scan(&a.ID, &a.LiveSessionID, &a.UserID, &a.Email, &role, &a.JoinTime, &a.LeaveTime); err != nil {
		return nil, err
	}
	a.Role = models.Role(role)
	return &a, nil
}
