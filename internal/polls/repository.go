package polls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-webinar/livesession/internal/models"
	"github.com/aura-webinar/livesession/pkg/apperr"
	"github.com/aura-webinar/livesession/pkg/database"
)

const runColumns = `id, poll_id, session_id, run_number, status, anonymous, share_results, launched_by, started_at, ended_at`

// Repository handles poll persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a polls repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreatePoll inserts a poll definition.
func (r *Repository) CreatePoll(ctx context.Context, p *models.Poll) error {
	questions, err := json.Marshal(p.Questions)
	if err != nil {
		return err
	}
	const query = `INSERT INTO polls (session_id, title, questions, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`
	return r.pool.QueryRow(ctx, query, p.SessionID, p.Title, questions, p.CreatedBy).Scan(&p.ID, &p.CreatedAt)
}

// GetPoll returns a poll by ID.
func (r *Repository) GetPoll(ctx context.Context, id uuid.UUID) (*models.Poll, error) {
	const query = `SELECT id, session_id, title, questions, created_by, created_at FROM polls WHERE id = $1`
	p, err := scanPoll(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("poll not found")
	}
	return p, err
}

// ListPolls returns the polls of a session, oldest first.
func (r *Repository) ListPolls(ctx context.Context, sessionID uuid.UUID) ([]models.Poll, error) {
	const query = `SELECT id, session_id, title, questions, created_by, created_at
		FROM polls WHERE session_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.Poll{}
	for rows.Next() {
		p, err := scanPoll(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *p)
	}
	return list, rows.Err()
}

// InsertRun numbers the run max+1 within its poll. The partial unique index on open runs rejects a
// second open run in the session.
func (r *Repository) InsertRun(ctx context.Context, run *models.PollRun) error {
	const query = `INSERT INTO poll_runs (poll_id, session_id, run_number, status, anonymous, share_results, launched_by, started_at)
		SELECT $1, $2, COALESCE(MAX(run_number), 0) + 1, 'OPEN', $3, $4, $5, $6
		FROM poll_runs WHERE poll_id = $1
		RETURNING id, run_number`
	err := r.pool.QueryRow(ctx, query, run.PollID, run.SessionID, run.Anonymous, string(run.ShareResults), run.LaunchedBy, run.StartedAt).
		Scan(&run.ID, &run.RunNumber)
	if database.IsUniqueViolation(err, "") {
		return apperr.Conflict("another poll is already running in this session")
	}
	if err != nil {
		return fmt.Errorf("insert poll run: %w", err)
	}
	return nil
}

// GetRun returns a run by ID.
func (r *Repository) GetRun(ctx context.Context, id uuid.UUID) (*models.PollRun, error) {
	run, err := scanRun(r.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM poll_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("poll run not found")
	}
	return run, err
}

// OpenRun returns the open run of a session, or nil.
func (r *Repository) OpenRun(ctx context.Context, sessionID uuid.UUID) (*models.PollRun, error) {
	run, err := scanRun(r.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM poll_runs WHERE session_id = $1 AND status = 'OPEN'`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// LatestRun returns the highest numbered run of a poll.
func (r *Repository) LatestRun(ctx context.Context, pollID uuid.UUID) (*models.PollRun, error) {
	run, err := scanRun(r.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM poll_runs WHERE poll_id = $1 ORDER BY run_number DESC LIMIT 1`, pollID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("poll has not been launched")
	}
	return run, err
}

// CloseRun moves an open run to CLOSED.
func (r *Repository) CloseRun(ctx context.Context, id uuid.UUID, at time.Time) (*models.PollRun, bool, error) {
	run, err := scanRun(r.pool.QueryRow(ctx,
		`UPDATE poll_runs SET status = 'CLOSED', ended_at = $2 WHERE id = $1 AND status = 'OPEN' RETURNING `+runColumns, id, at))
	if err == nil {
		return run, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}
	run, err = r.GetRun(ctx, id)
	return run, false, err
}

// InsertResponse stores a response only while its run is open.
func (r *Repository) InsertResponse(ctx context.Context, resp *models.PollResponse) error {
	answers, err := json.Marshal(resp.Answers)
	if err != nil {
		return err
	}
	const query = `INSERT INTO poll_responses (run_id, responder, responder_name, answers, submitted_at)
		SELECT $1, $2, $3, $4, $5
		WHERE EXISTS (SELECT 1 FROM poll_runs WHERE id = $1 AND status = 'OPEN')
		RETURNING id`
	err = r.pool.QueryRow(ctx, query, resp.RunID, resp.ResponderIdentity, resp.ResponderName, answers, resp.SubmittedAt).
		Scan(&resp.ID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return apperr.Validation("poll run is closed")
	case database.IsUniqueViolation(err, ""):
		return apperr.Conflict("already responded to this poll")
	}
	return fmt.Errorf("insert poll response: %w", err)
}

// Responses returns all responses of a run in submission order.
func (r *Repository) Responses(ctx context.Context, runID uuid.UUID) ([]models.PollResponse, error) {
	const query = `SELECT id, run_id, responder, responder_name, answers, submitted_at
		FROM poll_responses WHERE run_id = $1 ORDER BY submitted_at, id`
	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.PollResponse
	for rows.Next() {
		var resp models.PollResponse
		var answers []byte
		if err := rows.Scan(&resp.ID, &resp.RunID, &resp.ResponderIdentity, &resp.ResponderName, &answers, &resp.SubmittedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(answers, &resp.Answers); err != nil {
			return nil, fmt.Errorf("decode answers: %w", err)
		}
		list = append(list, resp)
	}
	return list, rows.Err()
}

func scanPoll(row pgx.Row) (*models.Poll, error) {
	var p models.Poll
	var questions []byte
	if err := row.Scan(&p.ID, &p.SessionID, &p.Title, &questions, &p.CreatedBy, &p.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(questions, &p.Questions); err != nil {
		return nil, fmt.Errorf("decode questions: %w", err)
	}
	return &p, nil
}

func scanRun(row pgx.Row) (*models.PollRun, error) {
	var run models.PollRun
	var status, share string
	if err := row.Scan(&run.ID, &run.PollID, &run.SessionID, &run.RunNumber, &status, &run.Anonymous, &share,
		&run.LaunchedBy, &run.StartedAt, &run.EndedAt); err != nil {
		return nil, err
	}
	run.Status = models.RunStatus(status)
	run.ShareResults = models.ShareMode(share)
	return &run, nil
}
