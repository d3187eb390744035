// Package polls runs live polls: definitions, exclusive runs, responses and result sharing.
package polls

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/livesession/internal/models"
	"github.com/aura-webinar/livesession/pkg/apperr"
)

// Store persists polls, runs and responses.
type Store interface {
	CreatePoll(ctx context.Context, p *models.Poll) error
	GetPoll(ctx context.Context, id uuid.UUID) (*models.Poll, error)
	ListPolls(ctx context.Context, sessionID uuid.UUID) ([]models.Poll, error)
	// InsertRun assigns the next run number and fails with Conflict while the session has an open run.
	InsertRun(ctx context.Context, run *models.PollRun) error
	GetRun(ctx context.Context, id uuid.UUID) (*models.PollRun, error)
	OpenRun(ctx context.Context, sessionID uuid.UUID) (*models.PollRun, error)
	LatestRun(ctx context.Context, pollID uuid.UUID) (*models.PollRun, error)
	// CloseRun closes an open run; the bool reports whether this call closed it.
	CloseRun(ctx context.Context, id uuid.UUID, at time.Time) (*models.PollRun, bool, error)
	// InsertResponse fails with Conflict on a second response and Validation once the run is closed.
	InsertResponse(ctx context.Context, resp *models.PollResponse) error
	Responses(ctx context.Context, runID uuid.UUID) ([]models.PollResponse, error)
}

// Sessions tells whether a session is live and who is admitted to it.
type Sessions interface {
	Get(ctx context.Context, sessionID uuid.UUID) (*models.LiveSession, error)
	IsAdmitted(ctx context.Context, sessionID uuid.UUID, family models.Family, email string) (bool, error)
}

// Broadcaster publishes poll events to a session.
type Broadcaster interface {
	PollStarted(sessionID uuid.UUID, poll *models.Poll, run *models.PollRun)
	PollStopped(sessionID uuid.UUID, run *models.PollRun)
	PollResults(sessionID uuid.UUID, agg *models.Aggregate)
	SubmissionAck(sessionID uuid.UUID, responder string, run *models.PollRun)
}

// Responder is the identity answering a run.
type Responder struct {
	Email string
	Name  string
}

// Respondent is one row of the moderator respondents readout.
type Respondent struct {
	Identity    string    `json:"identity"`
	Name        string    `json:"name,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ActivePoll is the open run of a session with its definition.
type ActivePoll struct {
	Poll *models.Poll    `json:"poll"`
	Run  *models.PollRun `json:"run"`
}

// Engine manages poll runs. At most one run per session is open at a time.
type Engine struct {
	store    Store
	sessions Sessions
	bus      Broadcaster
	now      func() time.Time
	logger   *zap.Logger
}

// NewEngine creates a poll engine. sessions may be nil to skip the ongoing and roster checks.
func NewEngine(store Store, sessions Sessions, bus Broadcaster, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, sessions: sessions, bus: bus, now: time.Now, logger: logger}
}

// CreatePoll validates and stores a poll definition.
func (e *Engine) CreatePoll(ctx context.Context, p *models.Poll) error {
	if err := validatePoll(p); err != nil {
		return err
	}
	return e.store.CreatePoll(ctx, p)
}

// ListPolls returns the poll definitions of a session.
func (e *Engine) ListPolls(ctx context.Context, sessionID uuid.UUID) ([]models.Poll, error) {
	return e.store.ListPolls(ctx, sessionID)
}

// Launch opens a new run of a poll. Fails with Conflict while any run of the session is open.
func (e *Engine) Launch(ctx context.Context, pollID uuid.UUID, settings models.RunSettings, launchedBy *uuid.UUID) (*ActivePoll, error) {
	share, ok := models.ParseShareMode(string(settings.ShareResults))
	if !ok {
		return nil, apperr.Validation("invalid shareResults %q", settings.ShareResults)
	}
	poll, err := e.store.GetPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}
	if e.sessions != nil {
		ls, err := e.sessions.Get(ctx, poll.SessionID)
		if err != nil {
			return nil, err
		}
		if !ls.Ongoing {
			return nil, apperr.Conflict("live session is not ongoing")
		}
	}
	run := &models.PollRun{
		PollID:       poll.ID,
		SessionID:    poll.SessionID,
		Status:       models.RunOpen,
		Anonymous:    settings.Anonymous,
		ShareResults: share,
		LaunchedBy:   launchedBy,
		StartedAt:    e.now().UTC(),
	}
	if err := e.store.InsertRun(ctx, run); err != nil {
		return nil, err
	}
	e.logger.Info("poll launched",
		zap.String("session_id", poll.SessionID.String()),
		zap.String("poll_id", poll.ID.String()),
		zap.Int("run_number", run.RunNumber))
	if e.bus != nil {
		e.bus.PollStarted(poll.SessionID, poll, run)
	}
	return &ActivePoll{Poll: poll, Run: run}, nil
}

// Respond records one identity's answers to a run of sessionID. The responder must be rostered in that
// session. Only the sender is acknowledged; raw answers are never broadcast.
func (e *Engine) Respond(ctx context.Context, sessionID, runID uuid.UUID, who Responder, answers []models.Answer) (*models.PollResponse, error) {
	who.Email = models.NormalizeEmail(who.Email)
	if who.Email == "" {
		return nil, apperr.Validation("responder identity is required")
	}
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.SessionID != sessionID {
		return nil, apperr.NotFound("poll run not found")
	}
	if err := e.requireRostered(ctx, sessionID, who.Email); err != nil {
		return nil, err
	}
	if run.Status != models.RunOpen {
		return nil, apperr.Validation("poll run is closed")
	}
	poll, err := e.store.GetPoll(ctx, run.PollID)
	if err != nil {
		return nil, err
	}
	canon, err := validateAnswers(poll, answers)
	if err != nil {
		return nil, err
	}
	resp := &models.PollResponse{
		RunID:             run.ID,
		ResponderIdentity: who.Email,
		ResponderName:     who.Name,
		Answers:           canon,
		SubmittedAt:       e.now().UTC(),
	}
	if err := e.store.InsertResponse(ctx, resp); err != nil {
		return nil, err
	}
	if e.bus != nil {
		e.bus.SubmissionAck(run.SessionID, who.Email, run)
	}
	if run.ShareResults == models.ShareImmediate {
		e.broadcastResults(ctx, poll, run)
	}
	return resp, nil
}

func (e *Engine) requireRostered(ctx context.Context, sessionID uuid.UUID, email string) error {
	if e.sessions == nil {
		return nil
	}
	for _, family := range []models.Family{models.FamilyParticipant, models.FamilyObserver} {
		ok, err := e.sessions.IsAdmitted(ctx, sessionID, family, email)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return apperr.Forbidden("only admitted attendees may respond")
}

// Stop closes a run. Stopping a closed run returns it unchanged.
func (e *Engine) Stop(ctx context.Context, runID uuid.UUID) (*models.PollRun, error) {
	run, closed, err := e.store.CloseRun(ctx, runID, e.now().UTC())
	if err != nil {
		return nil, err
	}
	if !closed {
		return run, nil
	}
	e.logger.Info("poll stopped",
		zap.String("session_id", run.SessionID.String()),
		zap.String("poll_id", run.PollID.String()),
		zap.Int("run_number", run.RunNumber))
	if e.bus != nil {
		e.bus.PollStopped(run.SessionID, run)
	}
	if run.ShareResults == models.ShareOnStop {
		poll, err := e.store.GetPoll(ctx, run.PollID)
		if err != nil {
			e.logger.Warn("share on stop failed", zap.Error(err))
			return run, nil
		}
		e.broadcastResults(ctx, poll, run)
	}
	return run, nil
}

// StopActive stops the open run of a session, if any.
func (e *Engine) StopActive(ctx context.Context, sessionID uuid.UUID) (*models.PollRun, error) {
	run, err := e.store.OpenRun(ctx, sessionID)
	if err != nil || run == nil {
		return nil, err
	}
	return e.Stop(ctx, run.ID)
}

// Aggregate computes results of a run in any state.
func (e *Engine) Aggregate(ctx context.Context, runID uuid.UUID) (*models.Aggregate, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	poll, err := e.store.GetPoll(ctx, run.PollID)
	if err != nil {
		return nil, err
	}
	return e.aggregate(ctx, poll, run)
}

// Share broadcasts the results of a closed run to the whole session.
func (e *Engine) Share(ctx context.Context, runID uuid.UUID) (*models.Aggregate, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != models.RunClosed {
		return nil, apperr.Validation("poll run must be stopped before sharing")
	}
	poll, err := e.store.GetPoll(ctx, run.PollID)
	if err != nil {
		return nil, err
	}
	agg, err := e.aggregate(ctx, poll, run)
	if err != nil {
		return nil, err
	}
	if e.bus != nil {
		e.bus.PollResults(run.SessionID, agg)
	}
	return agg, nil
}

// Respondents lists who answered a run. Empty for anonymous runs.
func (e *Engine) Respondents(ctx context.Context, runID uuid.UUID) ([]Respondent, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := []Respondent{}
	if run.Anonymous {
		return out, nil
	}
	responses, err := e.store.Responses(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	for _, r := range responses {
		out = append(out, Respondent{Identity: r.ResponderIdentity, Name: r.ResponderName, SubmittedAt: r.SubmittedAt})
	}
	return out, nil
}

// ActiveRun returns the open run of a session, or nil when none is open.
func (e *Engine) ActiveRun(ctx context.Context, sessionID uuid.UUID) (*ActivePoll, error) {
	run, err := e.store.OpenRun(ctx, sessionID)
	if err != nil || run == nil {
		return nil, err
	}
	poll, err := e.store.GetPoll(ctx, run.PollID)
	if err != nil {
		return nil, err
	}
	return &ActivePoll{Poll: poll, Run: run}, nil
}

// LatestRun returns the most recent run of a poll.
func (e *Engine) LatestRun(ctx context.Context, pollID uuid.UUID) (*models.PollRun, error) {
	return e.store.LatestRun(ctx, pollID)
}

func (e *Engine) aggregate(ctx context.Context, poll *models.Poll, run *models.PollRun) (*models.Aggregate, error) {
	responses, err := e.store.Responses(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	agg := Aggregate(poll, run, responses)
	return &agg, nil
}

func (e *Engine) broadcastResults(ctx context.Context, poll *models.Poll, run *models.PollRun) {
	if e.bus == nil {
		return
	}
	agg, err := e.aggregate(ctx, poll, run)
	if err != nil {
		e.logger.Warn("poll results broadcast failed", zap.Error(err), zap.String("run_id", run.ID.String()))
		return
	}
	e.bus.PollResults(run.SessionID, agg)
}
