// Package livesessions owns the per-session state machine and waiting-room admission.
package livesessions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aura-webinar/livesession/internal/models"
	"github.com/aura-webinar/livesession/pkg/apperr"
)

// Store persists live sessions and their member lists.
type Store interface {
	Ensure(ctx context.Context, sessionID uuid.UUID) (*models.LiveSession, error)
	Get(ctx context.Context, sessionID uuid.UUID) (*models.LiveSession, error)
	Start(ctx context.Context, sessionID uuid.UUID, at time.Time) (*models.LiveSession, error)
	End(ctx context.Context, sessionID uuid.UUID, at time.Time) (*models.LiveSession, error)
	Place(ctx context.Context, liveSessionID uuid.UUID, placements []models.Placement) (int, error)
	Promote(ctx context.Context, liveSessionID uuid.UUID, family models.Family, email string) (bool, error)
	RemoveWaiting(ctx context.Context, liveSessionID uuid.UUID, email string) (int, error)
	Members(ctx context.Context, liveSessionID uuid.UUID) (models.Lists, error)
}

// ActivityLog is the presence log used on admission and for history.
type ActivityLog interface {
	LogJoin(ctx context.Context, liveSessionID uuid.UUID, userID *uuid.UUID, email string, role models.Role) error
	List(ctx context.Context, liveSessionID uuid.UUID) ([]models.UserActivity, error)
}

// ChatArchive returns every chat message of a live session, all scopes.
type ChatArchive interface {
	SessionMessages(ctx context.Context, sessionID uuid.UUID) ([]models.ChatMessage, error)
}

// EndHook runs after a session ended (close breakouts, stop polls, flush chat, archive).
type EndHook func(ctx context.Context, ls *models.LiveSession)

// Entrant is an identity arriving at a session.
type Entrant struct {
	UserID *uuid.UUID
	Email  string
	Name   string
	Role   models.Role
}

// History is the audit readout of one live session.
type History struct {
	LiveSession *models.LiveSession   `json:"live_session"`
	Activity    []models.UserActivity `json:"activity"`
	Chat        []models.ChatMessage  `json:"chat"`
}

// Service implements the LiveSession state machine and admission.
type Service struct {
	store    Store
	activity ActivityLog
	chat     ChatArchive
	endHooks []EndHook
	now      func() time.Time
	logger   *zap.Logger
}

// NewService creates a live session service.
func NewService(store Store, activity ActivityLog, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, activity: activity, now: time.Now, logger: logger}
}

// SetChatArchive sets the chat source for History.
func (s *Service) SetChatArchive(chat ChatArchive) { s.chat = chat }

// OnEnd registers hooks run after End, in order.
func (s *Service) OnEnd(hooks ...EndHook) { s.endHooks = append(s.endHooks, hooks...) }

// Ensure returns the live session of a scheduled session, creating it on first use.
func (s *Service) Ensure(ctx context.Context, sessionID uuid.UUID) (*models.LiveSession, error) {
	return s.store.Ensure(ctx, sessionID)
}

// Get returns the live session without its lists.
func (s *Service) Get(ctx context.Context, sessionID uuid.UUID) (*models.LiveSession, error) {
	return s.store.Get(ctx, sessionID)
}

// Snapshot returns the live session with its four lists.
func (s *Service) Snapshot(ctx context.Context, sessionID uuid.UUID) (*models.LiveSession, error) {
	ls, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	lists, err := s.store.Members(ctx, ls.ID)
	if err != nil {
		return nil, err
	}
	applyLists(ls, lists)
	return ls, nil
}

// Start moves WAITING to ACTIVE. Starting an ACTIVE session is a no-op; an ENDED session cannot restart.
func (s *Service) Start(ctx context.Context, sessionID uuid.UUID) (*models.LiveSession, error) {
	ls, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if ls.State() == models.StateEnded {
		return nil, apperr.Conflict("live session has ended")
	}
	ls, err = s.store.Start(ctx, sessionID, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info("live session started", zap.String("session_id", sessionID.String()))
	return ls, nil
}

// End moves WAITING or ACTIVE to ENDED and runs end hooks. Ending twice keeps the first end time.
func (s *Service) End(ctx context.Context, sessionID uuid.UUID) (*models.LiveSession, error) {
	if _, err := s.store.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	ls, err := s.store.End(ctx, sessionID, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info("live session ended", zap.String("session_id", sessionID.String()))
	// teardown outlives the request that ended the session
	hookCtx := context.WithoutCancel(ctx)
	for _, hook := range s.endHooks {
		hook(hookCtx, ls)
	}
	return ls, nil
}

// Enqueue routes an arriving identity: participants and observers to their waiting list, moderators and
// admins straight into both rosters. An identity already waiting or rostered is left unchanged.
// The bool reports whether anything was inserted.
func (s *Service) Enqueue(ctx context.Context, sessionID uuid.UUID, e Entrant) (models.Lists, bool, error) {
	e.Email = models.NormalizeEmail(e.Email)
	if e.Email == "" {
		return models.Lists{}, false, apperr.Validation("email is required")
	}
	placements, err := placementsFor(e, s.now())
	if err != nil {
		return models.Lists{}, false, err
	}
	ls, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return models.Lists{}, false, err
	}
	inserted, err := s.store.Place(ctx, ls.ID, placements)
	if err != nil {
		return models.Lists{}, false, err
	}
	if inserted > 0 && s.activity != nil {
		if err := s.activity.LogJoin(ctx, ls.ID, e.UserID, e.Email, e.Role); err != nil {
			s.logger.Warn("activity join failed", zap.Error(err), zap.String("session_id", sessionID.String()))
		}
	}
	lists, err := s.store.Members(ctx, ls.ID)
	return lists, inserted > 0, err
}

// Admit promotes a waiting identity into its family's roster. Admitting a rostered identity is a no-op.
func (s *Service) Admit(ctx context.Context, sessionID uuid.UUID, family models.Family, email string) (models.Lists, error) {
	email = models.NormalizeEmail(email)
	if email == "" {
		return models.Lists{}, apperr.Validation("email is required")
	}
	if family != models.FamilyParticipant && family != models.FamilyObserver {
		return models.Lists{}, apperr.Validation("invalid family %q", family)
	}
	ls, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return models.Lists{}, err
	}
	found, err := s.store.Promote(ctx, ls.ID, family, email)
	if err != nil {
		return models.Lists{}, err
	}
	if !found {
		return models.Lists{}, apperr.NotFound("%s is not in the %s waiting room", email, family)
	}
	return s.store.Members(ctx, ls.ID)
}

// LeaveWaiting removes an identity from both waiting lists. Rosters are kept so reconnects skip the queue.
func (s *Service) LeaveWaiting(ctx context.Context, sessionID uuid.UUID, email string) (models.Lists, error) {
	ls, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return models.Lists{}, err
	}
	if _, err := s.store.RemoveWaiting(ctx, ls.ID, models.NormalizeEmail(email)); err != nil {
		return models.Lists{}, err
	}
	return s.store.Members(ctx, ls.ID)
}

// Lists returns the four current lists.
func (s *Service) Lists(ctx context.Context, sessionID uuid.UUID) (models.Lists, error) {
	ls, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return models.Lists{}, err
	}
	return s.store.Members(ctx, ls.ID)
}

// IsAdmitted reports whether email is in the roster of family.
func (s *Service) IsAdmitted(ctx context.Context, sessionID uuid.UUID, family models.Family, email string) (bool, error) {
	lists, err := s.Lists(ctx, sessionID)
	if err != nil {
		return false, err
	}
	roster := lists.ParticipantsList
	if family == models.FamilyObserver {
		roster = lists.ObserverList
	}
	return containsEmail(roster, models.NormalizeEmail(email)), nil
}

// Observers returns rostered identities with the Observer role.
func (s *Service) Observers(ctx context.Context, sessionID uuid.UUID) ([]models.Member, error) {
	lists, err := s.Lists(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]models.Member, 0, len(lists.ObserverList))
	for _, m := range lists.ObserverList {
		if m.Role == models.RoleObserver {
			out = append(out, m)
		}
	}
	return out, nil
}

// Moderators returns rostered moderators and admins.
func (s *Service) Moderators(ctx context.Context, sessionID uuid.UUID) ([]models.Member, error) {
	lists, err := s.Lists(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]models.Member, 0)
	for _, m := range lists.ParticipantsList {
		if m.Role.IsModerator() {
			out = append(out, m)
		}
	}
	return out, nil
}

// History returns the live session with its lists, activity and chat in one read.
func (s *Service) History(ctx context.Context, sessionID uuid.UUID) (*History, error) {
	ls, err := s.Snapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	h := &History{LiveSession: ls}
	g, gctx := errgroup.WithContext(ctx)
	if s.activity != nil {
		g.Go(func() error {
			list, err := s.activity.List(gctx, ls.ID)
			h.Activity = list
			return err
		})
	}
	if s.chat != nil {
		g.Go(func() error {
			msgs, err := s.chat.SessionMessages(gctx, sessionID)
			h.Chat = msgs
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return h, nil
}

func placementsFor(e Entrant, now time.Time) ([]models.Placement, error) {
	m := models.Member{Email: e.Email, Name: e.Name, Role: e.Role, JoinedAt: now, UserID: e.UserID}
	switch e.Role {
	case models.RoleParticipant:
		return []models.Placement{{Family: models.FamilyParticipant, List: models.ListWaiting, Member: m}}, nil
	case models.RoleObserver:
		return []models.Placement{{Family: models.FamilyObserver, List: models.ListWaiting, Member: m}}, nil
	case models.RoleModerator, models.RoleAdmin:
		return []models.Placement{
			{Family: models.FamilyObserver, List: models.ListRoster, Member: m},
			{Family: models.FamilyParticipant, List: models.ListRoster, Member: m},
		}, nil
	}
	return nil, apperr.Validation("invalid role %q", e.Role)
}

func applyLists(ls *models.LiveSession, lists models.Lists) {
	ls.ParticipantWaitingRoom = lists.ParticipantWaitingRoom
	ls.ObserverWaitingRoom = lists.ObserverWaitingRoom
	ls.ParticipantsList = lists.ParticipantsList
	ls.ObserverList = lists.ObserverList
}

func containsEmail(list []models.Member, email string) bool {
	for _, m := range list {
		if m.Email == email {
			return true
		}
	}
	return false
}
