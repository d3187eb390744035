package activity

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/livesession/internal/models"
)

type memStore struct {
	mu      sync.Mutex
	records []models.UserActivity
}

func (m *memStore) Insert(_ context.Context, a *models.UserActivity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = uuid.New()
	m.records = append(m.records, *a)
	return nil
}

func (m *memStore) LatestOpen(_ context.Context, liveID uuid.UUID, email string) (*models.UserActivity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.UserActivity
	for i := range m.records {
		a := &m.records[i]
		if a.LiveSessionID != liveID || a.Email != email || a.LeaveTime != nil {
			continue
		}
		if best == nil || a.JoinTime.After(best.JoinTime) {
			best = a
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (m *memStore) Close(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.records {
		if m.records[i].ID == id && m.records[i].LeaveTime == nil {
			t := at
			m.records[i].LeaveTime = &t
		}
	}
	return nil
}

func (m *memStore) ListByLiveSession(_ context.Context, liveID uuid.UUID) ([]models.UserActivity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.UserActivity
	for _, a := range m.records {
		if a.LiveSessionID == liveID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinTime.After(out[j].JoinTime) })
	return out, nil
}

func newTestLog(store Store) (*Log, *time.Time) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	l := NewLog(store, nil)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLogJoinIsIdempotentWhileOpen(t *testing.T) {
	store := &memStore{}
	l, _ := newTestLog(store)
	ctx := context.Background()
	liveID, userID := uuid.New(), uuid.New()
	uid := &userID

	require.NoError(t, l.LogJoin(ctx, liveID, uid, "a@x.com", models.RoleParticipant))
	require.NoError(t, l.LogJoin(ctx, liveID, uid, "a@x.com", models.RoleParticipant))

	list, err := l.List(ctx, liveID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestLogLeaveClosesMostRecentOpenRecordOnly(t *testing.T) {
	store := &memStore{}
	l, now := newTestLog(store)
	ctx := context.Background()
	liveID, userID := uuid.New(), uuid.New()
	uid := &userID

	require.NoError(t, l.LogJoin(ctx, liveID, uid, "a@x.com", models.RoleParticipant))
	*now = now.Add(time.Minute)
	require.NoError(t, l.LogLeave(ctx, liveID, "a@x.com"))
	*now = now.Add(time.Minute)
	require.NoError(t, l.LogJoin(ctx, liveID, uid, "a@x.com", models.RoleParticipant))
	*now = now.Add(90 * time.Second)
	require.NoError(t, l.LogLeave(ctx, liveID, "a@x.com"))

	list, err := l.List(ctx, liveID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(90), list[0].WatchSeconds())
	assert.Equal(t, int64(60), list[1].WatchSeconds())
}

func TestLogLeaveWithoutOpenRecordIsNoop(t *testing.T) {
	store := &memStore{}
	l, _ := newTestLog(store)
	ctx := context.Background()
	liveID, userID := uuid.New(), uuid.New()
	uid := &userID

	require.NoError(t, l.LogLeave(ctx, liveID, "a@x.com"))
	require.NoError(t, l.LogJoin(ctx, liveID, uid, "a@x.com", models.RoleObserver))
	require.NoError(t, l.LogLeave(ctx, liveID, "a@x.com"))
	first := store.records[0].LeaveTime
	require.NoError(t, l.LogLeave(ctx, liveID, "a@x.com"))

	assert.Equal(t, first, store.records[0].LeaveTime)
}

func TestLogJoinWithoutUserIDIsKeyedByEmail(t *testing.T) {
	store := &memStore{}
	l, now := newTestLog(store)
	ctx := context.Background()
	liveID := uuid.New()

	require.NoError(t, l.LogJoin(ctx, liveID, nil, "Guest@X.com", models.RoleObserver))
	require.NoError(t, l.LogJoin(ctx, liveID, nil, "guest@x.com", models.RoleObserver))
	*now = now.Add(30 * time.Second)
	require.NoError(t, l.LogLeave(ctx, liveID, "GUEST@x.com"))

	list, err := l.List(ctx, liveID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].UserID)
	assert.Equal(t, "guest@x.com", list[0].Email)
	assert.Equal(t, int64(30), list[0].WatchSeconds())
}

func TestLogJoinRequiresEmail(t *testing.T) {
	l, _ := newTestLog(&memStore{})
	err := l.LogJoin(context.Background(), uuid.New(), nil, " ", models.RoleParticipant)
	assert.Error(t, err)
}
