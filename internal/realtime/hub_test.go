package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/livesession/internal/auth"
	"github.com/aura-webinar/livesession/internal/models"
	"github.com/aura-webinar/livesession/pkg/apperr"
)

// loopback is an in-memory stand-in for Redis pub/sub shared by several hubs.
type loopback struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[int]func([]byte)
	next int
	fail bool
}

func newLoopback() *loopback { return &loopback{subs: map[uuid.UUID]map[int]func([]byte){}} }

func (l *loopback) PublishSessionOp(sessionID uuid.UUID, payload []byte) error {
	l.mu.Lock()
	if l.fail {
		l.mu.Unlock()
		return errors.New("redis down")
	}
	var handlers []func([]byte)
	for _, h := range l.subs[sessionID] {
		handlers = append(handlers, h)
	}
	l.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
	return nil
}

func (l *loopback) SubscribeSession(sessionID uuid.UUID, handler func([]byte)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs[sessionID] == nil {
		l.subs[sessionID] = map[int]func([]byte){}
	}
	id := l.next
	l.next++
	l.subs[sessionID][id] = handler
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs[sessionID], id)
	}, nil
}

// gatedBus holds SubscribeSession for one session until released.
type gatedBus struct {
	*loopback
	gated   uuid.UUID
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedBus) SubscribeSession(sessionID uuid.UUID, handler func([]byte)) (func(), error) {
	if sessionID == g.gated {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return g.loopback.SubscribeSession(sessionID, handler)
}

func newGatedBus(gated uuid.UUID) *gatedBus {
	return &gatedBus{loopback: newLoopback(), gated: gated, entered: make(chan struct{}), release: make(chan struct{})}
}

func (l *loopback) handlers(sessionID uuid.UUID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs[sessionID])
}

func connect(h *Hub, sessionID uuid.UUID, email string, role models.Role) *Client {
	c := NewClient(h, sessionID, auth.Identity{UserID: uuid.New(), Email: email, Role: role}, nil)
	h.Register(c)
	return c
}

func drain(c *Client) []WSMessage {
	var out []WSMessage
	for {
		select {
		case m := <-c.Outbox():
			out = append(out, m)
		default:
			return out
		}
	}
}

func events(msgs []WSMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Event)
	}
	return out
}

func TestHubRoutesByGroupIdentityAndSession(t *testing.T) {
	h := NewHub(nil, nil, nil)
	sid := uuid.New()
	alice1 := connect(h, sid, "alice@x.com", models.RoleParticipant)
	alice2 := connect(h, sid, "Alice@x.com", models.RoleParticipant)
	bob := connect(h, sid, "bob@x.com", models.RoleObserver)
	other := connect(h, uuid.New(), "alice@x.com", models.RoleParticipant)

	h.JoinGroup(sid, "alice@x.com", GroupMain)
	h.JoinGroup(sid, "bob@x.com", GroupObserver)
	h.JoinGroup(sid, "ghost@x.com", GroupMain)

	h.EmitToGroup(sid, GroupMain, "chat:new", map[string]string{"text": "hi"})
	h.EmitToIdentity(sid, "bob@x.com", "observer:list", nil)
	h.EmitToSession(sid, "session:ended", nil)

	assert.Equal(t, []string{"chat:new", "session:ended"}, events(drain(alice1)))
	assert.Equal(t, []string{"chat:new", "session:ended"}, events(drain(alice2)))
	assert.Equal(t, []string{"observer:list", "session:ended"}, events(drain(bob)))
	assert.Empty(t, drain(other))
	assert.Equal(t, []string{GroupMain}, h.Groups(sid, "alice@x.com"))
	assert.Empty(t, h.Groups(sid, "ghost@x.com"), "identities without a connection are not tracked")
}

func TestHubUnregisterReportsLastConnection(t *testing.T) {
	h := NewHub(nil, nil, nil)
	sid := uuid.New()
	c1 := connect(h, sid, "alice@x.com", models.RoleParticipant)
	c2 := connect(h, sid, "alice@x.com", models.RoleParticipant)
	h.JoinGroup(sid, "alice@x.com", GroupWaiting)

	assert.False(t, h.Unregister(c1))
	assert.Equal(t, []string{GroupWaiting}, h.Groups(sid, "alice@x.com"))
	assert.True(t, h.Unregister(c2))
	assert.Empty(t, h.Groups(sid, "alice@x.com"))
	assert.Equal(t, 0, h.ConnectionCount(sid))

	h.LeaveGroup(sid, "alice@x.com", GroupWaiting)
	c3 := connect(h, sid, "alice@x.com", models.RoleParticipant)
	h.JoinGroup(sid, "alice@x.com", GroupMain)
	h.LeaveGroup(sid, "alice@x.com", GroupMain)
	h.EmitToGroup(sid, GroupMain, "chat:new", nil)
	assert.Empty(t, drain(c3))
}

func TestHubsShareOperationsThroughPubSub(t *testing.T) {
	bus := newLoopback()
	h1 := NewHub(nil, bus, bus)
	h2 := NewHub(nil, bus, bus)
	sid := uuid.New()
	alice := connect(h1, sid, "alice@x.com", models.RoleParticipant)
	bob := connect(h2, sid, "bob@x.com", models.RoleParticipant)

	// a join published from instance 1 applies where bob is connected
	h1.JoinGroup(sid, "bob@x.com", GroupMain)
	h1.JoinGroup(sid, "alice@x.com", GroupMain)
	h1.EmitToGroup(sid, GroupMain, "chat:new", json.RawMessage(`{"n":1}`))
	h2.EmitToSession(sid, "breakouts:changed", nil)

	a, b := drain(alice), drain(bob)
	assert.Equal(t, []string{"chat:new", "breakouts:changed"}, events(a), "exactly once, publisher included")
	assert.Equal(t, []string{"chat:new", "breakouts:changed"}, events(b))
	assert.JSONEq(t, `{"n":1}`, string(a[0].Data))

	h2.Unregister(bob)
	h2.EmitToSession(sid, "session:ended", nil)
	assert.Equal(t, []string{"session:ended"}, events(drain(alice)))
	assert.Empty(t, drain(bob))
}

func TestHubFallsBackToLocalWhenPublishFails(t *testing.T) {
	bus := newLoopback()
	h := NewHub(nil, bus, bus)
	sid := uuid.New()
	c := connect(h, sid, "alice@x.com", models.RoleParticipant)
	bus.fail = true

	h.EmitToIdentity(sid, "alice@x.com", "poll:submission:ack", nil)
	assert.Equal(t, []string{"poll:submission:ack"}, events(drain(c)))
}

type stubDispatcher struct {
	result interface{}
	err    error
}

func (s stubDispatcher) OnConnect(context.Context, *Client) error    { return nil }
func (s stubDispatcher) OnDisconnect(context.Context, *Client, bool) {}
func (s stubDispatcher) Handle(context.Context, *Client, string, json.RawMessage) (interface{}, error) {
	return s.result, s.err
}

func TestDispatchAcknowledges(t *testing.T) {
	h := NewHub(nil, nil, nil)
	c := connect(h, uuid.New(), "alice@x.com", models.RoleParticipant)

	c.Dispatch(stubDispatcher{result: map[string]bool{"ok": true}}, WSMessage{Event: "chat:send", AckID: "7"})
	msgs := drain(c)
	require.Len(t, msgs, 1)
	assert.Equal(t, EventAck, msgs[0].Event)
	assert.Equal(t, "7", msgs[0].AckID)
	assert.JSONEq(t, `{"ok":true}`, string(msgs[0].Data))

	c.Dispatch(stubDispatcher{err: apperr.Forbidden("Observer may not use main chat")}, WSMessage{Event: "chat:send", AckID: "8"})
	msgs = drain(c)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"ok":false,"error":"Observer may not use main chat","code":"forbidden"}`, string(msgs[0].Data))

	c.Dispatch(stubDispatcher{err: errors.New("boom")}, WSMessage{Event: "chat:send"})
	msgs = drain(c)
	require.Len(t, msgs, 1)
	assert.Equal(t, EventError, msgs[0].Event)
	assert.JSONEq(t, `{"ok":false,"error":"internal error","code":"internal"}`, string(msgs[0].Data))

	c.Dispatch(stubDispatcher{}, WSMessage{Event: "observer:list:get"})
	assert.Empty(t, drain(c), "no ack requested, nothing failed")
}

func TestHubMoveGroupAndMultiGroupEmit(t *testing.T) {
	h := NewHub(nil, nil, nil)
	sid := uuid.New()
	mod := connect(h, sid, "mod@x.com", models.RoleModerator)
	p := connect(h, sid, "p@x.com", models.RoleParticipant)
	h.JoinGroup(sid, "mod@x.com", GroupMain)
	h.JoinGroup(sid, "mod@x.com", GroupModerators)
	h.JoinGroup(sid, "p@x.com", GroupWaiting)

	h.MoveGroup(sid, "p@x.com", []string{GroupWaiting}, "", GroupMain)
	assert.Equal(t, []string{GroupMain}, h.Groups(sid, "p@x.com"))

	h.JoinGroup(sid, "p@x.com", BreakoutGroup(1))
	h.MoveGroup(sid, "p@x.com", []string{GroupMain}, "breakout:", BreakoutGroup(2))
	assert.Equal(t, []string{BreakoutGroup(2)}, h.Groups(sid, "p@x.com"))

	h.EmitToGroups(sid, []string{GroupMain, GroupModerators, BreakoutGroup(2)}, "chat:new", nil)
	assert.Len(t, drain(mod), 1, "one delivery per identity across groups")
	assert.Len(t, drain(p), 1)
}

func TestSlowSubscribeDoesNotBlockOtherSessions(t *testing.T) {
	slow, fast := uuid.New(), uuid.New()
	bus := newGatedBus(slow)
	h := NewHub(nil, bus, bus)

	registered := make(chan struct{})
	go func() {
		connect(h, slow, "alice@x.com", models.RoleParticipant)
		close(registered)
	}()
	<-bus.entered

	delivered := make(chan []WSMessage, 1)
	go func() {
		bob := connect(h, fast, "bob@x.com", models.RoleParticipant)
		h.JoinGroup(fast, "bob@x.com", GroupMain)
		h.EmitToGroup(fast, GroupMain, "chat:new", nil)
		delivered <- drain(bob)
	}()
	select {
	case msgs := <-delivered:
		assert.Equal(t, []string{"chat:new"}, events(msgs))
	case <-time.After(time.Second):
		t.Fatal("emit to another session waited on a pending subscribe")
	}

	close(bus.release)
	<-registered
	assert.Equal(t, 1, bus.handlers(slow))
}

func TestSubscribeCompletingAfterRoomEmptiedIsCancelled(t *testing.T) {
	sid := uuid.New()
	bus := newGatedBus(sid)
	h := NewHub(nil, bus, bus)

	c := NewClient(h, sid, auth.Identity{UserID: uuid.New(), Email: "alice@x.com", Role: models.RoleParticipant}, nil)
	registered := make(chan struct{})
	go func() {
		h.Register(c)
		close(registered)
	}()
	<-bus.entered
	assert.True(t, h.Unregister(c))

	close(bus.release)
	<-registered
	assert.Equal(t, 0, bus.handlers(sid), "late subscription is dropped")

	connect(h, sid, "bob@x.com", models.RoleParticipant)
	assert.Equal(t, 1, bus.handlers(sid))
}
