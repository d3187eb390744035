package realtime

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// Routing groups of a session.
const (
	GroupWaiting    = "waiting"
	GroupMain       = "main"
	GroupObserver   = "observer"
	GroupModerators = "moderators"
)

// BreakoutGroup is the routing group of breakout room index.
func BreakoutGroup(index int) string {
	return "breakout:" + strconv.Itoa(index)
}

// Publisher publishes hub operations to other instances.
type Publisher interface {
	PublishSessionOp(sessionID uuid.UUID, payload []byte) error
}

// Subscriber subscribes to a session channel and invokes handler for each operation.
type Subscriber interface {
	SubscribeSession(sessionID uuid.UUID, handler func(payload []byte)) (cancel func(), err error)
}

const (
	opGroup    = "group"
	opIdentity = "identity"
	opSession  = "session"
	opJoin     = "join"
	opLeave    = "leave"
	opMove     = "move"
)

// busOp is one hub operation. With a Publisher configured every operation travels through it and is
// applied by each subscribed instance, the publisher included, so delivery happens exactly once.
type busOp struct {
	Op       string          `json:"op"`
	Group    string          `json:"group,omitempty"`
	Groups   []string        `json:"groups,omitempty"`
	Prefix   string          `json:"prefix,omitempty"`
	Identity string          `json:"identity,omitempty"`
	Event    string          `json:"event,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	At       int64           `json:"at"`
}

// room holds the local connections of one session. Group membership is per identity:
// every connection of an identity receives what its groups receive.
type room struct {
	clients    map[string]*Client
	byIdentity map[string]map[string]*Client
	groups     map[string]map[string]bool
}

func newRoom() *room {
	return &room{
		clients:    make(map[string]*Client),
		byIdentity: make(map[string]map[string]*Client),
		groups:     make(map[string]map[string]bool),
	}
}

// subscription is the bus subscription of one session. ready closes once SubscribeSession returned.
type subscription struct {
	ready  chan struct{}
	cancel func()
}

// Hub maintains session_id -> local connections and routes events to groups and identities.
type Hub struct {
	rooms  map[uuid.UUID]*room
	subs   map[uuid.UUID]*subscription
	mu     sync.RWMutex
	logger *zap.Logger
	pub    Publisher
	sub    Subscriber
}

// NewHub creates a hub. pub and sub are nil for a single instance.
func NewHub(logger *zap.Logger, pub Publisher, sub Subscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:  make(map[uuid.UUID]*room),
		subs:   make(map[uuid.UUID]*subscription),
		logger: logger,
		pub:    pub,
		sub:    sub,
	}
}

// Register adds a connection to its session room. Starts the Redis subscription for the session if first
// and returns once the subscription is in place. Subscribing happens outside the hub lock.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	r, ok := h.rooms[c.SessionID]
	if !ok {
		r = newRoom()
		h.rooms[c.SessionID] = r
	}
	var sub *subscription
	first := false
	if h.sub != nil {
		if sub = h.subs[c.SessionID]; sub == nil {
			sub = &subscription{ready: make(chan struct{})}
			h.subs[c.SessionID] = sub
			first = true
		}
	}
	r.clients[c.ID] = c
	if r.byIdentity[c.Email] == nil {
		r.byIdentity[c.Email] = make(map[string]*Client)
	}
	r.byIdentity[c.Email][c.ID] = c
	h.mu.Unlock()

	if first {
		h.subscribe(c.SessionID, sub)
	}
	if sub != nil {
		<-sub.ready
	}
	h.logger.Debug("client joined session", zap.String("client_id", c.ID), zap.String("session_id", c.SessionID.String()))
}

// subscribe opens the bus subscription of a session. A subscription whose room emptied meanwhile is
// cancelled at once; a failed one is forgotten so the next Register retries.
func (h *Hub) subscribe(sessionID uuid.UUID, s *subscription) {
	defer close(s.ready)
	cancel, err := h.sub.SubscribeSession(sessionID, func(payload []byte) {
		var op busOp
		if err := json.Unmarshal(payload, &op); err != nil {
			h.logger.Warn("bad hub op", zap.Error(err))
			return
		}
		h.apply(sessionID, op)
	})
	h.mu.Lock()
	current := h.subs[sessionID] == s
	switch {
	case err != nil && current:
		delete(h.subs, sessionID)
	case err == nil && current:
		s.cancel = cancel
	}
	h.mu.Unlock()
	if err != nil {
		h.logger.Error("session subscribe failed", zap.Error(err), zap.String("session_id", sessionID.String()))
		return
	}
	if !current {
		cancel()
	}
}

// Unregister removes a connection. It reports whether it was the identity's last local connection,
// in which case the identity also leaves every group.
func (h *Hub) Unregister(c *Client) (last bool) {
	var cancel func()
	h.mu.Lock()
	if r, ok := h.rooms[c.SessionID]; ok {
		delete(r.clients, c.ID)
		if conns := r.byIdentity[c.Email]; conns != nil {
			delete(conns, c.ID)
			if len(conns) == 0 {
				last = true
				delete(r.byIdentity, c.Email)
				for _, members := range r.groups {
					delete(members, c.Email)
				}
			}
		}
		if len(r.clients) == 0 {
			delete(h.rooms, c.SessionID)
			if s, ok := h.subs[c.SessionID]; ok {
				cancel = s.cancel
				delete(h.subs, c.SessionID)
			}
		}
	}
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.logger.Debug("client left session", zap.String("client_id", c.ID), zap.String("session_id", c.SessionID.String()))
	return last
}

// JoinGroup adds an identity to a routing group.
func (h *Hub) JoinGroup(sessionID uuid.UUID, identity, group string) {
	h.dispatch(sessionID, busOp{Op: opJoin, Identity: identity, Group: group})
}

// LeaveGroup removes an identity from a routing group.
func (h *Hub) LeaveGroup(sessionID uuid.UUID, identity, group string) {
	h.dispatch(sessionID, busOp{Op: opLeave, Identity: identity, Group: group})
}

// MoveGroup takes an identity out of the from groups and of every group starting with fromPrefix,
// then adds it to group to. Applied as one step on every instance.
func (h *Hub) MoveGroup(sessionID uuid.UUID, identity string, from []string, fromPrefix, to string) {
	h.dispatch(sessionID, busOp{Op: opMove, Identity: identity, Groups: from, Prefix: fromPrefix, Group: to})
}

// EmitToGroup sends an event to every connection of every identity in group.
func (h *Hub) EmitToGroup(sessionID uuid.UUID, group, event string, payload interface{}) {
	h.EmitToGroups(sessionID, []string{group}, event, payload)
}

// EmitToGroups sends an event once to every connection of every identity in any of groups.
func (h *Hub) EmitToGroups(sessionID uuid.UUID, groups []string, event string, payload interface{}) {
	h.emit(sessionID, busOp{Op: opGroup, Groups: groups, Event: event}, payload)
}

// EmitToIdentity sends an event to every connection of one identity.
func (h *Hub) EmitToIdentity(sessionID uuid.UUID, identity, event string, payload interface{}) {
	h.emit(sessionID, busOp{Op: opIdentity, Identity: identity, Event: event}, payload)
}

// EmitToSession sends an event to every connection of a session.
func (h *Hub) EmitToSession(sessionID uuid.UUID, event string, payload interface{}) {
	h.emit(sessionID, busOp{Op: opSession, Event: event}, payload)
}

// ConnectionCount returns the number of local connections in a session.
func (h *Hub) ConnectionCount(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r, ok := h.rooms[sessionID]; ok {
		return len(r.clients)
	}
	return 0
}

// Groups returns the groups an identity is in, sorted.
func (h *Hub) Groups(sessionID uuid.UUID, identity string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	if r, ok := h.rooms[sessionID]; ok {
		for g, members := range r.groups {
			if members[identity] {
				out = append(out, g)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (h *Hub) emit(sessionID uuid.UUID, op busOp, payload interface{}) {
	data, err := marshalPayload(payload)
	if err != nil {
		h.logger.Warn("emit marshal failed", zap.Error(err), zap.String("event", op.Event))
		return
	}
	op.Data = data
	h.dispatch(sessionID, op)
}

// dispatch publishes an op, or applies it locally when there is no publisher or publishing fails.
func (h *Hub) dispatch(sessionID uuid.UUID, op busOp) {
	if h.pub != nil {
		op.At = time.Now().Unix()
		body, err := json.Marshal(op)
		if err == nil {
			if err = h.pub.PublishSessionOp(sessionID, body); err == nil {
				return
			}
		}
		h.logger.Warn("hub publish failed, applying locally", zap.Error(err), zap.String("session_id", sessionID.String()))
	}
	h.apply(sessionID, op)
}

func (h *Hub) apply(sessionID uuid.UUID, op busOp) {
	switch op.Op {
	case opJoin, opLeave, opMove:
		h.mu.Lock()
		defer h.mu.Unlock()
		r, ok := h.rooms[sessionID]
		if !ok || r.byIdentity[op.Identity] == nil {
			return
		}
		switch op.Op {
		case opLeave:
			delete(r.groups[op.Group], op.Identity)
			return
		case opMove:
			for _, g := range op.Groups {
				delete(r.groups[g], op.Identity)
			}
			if op.Prefix != "" {
				for g, members := range r.groups {
					if strings.HasPrefix(g, op.Prefix) {
						delete(members, op.Identity)
					}
				}
			}
		}
		if r.groups[op.Group] == nil {
			r.groups[op.Group] = make(map[string]bool)
		}
		r.groups[op.Group][op.Identity] = true
		return
	}

	msg := WSMessage{Event: op.Event, Data: op.Data}
	h.mu.RLock()
	r, ok := h.rooms[sessionID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	var targets []*Client
	switch op.Op {
	case opSession:
		for _, c := range r.clients {
			targets = append(targets, c)
		}
	case opIdentity:
		for _, c := range r.byIdentity[op.Identity] {
			targets = append(targets, c)
		}
	case opGroup:
		seen := make(map[string]bool)
		for _, g := range op.Groups {
			for identity := range r.groups[g] {
				if seen[identity] {
					continue
				}
				seen[identity] = true
				for _, c := range r.byIdentity[identity] {
					targets = append(targets, c)
				}
			}
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.enqueue(msg)
	}
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	}
	return json.Marshal(payload)
}
