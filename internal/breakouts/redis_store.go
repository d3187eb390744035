package breakouts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aura-webinar/livesession/internal/models"
	"github.com/aura-webinar/livesession/pkg/apperr"
)

const (
	keyPrefix   = "breakout:"
	registryTTL = 48 * time.Hour
)

// RedisStore keeps the breakout registry in Redis:
// an INCR sequence per session, a hash of rooms by index and a hash of email -> index.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed breakout registry.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func seqKey(sessionID uuid.UUID) string    { return keyPrefix + sessionID.String() + ":seq" }
func roomsKey(sessionID uuid.UUID) string  { return keyPrefix + sessionID.String() + ":rooms" }
func assignKey(sessionID uuid.UUID) string { return keyPrefix + sessionID.String() + ":assign" }

// NextIndex returns the next room index; the sequence is never reset while the key lives.
func (s *RedisStore) NextIndex(ctx context.Context, sessionID uuid.UUID) (int, error) {
	n, err := s.client.Incr(ctx, seqKey(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("incr breakout seq: %w", err)
	}
	s.client.Expire(ctx, seqKey(sessionID), registryTTL)
	return int(n), nil
}

// Save stores a room. Members are kept in the assignment hash, not in the room record.
func (s *RedisStore) Save(ctx context.Context, room *models.BreakoutRoom) error {
	rec := *room
	rec.Members = nil
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, roomsKey(room.SessionID), strconv.Itoa(room.Index), body)
		p.Expire(ctx, roomsKey(room.SessionID), registryTTL)
		return nil
	})
	return err
}

// Get returns an open room with its members.
func (s *RedisStore) Get(ctx context.Context, sessionID uuid.UUID, index int) (*models.BreakoutRoom, error) {
	body, err := s.client.HGet(ctx, roomsKey(sessionID), strconv.Itoa(index)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperr.NotFound("breakout room %d not found", index)
	}
	if err != nil {
		return nil, fmt.Errorf("get breakout: %w", err)
	}
	var room models.BreakoutRoom
	if err := json.Unmarshal(body, &room); err != nil {
		return nil, fmt.Errorf("decode breakout: %w", err)
	}
	assignments, err := s.assignments(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	room.Members = assignments[index]
	if room.Members == nil {
		room.Members = []string{}
	}
	return &room, nil
}

// List returns all open rooms ordered by index.
func (s *RedisStore) List(ctx context.Context, sessionID uuid.UUID) ([]models.BreakoutRoom, error) {
	raw, err := s.client.HGetAll(ctx, roomsKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list breakouts: %w", err)
	}
	assignments, err := s.assignments(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	rooms := make([]models.BreakoutRoom, 0, len(raw))
	for _, body := range raw {
		var room models.BreakoutRoom
		if err := json.Unmarshal([]byte(body), &room); err != nil {
			return nil, fmt.Errorf("decode breakout: %w", err)
		}
		room.Members = assignments[room.Index]
		if room.Members == nil {
			room.Members = []string{}
		}
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Index < rooms[j].Index })
	return rooms, nil
}

// Delete removes a room and the assignments pointing at it.
func (s *RedisStore) Delete(ctx context.Context, sessionID uuid.UUID, index int) ([]string, error) {
	assignments, err := s.assignments(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	members := assignments[index]
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, roomsKey(sessionID), strconv.Itoa(index))
		if len(members) > 0 {
			p.HDel(ctx, assignKey(sessionID), members...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("delete breakout: %w", err)
	}
	return members, nil
}

// Assign points every email at index, overwriting previous assignments.
func (s *RedisStore) Assign(ctx context.Context, sessionID uuid.UUID, index int, emails []string) error {
	values := make([]interface{}, 0, 2*len(emails))
	for _, e := range emails {
		values = append(values, e, index)
	}
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, assignKey(sessionID), values...)
		p.Expire(ctx, assignKey(sessionID), registryTTL)
		return nil
	})
	return err
}

// RoomOf returns the room index an email is assigned to.
func (s *RedisStore) RoomOf(ctx context.Context, sessionID uuid.UUID, email string) (int, bool, error) {
	idx, err := s.client.HGet(ctx, assignKey(sessionID), email).Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("breakout assignment: %w", err)
	}
	return idx, true, nil
}

func (s *RedisStore) assignments(ctx context.Context, sessionID uuid.UUID) (map[int][]string, error) {
	raw, err := s.client.HGetAll(ctx, assignKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("breakout assignments: %w", err)
	}
	out := make(map[int][]string)
	for email, v := range raw {
		idx, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		out[idx] = append(out[idx], email)
	}
	for idx := range out {
		sort.Strings(out[idx])
	}
	return out, nil
}
