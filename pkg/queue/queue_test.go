package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memLists keeps Redis lists in memory. BLPop never blocks.
type memLists struct {
	mu    sync.Mutex
	lists map[string][]string
}

func newMemLists() *memLists { return &memLists{lists: map[string][]string{}} }

func (m *memLists) RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range values {
		switch b := v.(type) {
		case []byte:
			m.lists[key] = append(m.lists[key], string(b))
		case string:
			m.lists[key] = append(m.lists[key], b)
		}
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(m.lists[key])))
	return cmd
}

func (m *memLists) BLPop(ctx context.Context, _ time.Duration, keys ...string) *redis.StringSliceCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd := redis.NewStringSliceCmd(ctx)
	for _, k := range keys {
		if len(m.lists[k]) > 0 {
			v := m.lists[k][0]
			m.lists[k] = m.lists[k][1:]
			cmd.SetVal([]string{k, v})
			return cmd
		}
	}
	cmd.SetErr(redis.Nil)
	return cmd
}

func TestEnqueueAndDequeueArchive(t *testing.T) {
	ctx := context.Background()
	lists := newMemLists()
	q := NewQueue(lists, nil)
	payload := SessionArchivePayload{SessionID: uuid.New(), LiveSessionID: uuid.New()}
	require.NoError(t, q.EnqueueSessionArchive(ctx, payload))

	job, key, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, QueueArchives, key)
	assert.Equal(t, JobTypeSessionArchive, job.Type)
	var got SessionArchivePayload
	require.NoError(t, json.Unmarshal(job.Payload, &got))
	assert.Equal(t, payload, got)

	job, _, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, job, "empty queue times out without error")
}

func TestRetryMovesToDLQAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	lists := newMemLists()
	q := NewQueue(lists, nil)
	job := &Job{ID: "j1", Type: JobTypeSessionArchive}

	for i := 1; i < MaxRetries; i++ {
		require.NoError(t, q.Retry(ctx, job))
		assert.Len(t, lists.lists[QueueArchives], i)
	}
	require.NoError(t, q.Retry(ctx, job))
	assert.Equal(t, MaxRetries, job.Attempt)
	assert.Len(t, lists.lists[QueueDLQ], 1)
	assert.Len(t, lists.lists[QueueArchives], MaxRetries-1)
}

func TestDequeueSkipsGarbage(t *testing.T) {
	ctx := context.Background()
	lists := newMemLists()
	lists.RPush(ctx, QueueArchives, "not json")
	job, _, err := NewQueue(lists, nil).Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, job)
}
