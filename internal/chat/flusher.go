package chat

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/livesession/internal/models"
)

// Scheduler ticks the periodic flush.
type Scheduler interface {
	C() <-chan time.Time
	Stop()
}

type tickerScheduler struct{ t *time.Ticker }

// NewTicker returns a Scheduler backed by time.Ticker.
func NewTicker(interval time.Duration) Scheduler {
	return tickerScheduler{t: time.NewTicker(interval)}
}

func (s tickerScheduler) C() <-chan time.Time { return s.t.C }
func (s tickerScheduler) Stop()               { s.t.Stop() }

// RequestFlush asks Run for an early flush. Never blocks.
func (r *Router) RequestFlush() {
	select {
	case r.flushReq <- struct{}{}:
	default:
	}
}

// Run flushes buffers on every tick and on early flush requests until ctx is done,
// then performs a last flush.
func (r *Router) Run(ctx context.Context, sched Scheduler) {
	defer sched.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Flush(context.Background())
			return
		case <-sched.C():
			r.Flush(ctx)
		case <-r.flushReq:
			r.Flush(ctx)
		}
	}
}

// Flush writes every buffer to the store. It returns the number of messages made durable.
func (r *Router) Flush(ctx context.Context) int {
	return r.flushKeys(ctx, r.keys(func(models.ScopeKey) bool { return true }), false)
}

// FlushSession writes the buffers of one session and forgets them. Used when the session ends.
func (r *Router) FlushSession(ctx context.Context, sessionID uuid.UUID) int {
	keys := r.keys(func(k models.ScopeKey) bool { return k.SessionID == sessionID })
	return r.flushKeys(ctx, keys, true)
}

func (r *Router) flushKeys(ctx context.Context, keys []models.ScopeKey, forget bool) int {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	written := 0
	for _, key := range keys {
		written += r.flushKey(ctx, key)
		if forget {
			r.mu.Lock()
			if b, ok := r.buffers[key]; ok {
				b.mu.Lock()
				if len(b.msgs) == 0 {
					delete(r.buffers, key)
				}
				b.mu.Unlock()
			}
			r.mu.Unlock()
		}
	}
	return written
}

// flushKey inserts the current contents of one buffer. Messages stay buffered, and readable by
// History, until the insert returns; on failure the batch is dropped.
func (r *Router) flushKey(ctx context.Context, key models.ScopeKey) int {
	r.mu.Lock()
	b, ok := r.buffers[key]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	batch := make([]models.ChatMessage, len(b.msgs))
	copy(batch, b.msgs)
	b.mu.Unlock()
	if len(batch) == 0 {
		return 0
	}

	fctx, cancel := context.WithTimeout(ctx, r.opts.FlushTimeout)
	err := r.store.InsertBatch(fctx, batch)
	cancel()

	b.mu.Lock()
	b.msgs = append(b.msgs[:0:0], b.msgs[len(batch):]...)
	b.mu.Unlock()

	if err != nil {
		r.logger.Error("chat flush failed, batch dropped",
			zap.Error(err),
			zap.String("session_id", key.SessionID.String()),
			zap.String("scope", string(key.Scope)),
			zap.Int("breakout_index", key.BreakoutIndex),
			zap.Int("batch_size", len(batch)))
		return 0
	}
	r.logger.Debug("chat flushed", zap.String("key", key.String()), zap.Int("batch_size", len(batch)))
	return len(batch)
}
