package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix = "livesession:"
	publishTTL    = 5 * time.Second
)

// RedisPubSub implements Publisher and Subscriber using Redis pub/sub, one channel per session.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for session operations.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, logger: logger}
}

// Channel returns the Redis channel of a session.
func Channel(sessionID uuid.UUID) string {
	return channelPrefix + sessionID.String()
}

// PublishSessionOp publishes an encoded hub operation to the session channel.
func (r *RedisPubSub) PublishSessionOp(sessionID uuid.UUID, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTTL)
	defer cancel()
	return r.client.Publish(ctx, Channel(sessionID), payload).Err()
}

// SubscribeSession subscribes to a session channel and calls handler for each message, in order.
// Returns a cancel function to stop the subscription.
func (r *RedisPubSub) SubscribeSession(sessionID uuid.UUID, handler func(payload []byte)) (cancel func(), err error) {
	channel := Channel(sessionID)
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()
	r.logger.Debug("subscribed", zap.String("channel", channel))
	return cancelCtx, nil
}
