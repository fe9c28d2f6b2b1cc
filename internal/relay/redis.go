// Package relay carries chatroom broadcasts between service instances over
// Redis pub/sub so sessions connected elsewhere receive them too.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chatroom-service/internal/observability"
)

// Envelope is the message published on the relay channel.
type Envelope struct {
	Origin        string          `json:"origin"`
	ChatroomID    int             `json:"chatroomId"`
	ExcludeUserID int             `json:"excludeUserId,omitempty"`
	Frame         json.RawMessage `json:"frame"`
}

// DeliverFunc hands a relayed frame to local sessions.
type DeliverFunc func(chatroomID int, excludeUserID int, frame []byte)

// Redis publishes and consumes envelopes on one channel.
type Redis struct {
	cli     *redis.Client
	channel string
	origin  string
	logger  *slog.Logger
}

// Connect connects to the Redis server and pings it to ensure the
// connection is working.
func Connect(ctx context.Context, addr, channel string, logger *slog.Logger) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(cli, channel, logger), nil
}

// New wraps an existing client.
func New(cli *redis.Client, channel string, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{cli: cli, channel: channel, origin: uuid.NewString(), logger: logger}
}

// Origin identifies this instance in published envelopes.
func (r *Redis) Origin() string {
	return r.origin
}

// Publish sends frame to every other instance.
func (r *Redis) Publish(ctx context.Context, chatroomID int, excludeUserID int, frame []byte) error {
	body, err := json.Marshal(Envelope{
		Origin:        r.origin,
		ChatroomID:    chatroomID,
		ExcludeUserID: excludeUserID,
		Frame:         frame,
	})
	if err != nil {
		return err
	}
	if err := r.cli.Publish(ctx, r.channel, body).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	observability.IncRelay("out")
	return nil
}

// Subscribe delivers envelopes from other instances until ctx is done.
func (r *Redis) Subscribe(ctx context.Context, deliver DeliverFunc) error {
	pubsub := r.cli.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("relay subscribed", "channel", r.channel, "origin", r.origin)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(msg.Payload, deliver)
		}
	}
}

func (r *Redis) handle(payload string, deliver DeliverFunc) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn("relay envelope dropped", "error", err)
		return
	}
	if env.Origin == r.origin || env.ChatroomID <= 0 || len(env.Frame) == 0 {
		return
	}
	observability.IncRelay("in")
	deliver(env.ChatroomID, env.ExcludeUserID, env.Frame)
}

// Close releases the Redis client.
func (r *Redis) Close() error {
	return r.cli.Close()
}
