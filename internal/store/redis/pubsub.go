package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// PubSub carries view events between the session runs that publish them and
// the websocket streams that relay them.
type PubSub struct {
	client *redis.Client
}

func New(ctx context.Context, addr, password string, db int) (*PubSub, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis.New: ping: %w", err)
	}

	return &PubSub{client: client}, nil
}

func (ps *PubSub) Close() error {
	if err := ps.client.Close(); err != nil {
		return fmt.Errorf("redis.PubSub.Close: %w", err)
	}
	return nil
}

// Ping checks that Redis is reachable.
func (ps *PubSub) Ping(ctx context.Context) error {
	if err := ps.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis.PubSub.Ping: %w", err)
	}
	return nil
}

func (ps *PubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ps.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis.PubSub.Publish: %w", err)
	}
	return nil
}

func (ps *PubSub) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := ps.client.Subscribe(ctx, channel)

	// Messages published before the confirmation would be lost.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis.PubSub.Subscribe: receive confirmation: %w", err)
	}

	out := make(chan []byte, 64)
	redisCh := sub.Channel()

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-redisCh:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	cleanup := func() {
		_ = sub.Close()
	}

	return out, cleanup, nil
}

// TelemetryChannel carries telemetry events of every view.
const TelemetryChannel = "telemetry"

// SessionChannel is the Redis channel for session state updates of one view.
// view is the string form of a domain.ViewKey.
func SessionChannel(view string) string {
	return "session:" + view
}

// ProtocolChannel is the Redis channel for the protocol traffic of one view.
func ProtocolChannel(view string) string {
	return "protocol:" + view
}
