package store

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisPubSub carries realtime notification events over Redis channels.
type RedisPubSub struct {
	client redis.UniversalClient
}

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisPubSub(client redis.UniversalClient) *RedisPubSub {
	return &RedisPubSub{client: client}
}

func (s *RedisPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

// Subscribe returns a subscription to channels. Callers must Close it.
func (s *RedisPubSub) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return s.client.Subscribe(ctx, channels...)
}

func (s *RedisPubSub) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Stream forwards messages on channels until ctx is done. The returned
// channel is closed when the subscription ends.
func (s *RedisPubSub) Stream(ctx context.Context, channels ...string) (<-chan []byte, error) {
	sub := s.client.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
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
	return out, nil
}
