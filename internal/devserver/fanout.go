// internal/devserver/fanout.go

package devserver

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/go-redis/redis/v8"
	pkgerrors "github.com/pkg/errors"
)

const FanoutChannel = "kiekky:realtime"

// RedisFanout shares hub envelopes between instances over Redis pub/sub.
// Every instance, the publisher included, delivers what it receives to its
// own sockets.
type RedisFanout struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

func NewRedisFanout(client *redis.Client, log *slog.Logger) *RedisFanout {
	return &RedisFanout{
		client:  client,
		channel: FanoutChannel,
		logger:  log.With("component", "fanout"),
	}
}

func (f *RedisFanout) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return pkgerrors.Wrap(err, "encode envelope")
	}
	return pkgerrors.Wrap(f.client.Publish(ctx, f.channel, data).Err(), "redis publish")
}

// Subscribe confirms the subscription, then delivers envelopes from a
// goroutine until ctx is done
func (f *RedisFanout) Subscribe(ctx context.Context, deliver func(Envelope)) error {
	pubsub := f.client.Subscribe(ctx, f.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return pkgerrors.Wrap(err, "redis subscribe")
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
					f.logger.Warn("dropping malformed envelope", "error", err)
					continue
				}
				deliver(env)
			}
		}
	}()
	return nil
}
