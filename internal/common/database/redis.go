// internal/common/database/redis.go
// Redis connection for the reference backend's event fan-out

package database

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	pkgerrors "github.com/pkg/errors"
)

const pingTimeout = 5 * time.Second

// NewRedisClientFromURL creates a Redis client from URL and checks that the
// server answers
func NewRedisClientFromURL(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to parse Redis URL")
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, pkgerrors.Wrap(err, "failed to connect to Redis")
	}

	return client, nil
}
