// Package store persists webhook records, task records, and dead-letter
// entries in Redis. It is the only globally shared mutable state in the
// system; all record mutations go through the status service on top of it.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStaleWrite is returned when a compare-and-set update observed a status
// other than the expected predecessor twice in a row.
var ErrStaleWrite = errors.New("store: stale write: record changed underneath update")

// Options configures the Redis connection for one logical database.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewClient opens a Redis client for the given logical database.
func NewClient(opts Options) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

// Ping verifies the backing store is reachable.
func Ping(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}
