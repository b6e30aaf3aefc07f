package blocklist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/tripwire/internal/cases"
)

const keyPrefix = "tripwire:blocklist:"

// Redis is a registry shared by every instance pointing at the same server.
// Entries never expire.
type Redis struct {
	client *redis.Client
	now    func() time.Time
}

// NewClient parses url and checks the server is reachable.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// NewRedis wraps client. The caller owns the client's lifecycle.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, now: time.Now}
}

// Block records violator with SETNX so the first reason wins. Redis errors
// are transient.
func (r *Redis) Block(ctx context.Context, violator, reason string) error {
	if violator == "" {
		return cases.Permanent(errors.New("blocklist: empty violator"))
	}
	b, err := json.Marshal(Entry{Violator: violator, Reason: reason, BlockedAt: r.now().UTC()})
	if err != nil {
		return cases.Permanent(fmt.Errorf("blocklist: encode entry: %w", err))
	}
	if err := r.client.SetNX(ctx, keyPrefix+violator, b, 0).Err(); err != nil {
		return cases.Transient(fmt.Errorf("blocklist: setnx: %w", err))
	}
	return nil
}

// IsBlocked reports whether violator is on the list.
func (r *Redis) IsBlocked(ctx context.Context, violator string) (bool, error) {
	n, err := r.client.Exists(ctx, keyPrefix+violator).Result()
	if err != nil {
		return false, cases.Transient(fmt.Errorf("blocklist: exists: %w", err))
	}
	return n > 0, nil
}

// Lookup returns the entry for violator.
func (r *Redis) Lookup(ctx context.Context, violator string) (Entry, bool, error) {
	b, err := r.client.Get(ctx, keyPrefix+violator).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, cases.Transient(fmt.Errorf("blocklist: get: %w", err))
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, false, fmt.Errorf("blocklist: decode entry for %s: %w", violator, err)
	}
	return e, true, nil
}

var _ cases.Blocklist = (*Redis)(nil)
