package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/zhouzirui/voice-concierge/backend/internal/model/chat"
)

// Directory mirrors the set of live sessions somewhere other processes can see.
type Directory interface {
	Register(ctx context.Context, snapshot chat.Session) error
	Refresh(ctx context.Context, sessionID string) error
	Unregister(ctx context.Context, sessionID string) error
	// Lookup returns nil when no process holds the session.
	Lookup(ctx context.Context, sessionID string) (*chat.Session, error)
}

type noopDirectory struct{}

func (noopDirectory) Register(context.Context, chat.Session) error { return nil }
func (noopDirectory) Refresh(context.Context, string) error        { return nil }
func (noopDirectory) Unregister(context.Context, string) error     { return nil }
func (noopDirectory) Lookup(context.Context, string) (*chat.Session, error) {
	return nil, nil
}

// RedisDirectory stores session snapshots in Redis with a TTL that the
// registry refreshes while the session is live.
type RedisDirectory struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDirectory creates a RedisDirectory.
func NewRedisDirectory(client *redis.Client, ttl time.Duration) *RedisDirectory {
	return &RedisDirectory{client: client, ttl: ttl}
}

func directoryKey(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

// Register stores the snapshot under the session key.
func (d *RedisDirectory) Register(ctx context.Context, snapshot chat.Session) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return d.client.Set(ctx, directoryKey(snapshot.ID), data, d.ttl).Err()
}

// Refresh extends the key's lifetime. A missing key is a no-op.
func (d *RedisDirectory) Refresh(ctx context.Context, sessionID string) error {
	return d.client.Expire(ctx, directoryKey(sessionID), d.ttl).Err()
}

// Unregister removes the session key.
func (d *RedisDirectory) Unregister(ctx context.Context, sessionID string) error {
	return d.client.Del(ctx, directoryKey(sessionID)).Err()
}

// Lookup returns the stored snapshot, or nil when the session is not live.
func (d *RedisDirectory) Lookup(ctx context.Context, sessionID string) (*chat.Session, error) {
	data, err := d.client.Get(ctx, directoryKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snapshot chat.Session
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &snapshot, nil
}
var _ Directory = (*RedisDirectory)(nil)
