package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore provides a Redis-backed implementation of the Store interface.
// Reports are stored as JSON with a TTL, and a per-room set indexes them.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL sets the time-to-live for reports.
// Default is 7 days. Set to 0 for no expiration.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix for Redis keys.
// Default is "livekit-check".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore creates a new Redis-backed report store.
//
// Example:
//
//	store := NewRedisStore(
//	    redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
//	    WithTTL(24 * time.Hour),
//	    WithPrefix("agents"),
//	)
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	store := &RedisStore{
		client: client,
		ttl:    defaultTTLHours * time.Hour,
		prefix: "livekit-check",
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Load retrieves a report by session ID from Redis.
func (s *RedisStore) Load(ctx context.Context, sessionID string) (*SessionReport, error) {
	if sessionID == "" {
		return nil, ErrInvalidID
	}

	data, err := s.client.Get(ctx, s.reportKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var report SessionReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return &report, nil
}

// Save persists a report to Redis with TTL.
// Uses a pipeline to batch the SET and room index update into a single round-trip.
func (s *RedisStore) Save(ctx context.Context, report *SessionReport) error {
	if report == nil {
		return ErrInvalidReport
	}
	if report.SessionID == "" {
		return ErrInvalidID
	}

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.reportKey(report.SessionID), data, s.ttl)
	if report.Room != "" {
		indexKey := s.roomIndexKey(report.Room)
		pipe.SAdd(ctx, indexKey, report.SessionID)
		if s.ttl > 0 {
			pipe.Expire(ctx, indexKey, s.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// Delete removes a report from Redis.
// Uses a pipeline to batch the DEL and room index cleanup.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrInvalidID
	}

	report, err := s.Load(ctx, sessionID)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	delCmd := pipe.Del(ctx, s.reportKey(sessionID))
	if report.Room != "" {
		pipe.SRem(ctx, s.roomIndexKey(report.Room), sessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}

	if delCmd.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns session IDs matching the given criteria.
func (s *RedisStore) List(ctx context.Context, opts ListOptions) ([]string, error) {
	ids, err := s.fetchIDs(ctx, opts.Room)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	if opts.SortBy != "" && len(ids) > 0 {
		reports, err := s.pipelinedLoad(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to sort reports: %w", err)
		}
		sortReports(reports, opts.SortBy, opts.SortOrder)
		ids = ids[:0]
		for _, r := range reports {
			ids = append(ids, r.SessionID)
		}
	}

	return paginate(ids, opts.Offset, opts.Limit), nil
}

// fetchIDs returns the IDs in a room's index, or scans every report key.
func (s *RedisStore) fetchIDs(ctx context.Context, room string) ([]string, error) {
	if room != "" {
		members, err := s.client.SMembers(ctx, s.roomIndexKey(room)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redis smembers failed: %w", err)
		}
		return members, nil
	}

	var ids []string
	prefix := s.reportKey("")
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if id := strings.TrimPrefix(iter.Val(), prefix); id != "" {
			ids = append(ids, id)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}
	return ids, nil
}

// pipelinedLoad fetches several reports with a single pipelined GET.
// Expired or missing reports are skipped.
func (s *RedisStore) pipelinedLoad(ctx context.Context, ids []string) ([]*SessionReport, error) {
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.reportKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	reports := make([]*SessionReport, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("redis get failed: %w", err)
		}
		var r SessionReport
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal report: %w", err)
		}
		reports = append(reports, &r)
	}
	return reports, nil
}

// reportKey generates the Redis key for a report.
func (s *RedisStore) reportKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, sessionID)
}

// roomIndexKey generates the Redis key for a room's report index.
func (s *RedisStore) roomIndexKey(room string) string {
	return fmt.Sprintf("%s:room:%s:sessions", s.prefix, room)
}
