// Package redis provides optional Redis-backed diagnostics: a TTL-expiring
// audit store and a per-device submission rate limiter. The delivery pipeline
// itself keeps all authoritative state in memory.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/YinLenRed/xiaozhiplus-sub000/internal/audit"
	"github.com/YinLenRed/xiaozhiplus-sub000/internal/domain"
)

func auditKey(deviceID, trackID string) string {
	return "audit:" + deviceID + ":" + trackID
}

func devicePattern(deviceID string) string {
	return "audit:" + deviceID + ":*"
}

type auditStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewAuditStore returns an audit.Store that keeps records in Redis with a
// native TTL, so PurgeOlderThan is a no-op.
func NewAuditStore(client *redis.Client, ttl time.Duration) audit.Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &auditStore{client: client, ttl: ttl}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (s *auditStore) Record(ctx context.Context, deviceID, trackID, status string) error {
	now := time.Now()
	rec := audit.Record{
		DeviceID:  deviceID,
		TrackID:   trackID,
		Status:    status,
		FirstSeen: now,
		UpdatedAt: now,
	}

	// Preserve FirstSeen across updates when the record already exists.
	if prev, err := s.Get(ctx, deviceID, trackID); err == nil {
		rec.FirstSeen = prev.FirstSeen
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	if err := s.client.Set(ctx, auditKey(deviceID, trackID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set audit %s/%s: %w", deviceID, trackID, err)
	}
	return nil
}

func (s *auditStore) Get(ctx context.Context, deviceID, trackID string) (*audit.Record, error) {
	data, err := s.client.Get(ctx, auditKey(deviceID, trackID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.TrackNotFoundError{DeviceID: deviceID, TrackID: trackID}
		}
		return nil, fmt.Errorf("redis get audit %s/%s: %w", deviceID, trackID, err)
	}
	var rec audit.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal audit record: %w", err)
	}
	return &rec, nil
}

func (s *auditStore) ListByDevice(ctx context.Context, deviceID string) ([]*audit.Record, error) {
	var out []*audit.Record
	iter := s.client.Scan(ctx, 0, devicePattern(deviceID), 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // expired between SCAN and GET
			}
			return nil, fmt.Errorf("redis get %s: %w", iter.Val(), err)
		}
		var rec audit.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan audit for %s: %w", deviceID, err)
	}
	return out, nil
}

// PurgeOlderThan is a no-op: Redis expires audit keys via TTL.
func (s *auditStore) PurgeOlderThan(context.Context, time.Duration) (int, error) {
	return 0, nil
}
