// Package audit keeps a lightweight, time-bounded log of per-track delivery
// progress for diagnostics. It is written best-effort by the bus adapter and
// is never authoritative for delivery logic.
package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/YinLenRed/xiaozhiplus-sub000/internal/domain"
)

// Record is one (device, track) diagnostic entry.
type Record struct {
	DeviceID  string    `json:"device_id"`
	TrackID   string    `json:"track_id"`
	Status    string    `json:"status"`
	FirstSeen time.Time `json:"first_seen"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists audit records. Writes must be cheap and are allowed to fail;
// callers log and move on.
type Store interface {
	Record(ctx context.Context, deviceID, trackID, status string) error
	Get(ctx context.Context, deviceID, trackID string) (*Record, error)
	ListByDevice(ctx context.Context, deviceID string) ([]*Record, error)
	// PurgeOlderThan drops records not updated within age and returns how
	// many were removed. Backends with native expiry may make this a no-op.
	PurgeOlderThan(ctx context.Context, age time.Duration) (int, error)
}

type memoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record // key: deviceID + "\x00" + trackID
}

// NewMemoryStore returns the default in-process Store.
func NewMemoryStore() Store {
	return &memoryStore{records: make(map[string]*Record)}
}

func key(deviceID, trackID string) string { return deviceID + "\x00" + trackID }

func (s *memoryStore) Record(_ context.Context, deviceID, trackID, status string) error {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[key(deviceID, trackID)]; ok {
		r.Status = status
		r.UpdatedAt = now
		return nil
	}
	s.records[key(deviceID, trackID)] = &Record{
		DeviceID:  deviceID,
		TrackID:   trackID,
		Status:    status,
		FirstSeen: now,
		UpdatedAt: now,
	}
	return nil
}

func (s *memoryStore) Get(_ context.Context, deviceID, trackID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[key(deviceID, trackID)]
	if !ok {
		return nil, &domain.TrackNotFoundError{DeviceID: deviceID, TrackID: trackID}
	}
	cp := *r
	return &cp, nil
}

func (s *memoryStore) ListByDevice(_ context.Context, deviceID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, r := range s.records {
		if r.DeviceID == deviceID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *memoryStore) PurgeOlderThan(_ context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age)
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for k, r := range s.records {
		if r.UpdatedAt.Before(cutoff) {
			delete(s.records, k)
			purged++
		}
	}
	return purged, nil
}
