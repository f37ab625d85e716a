// Package queue owns the per-device delivery queues: ordering, capacity
// bounds, the at-most-one-in-flight invariant, and the worker that drives
// each message through its lifecycle.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/YinLenRed/xiaozhiplus-sub000/internal/domain"
	"github.com/YinLenRed/xiaozhiplus-sub000/pkg/telemetry"
)

// Dispatcher hands a dequeued message to the delivery path. Implemented by
// the orchestrator; the queue knows nothing about acknowledgements.
type Dispatcher interface {
	Dispatch(ctx context.Context, deviceID, content, trackID string) error
}

// InFlightSummary describes the message currently playing on a device.
type InFlightSummary struct {
	MessageID string    `json:"message_id"`
	TrackID   string    `json:"track_id"`
	Content   string    `json:"content"`
	StartedAt time.Time `json:"started_at"`
}

// Totals are the running per-device counters.
type Totals struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// DeviceStatus is the read-only snapshot returned by status queries.
type DeviceStatus struct {
	DeviceID string           `json:"device_id"`
	Length   int              `json:"length"`
	InFlight *InFlightSummary `json:"in_flight,omitempty"`
	Totals   Totals           `json:"totals"`
}

// Manager owns every device queue. It is the only mutator of Message and
// deviceQueue state.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*deviceQueue

	dispatcher Dispatcher
	logger     *slog.Logger

	capacity        int
	playbackTimeout time.Duration
	crashPause      time.Duration
	maxRetries      int

	runCtx context.Context
}

// Option configures a Manager.
type Option func(*Manager)

// WithCapacity bounds each device queue; overflow evicts the oldest queued message.
func WithCapacity(n int) Option { return func(m *Manager) { m.capacity = n } }

// WithPlaybackTimeout bounds how long a worker waits for a resolution signal.
func WithPlaybackTimeout(d time.Duration) Option { return func(m *Manager) { m.playbackTimeout = d } }

// WithCrashPause sets the pause after an unexpected dispatch failure.
func WithCrashPause(d time.Duration) Option { return func(m *Manager) { m.crashPause = d } }

// WithMaxRetries sets the retry budget recorded on new messages.
func WithMaxRetries(n int) Option { return func(m *Manager) { m.maxRetries = n } }

// NewManager constructs a Manager with the given dispatcher and options.
func NewManager(dispatcher Dispatcher, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		queues:          make(map[string]*deviceQueue),
		dispatcher:      dispatcher,
		logger:          logger,
		capacity:        50,
		playbackTimeout: 60 * time.Second,
		crashPause:      5 * time.Second,
		maxRetries:      3,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start binds the lifetime context used by workers. Workers started before
// Start run against context.Background().
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runCtx = ctx
}

// Enqueue inserts a new message for deviceID in priority order and returns
// its ID. When the queue is at capacity the oldest queued (never the
// in-flight) message is cancelled to admit the new one. The device worker is
// started if it is not already running.
func (m *Manager) Enqueue(ctx context.Context, deviceID, content string, category domain.Category, priority int) (string, error) {
	if deviceID == "" {
		return "", fmt.Errorf("device ID is required")
	}
	if content == "" {
		return "", fmt.Errorf("content is required")
	}

	msg := &domain.Message{
		ID:         domain.NewMessageID(),
		DeviceID:   deviceID,
		Content:    content,
		Category:   category,
		Priority:   priority,
		Status:     domain.StatusQueued,
		CreatedAt:  time.Now(),
		MaxRetries: m.maxRetries,
	}

	m.mu.Lock()
	dq, ok := m.queues[deviceID]
	if !ok {
		dq = newDeviceQueue(deviceID)
		m.queues[deviceID] = dq
	}

	if len(dq.pending) >= m.capacity {
		victim := dq.evictOldest()
		if victim != nil {
			telemetry.QueueEvictions.WithLabelValues(deviceID).Inc()
			m.logger.Warn("queue full, oldest queued message evicted",
				slog.String("device_id", deviceID),
				slog.String("evicted_id", victim.ID),
			)
		}
	}

	dq.insert(msg)
	telemetry.QueueDepth.WithLabelValues(deviceID).Set(float64(len(dq.pending)))

	if !dq.running {
		dq.running = true
		runCtx := m.runCtx
		if runCtx == nil {
			runCtx = context.Background()
		}
		go m.runWorker(runCtx, dq)
	}
	m.mu.Unlock()

	dq.signal()

	m.logger.Info("message enqueued",
		slog.String("device_id", deviceID),
		slog.String("message_id", msg.ID),
		slog.String("category", string(category)),
		slog.Int("priority", priority),
	)
	return msg.ID, nil
}

// Resolve delivers the outcome for a device's in-flight message and wakes its
// worker. A track ID that does not match the current in-flight message is
// logged and discarded, protecting against stale or duplicate events.
func (m *Manager) Resolve(deviceID, trackID string, outcome domain.Status) bool {
	if outcome != domain.StatusCompleted && outcome != domain.StatusFailed {
		m.logger.Error("resolve called with non-terminal outcome",
			slog.String("outcome", string(outcome)))
		return false
	}

	m.mu.Lock()
	dq, ok := m.queues[deviceID]
	if !ok || dq.inFlight == nil || dq.inFlight.TrackID != trackID {
		m.mu.Unlock()
		telemetry.CorrelationMismatches.Inc()
		mismatch := &domain.CorrelationMismatchError{DeviceID: deviceID, TrackID: trackID}
		m.logger.Warn("stale resolution discarded", slog.String("error", mismatch.Error()))
		return false
	}
	ch := dq.resolved
	m.mu.Unlock()

	select {
	case ch <- outcome:
	default: // worker already timed out this message
	}
	return true
}

// Status returns a read-only snapshot for one device.
func (m *Manager) Status(deviceID string) (*DeviceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dq, ok := m.queues[deviceID]
	if !ok {
		return nil, &domain.DeviceNotFoundError{DeviceID: deviceID}
	}
	return snapshot(dq), nil
}

// AllStatuses returns snapshots for every device, ordered by device ID.
func (m *Manager) AllStatuses() []*DeviceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*DeviceStatus, 0, len(m.queues))
	for _, dq := range m.queues {
		out = append(out, snapshot(dq))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Clear cancels every queued message for deviceID. The in-flight message is
// left to finish or time out naturally. Returns false for unknown devices.
func (m *Manager) Clear(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	dq, ok := m.queues[deviceID]
	if !ok {
		return false
	}
	for _, msg := range dq.pending {
		msg.Status = domain.StatusCancelled
		dq.cancelled++
	}
	cleared := len(dq.pending)
	dq.pending = nil
	telemetry.QueueDepth.WithLabelValues(deviceID).Set(0)
	m.logger.Info("queue cleared",
		slog.String("device_id", deviceID),
		slog.Int("cancelled", cleared),
	)
	return true
}

func snapshot(dq *deviceQueue) *DeviceStatus {
	s := &DeviceStatus{
		DeviceID: dq.deviceID,
		Length:   len(dq.pending),
		Totals: Totals{
			Total:     dq.total,
			Completed: dq.completed,
			Failed:    dq.failed,
			Cancelled: dq.cancelled,
		},
	}
	if dq.inFlight != nil {
		s.InFlight = &InFlightSummary{
			MessageID: dq.inFlight.ID,
			TrackID:   dq.inFlight.TrackID,
			Content:   dq.inFlight.Content,
			StartedAt: *dq.inFlight.StartedAt,
		}
	}
	return s
}

// runWorker is the long-lived loop for one device. It strictly serializes
// that device's deliveries; no failure of one message may stop the loop.
func (m *Manager) runWorker(ctx context.Context, dq *deviceQueue) {
	log := m.logger.With(slog.String("device_id", dq.deviceID))
	log.Debug("device worker started")
	defer func() {
		m.mu.Lock()
		dq.running = false
		m.mu.Unlock()
		log.Debug("device worker stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-dq.wake:
		}

		for {
			msg := m.dequeue(dq)
			if msg == nil {
				break
			}
			m.process(ctx, dq, msg, log)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// dequeue pops the next message, marks it PLAYING, and assigns its track ID.
// The track ID is set exactly once, here.
func (m *Manager) dequeue(dq *deviceQueue) *domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := dq.pop()
	if msg == nil {
		return nil
	}
	now := time.Now()
	msg.Status = domain.StatusPlaying
	msg.StartedAt = &now
	msg.TrackID = domain.NewTrackID()
	dq.inFlight = msg
	dq.resolved = make(chan domain.Status, 1)
	telemetry.QueueDepth.WithLabelValues(dq.deviceID).Set(float64(len(dq.pending)))
	return msg
}

func (m *Manager) process(ctx context.Context, dq *deviceQueue, msg *domain.Message, log *slog.Logger) {
	log = log.With(
		slog.String("message_id", msg.ID),
		slog.String("track_id", msg.TrackID),
	)

	resolvedCh := dq.resolved

	if err := m.dispatcher.Dispatch(ctx, msg.DeviceID, msg.Content, msg.TrackID); err != nil {
		log.Error("dispatch failed", slog.String("error", err.Error()))
		m.finish(dq, msg, domain.StatusFailed)

		// A transport failure is an expected outcome; anything else gets a
		// short pause so a hot failure cannot starve the rest of the queue.
		var transportErr *domain.TransportError
		if !errors.As(err, &transportErr) {
			select {
			case <-time.After(m.crashPause):
			case <-ctx.Done():
			}
		}
		return
	}

	timer := time.NewTimer(m.playbackTimeout)
	defer timer.Stop()

	select {
	case outcome := <-resolvedCh:
		m.finish(dq, msg, outcome)
		log.Info("message resolved", slog.String("outcome", string(outcome)))
	case <-timer.C:
		telemetry.PlaybackTimeouts.Inc()
		log.Warn("playback timeout, message failed",
			slog.Duration("timeout", m.playbackTimeout))
		m.finish(dq, msg, domain.StatusFailed)
	case <-ctx.Done():
		m.finish(dq, msg, domain.StatusFailed)
	}
}

// finish transitions the in-flight message to its terminal status and frees
// the slot so the worker can advance.
func (m *Manager) finish(dq *deviceQueue, msg *domain.Message, outcome domain.Status) {
	m.mu.Lock()
	now := time.Now()
	if msg.Status.CanTransitionTo(outcome) {
		msg.Status = outcome
	}
	msg.CompletedAt = &now
	dq.inFlight = nil
	dq.resolved = nil
	switch outcome {
	case domain.StatusCompleted:
		dq.completed++
	case domain.StatusFailed:
		dq.failed++
	}
	started := msg.StartedAt
	m.mu.Unlock()

	telemetry.MessagesFinished.WithLabelValues(string(outcome)).Inc()
	if outcome == domain.StatusCompleted && started != nil {
		telemetry.PlaybackDurationSeconds.Observe(now.Sub(*started).Seconds())
	}
}
