// Package correlate joins the asynchronous signals of one delivery (the
// published command, the device acknowledgement, the playback event) under a
// single track ID, and drives synthesis and audio transmission once the
// device is known or assumed reachable.
package correlate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/YinLenRed/xiaozhiplus-sub000/internal/domain"
	"github.com/YinLenRed/xiaozhiplus-sub000/pkg/telemetry"
)

// State is the per-delivery progress marker.
type State string

const (
	StateRegistered        State = "REGISTERED"
	StateAckReceived       State = "ACK_RECEIVED"
	StateAudioSent         State = "AUDIO_SENT"
	StateCompleted         State = "COMPLETED"
	StateFailed            State = "FAILED"
	StateFallbackCompleted State = "FALLBACK_COMPLETED"
)

// PendingDelivery is one command awaiting acknowledgement or completion.
type PendingDelivery struct {
	TrackID      string
	DeviceID     string
	Content      string
	State        State
	RegisteredAt time.Time
	AckAt        *time.Time
	ResolvedAt   *time.Time

	graceTimer *time.Timer
}

// Resolver receives the terminal outcome for a device's in-flight message.
// Implemented by the queue manager.
type Resolver interface {
	Resolve(deviceID, trackID string, outcome domain.Status) bool
}

// Correlator owns every PendingDelivery. It is the only mutator of that map.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*PendingDelivery

	synth    domain.Synthesizer
	sender   domain.AudioSender
	resolver Resolver
	logger   *slog.Logger

	grace      time.Duration
	retention  time.Duration
	staleAfter time.Duration
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithGracePeriod sets how long to wait for an acknowledgement before the
// fallback path fires.
func WithGracePeriod(d time.Duration) Option { return func(c *Correlator) { c.grace = d } }

// WithRetention sets how long resolved deliveries are kept for late events.
func WithRetention(d time.Duration) Option { return func(c *Correlator) { c.retention = d } }

// New constructs a Correlator.
func New(synth domain.Synthesizer, sender domain.AudioSender, resolver Resolver, logger *slog.Logger, opts ...Option) *Correlator {
	c := &Correlator{
		pending:    make(map[string]*PendingDelivery),
		synth:      synth,
		sender:     sender,
		resolver:   resolver,
		logger:     logger,
		grace:      5 * time.Second,
		retention:  time.Minute,
		staleAfter: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register creates the PendingDelivery for a just-dispatched command and arms
// its grace-period timer. The track ID must be the one carried by the
// command.
func (c *Correlator) Register(_ context.Context, deviceID, content, trackID string) {
	pd := &PendingDelivery{
		TrackID:      trackID,
		DeviceID:     deviceID,
		Content:      content,
		State:        StateRegistered,
		RegisteredAt: time.Now(),
	}
	pd.graceTimer = time.AfterFunc(c.grace, func() { c.fallback(trackID) })

	c.mu.Lock()
	c.pending[trackID] = pd
	c.mu.Unlock()
}

// Abort marks a just-registered delivery failed when the command publish
// itself failed. No resolution is signalled; the caller already has the
// error.
func (c *Correlator) Abort(trackID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pd, ok := c.pending[trackID]
	if !ok || pd.State != StateRegistered {
		return
	}
	pd.graceTimer.Stop()
	now := time.Now()
	pd.State = StateFailed
	pd.ResolvedAt = &now
}

// HandleAck processes a device acknowledgement. Only a Registered delivery
// moves forward; duplicates and post-fallback acks are no-ops.
func (c *Correlator) HandleAck(deviceID, trackID string, _ time.Time) {
	c.mu.Lock()
	pd, ok := c.pending[trackID]
	if !ok {
		c.mu.Unlock()
		c.discard(deviceID, trackID, "ack")
		return
	}
	if pd.State != StateRegistered {
		state := pd.State
		c.mu.Unlock()
		c.logger.Debug("duplicate or late ack ignored",
			slog.String("device_id", deviceID),
			slog.String("track_id", trackID),
			slog.String("state", string(state)),
		)
		return
	}
	pd.graceTimer.Stop()
	now := time.Now()
	pd.State = StateAckReceived
	pd.AckAt = &now
	latency := now.Sub(pd.RegisteredAt)
	deviceID, content := pd.DeviceID, pd.Content
	c.mu.Unlock()

	telemetry.AckLatencySeconds.Observe(latency.Seconds())
	c.logger.Debug("ack received",
		slog.String("device_id", deviceID),
		slog.String("track_id", trackID),
		slog.Duration("latency", latency),
	)

	go c.transmit(deviceID, trackID, content)
}

// fallback fires when the grace period elapses without an acknowledgement:
// the delivery proceeds as if the device were reachable. A later ack is a
// no-op because the state already moved past Registered.
func (c *Correlator) fallback(trackID string) {
	c.mu.Lock()
	pd, ok := c.pending[trackID]
	if !ok || pd.State != StateRegistered {
		c.mu.Unlock()
		return
	}
	pd.State = StateFallbackCompleted
	deviceID, content := pd.DeviceID, pd.Content
	c.mu.Unlock()

	telemetry.FallbacksFired.Inc()
	c.logger.Warn("no ack within grace period, proceeding without it",
		slog.String("device_id", deviceID),
		slog.String("track_id", trackID),
	)

	c.transmit(deviceID, trackID, content)
}

// transmit runs synthesis and audio transmission for one delivery. It runs
// off the bus dispatch loop so a slow synthesis provider never stalls inbound
// traffic.
func (c *Correlator) transmit(deviceID, trackID, content string) {
	ctx, span := otel.Tracer("correlator").Start(context.Background(), "correlator.transmit")
	defer span.End()
	span.SetAttributes(
		attribute.String("device.id", deviceID),
		attribute.String("track.id", trackID),
	)

	audio, err := c.synth.Synthesize(ctx, content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		c.fail(deviceID, trackID, &domain.SynthesisError{Err: err})
		return
	}

	// The audio channel is keyed by the same track ID as the command so the
	// device can join the two transports.
	if err := c.sender.Send(ctx, deviceID, audio, trackID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transmission failed")
		c.fail(deviceID, trackID, &domain.TransmissionError{DeviceID: deviceID, TrackID: trackID, Err: err})
		return
	}

	c.mu.Lock()
	if pd, ok := c.pending[trackID]; ok {
		if pd.State == StateAckReceived || pd.State == StateFallbackCompleted {
			pd.State = StateAudioSent
		}
	}
	c.mu.Unlock()

	c.logger.Info("audio transmitted",
		slog.String("device_id", deviceID),
		slog.String("track_id", trackID),
		slog.Int("bytes", len(audio)),
	)
}

// HandleDone processes the device's playback-completion event, which is
// authoritative for delivery success.
func (c *Correlator) HandleDone(deviceID, trackID string) {
	c.mu.Lock()
	pd, ok := c.pending[trackID]
	if !ok || pd.State != StateAudioSent {
		var state State
		if ok {
			state = pd.State
		}
		c.mu.Unlock()
		if !ok {
			c.discard(deviceID, trackID, "completion event")
		} else {
			c.logger.Warn("completion event ignored",
				slog.String("device_id", deviceID),
				slog.String("track_id", trackID),
				slog.String("state", string(state)),
			)
		}
		return
	}
	now := time.Now()
	pd.State = StateCompleted
	pd.ResolvedAt = &now
	c.mu.Unlock()

	if !c.resolver.Resolve(deviceID, trackID, domain.StatusCompleted) {
		c.logger.Warn("completion resolved too late for queue",
			slog.String("device_id", deviceID),
			slog.String("track_id", trackID),
		)
	}
}

// HandleError processes the device's playback-failure event. A device-
// reported failure is authoritative regardless of how far the delivery got.
func (c *Correlator) HandleError(deviceID, trackID, errMsg string) {
	c.mu.Lock()
	pd, ok := c.pending[trackID]
	if !ok || pd.State == StateCompleted || pd.State == StateFailed {
		c.mu.Unlock()
		c.discard(deviceID, trackID, "error event")
		return
	}
	pd.graceTimer.Stop()
	now := time.Now()
	pd.State = StateFailed
	pd.ResolvedAt = &now
	c.mu.Unlock()

	c.logger.Warn("device reported playback failure",
		slog.String("device_id", deviceID),
		slog.String("track_id", trackID),
		slog.String("device_error", errMsg),
	)
	c.resolver.Resolve(deviceID, trackID, domain.StatusFailed)
}

// HandleEvent adapts the bus adapter's event callback onto HandleDone /
// HandleError.
func (c *Correlator) HandleEvent(deviceID, trackID string, failed bool, errMsg string) {
	if failed {
		c.HandleError(deviceID, trackID, errMsg)
		return
	}
	c.HandleDone(deviceID, trackID)
}

// fail marks the delivery failed and releases the queue worker.
func (c *Correlator) fail(deviceID, trackID string, cause error) {
	telemetry.SynthesisFailures.Inc()
	c.logger.Error("delivery failed",
		slog.String("device_id", deviceID),
		slog.String("track_id", trackID),
		slog.String("error", cause.Error()),
	)

	c.mu.Lock()
	if pd, ok := c.pending[trackID]; ok && pd.State != StateCompleted && pd.State != StateFailed {
		now := time.Now()
		pd.State = StateFailed
		pd.ResolvedAt = &now
	}
	c.mu.Unlock()

	c.resolver.Resolve(deviceID, trackID, domain.StatusFailed)
}

func (c *Correlator) discard(deviceID, trackID, what string) {
	telemetry.CorrelationMismatches.Inc()
	mismatch := &domain.CorrelationMismatchError{DeviceID: deviceID, TrackID: trackID}
	c.logger.Warn("stale "+what+" discarded", slog.String("error", mismatch.Error()))
}

// Lookup returns a copy of the delivery for diagnostics, or nil.
func (c *Correlator) Lookup(trackID string) *PendingDelivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	pd, ok := c.pending[trackID]
	if !ok {
		return nil
	}
	cp := *pd
	cp.graceTimer = nil
	return &cp
}

// Sweep removes resolved deliveries past retention and anything stale enough
// that no signal can still be expected. Returns the number removed. Wired to
// a periodic schedule at startup.
func (c *Correlator) Sweep() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, pd := range c.pending {
		resolvedExpired := pd.ResolvedAt != nil && now.Sub(*pd.ResolvedAt) > c.retention
		stale := now.Sub(pd.RegisteredAt) > c.staleAfter
		if resolvedExpired || stale {
			pd.graceTimer.Stop()
			delete(c.pending, id)
			removed++
		}
	}
	return removed
}
