// Package bus owns the MQTT session to the device fleet: it publishes SPEAK
// commands and routes inbound acks and playback events to the correlator.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/YinLenRed/xiaozhiplus-sub000/internal/audit"
	"github.com/YinLenRed/xiaozhiplus-sub000/internal/domain"
	"github.com/YinLenRed/xiaozhiplus-sub000/pkg/retry"
	"github.com/YinLenRed/xiaozhiplus-sub000/pkg/telemetry"
)

// AckHandler receives device acknowledgements.
type AckHandler func(deviceID, trackID string, at time.Time)

// EventHandler receives playback completion/failure events.
type EventHandler func(deviceID, trackID string, failed bool, errMsg string)

const (
	kindAck   = "ack"
	kindDone  = "done"
	kindError = "error"
)

type inbound struct {
	kind     string
	deviceID string
	trackID  string
	errMsg   string
	at       time.Time
}

// Adapter bridges the paho network goroutines into the rest of the pipeline.
// Inbound messages land in a bounded inbox; Run drains it on a single
// goroutine, so handlers never run on the network loop.
type Adapter struct {
	client Client
	audit  audit.Store
	broker string
	logger *slog.Logger
	inbox  chan inbound

	mu      sync.RWMutex
	onAck   AckHandler
	onEvent EventHandler

	connectAttempts int
	connectBase     time.Duration
	connectCap      time.Duration
}

// Option configures the Adapter.
type Option func(*Adapter)

// WithInboxSize sets the handoff buffer between the network loop and Run.
func WithInboxSize(n int) Option {
	return func(a *Adapter) { a.inbox = make(chan inbound, n) }
}

// WithConnectRetry bounds the startup connection window.
func WithConnectRetry(attempts int, base, cap time.Duration) Option {
	return func(a *Adapter) {
		a.connectAttempts = attempts
		a.connectBase = base
		a.connectCap = cap
	}
}

// NewAdapter creates the transport adapter. auditStore receives best-effort
// diagnostic writes; it may be the in-memory store or Redis-backed.
func NewAdapter(client Client, auditStore audit.Store, brokerURL string, logger *slog.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		client:          client,
		audit:           auditStore,
		broker:          brokerURL,
		logger:          logger,
		inbox:           make(chan inbound, 256),
		connectAttempts: 5,
		connectBase:     time.Second,
		connectCap:      30 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// OnAck registers the handler invoked for every device acknowledgement.
func (a *Adapter) OnAck(h AckHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onAck = h
}

// OnEvent registers the handler invoked for every playback event.
func (a *Adapter) OnEvent(h EventHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onEvent = h
}

// Connect establishes the session within the bounded retry window and
// subscribes to the per-device ack and event topics.
func (a *Adapter) Connect(ctx context.Context) error {
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: a.connectAttempts,
		BaseDelay:   a.connectBase,
		MaxDelay:    a.connectCap,
		OnRetry: func(attempt int, err error) {
			a.logger.Warn("bus connect failed, retrying",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}, a.client.Connect)
	if err != nil {
		return &domain.ConnectionError{Broker: a.broker, Err: err}
	}

	if err := a.client.Subscribe(ackFilter, a.handleAckRaw); err != nil {
		return &domain.ConnectionError{Broker: a.broker, Err: fmt.Errorf("subscribe %s: %w", ackFilter, err)}
	}
	if err := a.client.Subscribe(eventFilter, a.handleEventRaw); err != nil {
		return &domain.ConnectionError{Broker: a.broker, Err: fmt.Errorf("subscribe %s: %w", eventFilter, err)}
	}
	return nil
}

// Close tears down the MQTT session.
func (a *Adapter) Close() {
	a.client.Disconnect()
}

// Connected reports whether the MQTT session is currently up. Used by the
// readiness probe.
func (a *Adapter) Connected() bool {
	return a.client.Connected()
}

// PublishSpeak serializes and sends a SPEAK command to one device.
func (a *Adapter) PublishSpeak(ctx context.Context, deviceID, text, trackID string) error {
	_, span := otel.Tracer("bus").Start(ctx, "bus.publish_speak")
	defer span.End()
	span.SetAttributes(
		attribute.String("device.id", deviceID),
		attribute.String("track.id", trackID),
	)

	payload, err := json.Marshal(Command{Cmd: CmdSpeak, Text: text, TrackID: trackID})
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	if err := a.client.Publish(commandTopic(deviceID), payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		telemetry.BusPublished.WithLabelValues("error").Inc()
		return &domain.TransportError{DeviceID: deviceID, Err: err}
	}

	telemetry.BusPublished.WithLabelValues("ok").Inc()
	a.logger.Debug("command published",
		slog.String("device_id", deviceID),
		slog.String("track_id", trackID),
	)
	return nil
}

// Run drains the inbox and invokes the registered handlers. It is the only
// place inbound traffic touches the rest of the pipeline. Blocks until ctx is
// cancelled.
func (a *Adapter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-a.inbox:
			a.dispatch(ctx, m)
		}
	}
}

func (a *Adapter) dispatch(ctx context.Context, m inbound) {
	// Best-effort audit write; never blocks the correlation path on failure.
	status := map[string]string{kindAck: EvtCmdReceived, kindDone: EvtSpeakDone, kindError: EvtSpeakError}[m.kind]
	if err := a.audit.Record(ctx, m.deviceID, m.trackID, status); err != nil {
		a.logger.Warn("audit write failed",
			slog.String("device_id", m.deviceID),
			slog.String("track_id", m.trackID),
			slog.String("error", err.Error()),
		)
	}

	a.mu.RLock()
	onAck, onEvent := a.onAck, a.onEvent
	a.mu.RUnlock()

	switch m.kind {
	case kindAck:
		if onAck != nil {
			onAck(m.deviceID, m.trackID, m.at)
		}
	case kindDone:
		if onEvent != nil {
			onEvent(m.deviceID, m.trackID, false, "")
		}
	case kindError:
		if onEvent != nil {
			onEvent(m.deviceID, m.trackID, true, m.errMsg)
		}
	}
}

// handleAckRaw runs on the paho network goroutine. It decodes and hands off;
// it must never touch pipeline state directly.
func (a *Adapter) handleAckRaw(topic string, payload []byte) {
	deviceID, ok := deviceFromTopic(topic)
	if !ok {
		a.logger.Warn("ack on unexpected topic", slog.String("topic", topic))
		return
	}
	ack, err := decodeAck(payload)
	if err != nil {
		a.logger.Warn("malformed ack discarded",
			slog.String("device_id", deviceID),
			slog.String("error", err.Error()),
		)
		return
	}

	at, err := time.Parse(time.RFC3339, ack.Timestamp)
	if err != nil {
		at = time.Now()
	}

	telemetry.BusInbound.WithLabelValues(kindAck).Inc()
	a.offer(inbound{kind: kindAck, deviceID: deviceID, trackID: ack.TrackID, at: at})
}

// handleEventRaw runs on the paho network goroutine.
func (a *Adapter) handleEventRaw(topic string, payload []byte) {
	deviceID, ok := deviceFromTopic(topic)
	if !ok {
		a.logger.Warn("event on unexpected topic", slog.String("topic", topic))
		return
	}
	evt, err := decodeEvent(payload)
	if err != nil {
		a.logger.Warn("malformed event discarded",
			slog.String("device_id", deviceID),
			slog.String("error", err.Error()),
		)
		return
	}

	kind := kindDone
	if evt.Evt == EvtSpeakError {
		kind = kindError
	}
	telemetry.BusInbound.WithLabelValues(kind).Inc()
	a.offer(inbound{kind: kind, deviceID: deviceID, trackID: evt.TrackID, errMsg: evt.Error, at: time.Now()})
}

// offer pushes into the inbox without ever blocking the network loop. A full
// inbox drops the message; the device will either retry or the in-flight
// message fails by timeout.
func (a *Adapter) offer(m inbound) {
	select {
	case a.inbox <- m:
	default:
		telemetry.BusInboundDropped.Inc()
		a.logger.Error("inbox full, inbound message dropped",
			slog.String("kind", m.kind),
			slog.String("device_id", m.deviceID),
			slog.String("track_id", m.trackID),
		)
	}
}
