// Package dispatch ties the ordering layer to the delivery layer. The
// orchestrator accepts producer submissions into the per-device queues and,
// on behalf of queue workers, turns a dequeued message into a registered,
// published delivery.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/YinLenRed/xiaozhiplus-sub000/internal/domain"
	"github.com/YinLenRed/xiaozhiplus-sub000/pkg/telemetry"
)

// Publisher sends a SPEAK command to one device over the bus.
type Publisher interface {
	PublishSpeak(ctx context.Context, deviceID, text, trackID string) error
}

// Registrar tracks a published command until the device answers or the
// correlator gives up on it.
type Registrar interface {
	Register(ctx context.Context, deviceID, content, trackID string)
	Abort(trackID string)
}

// Enqueuer is the subset of the queue manager the orchestrator submits to.
type Enqueuer interface {
	Enqueue(ctx context.Context, deviceID, content string, category domain.Category, priority int) (string, error)
}

// Orchestrator is the single entry point for producers and the single
// Dispatch implementation for queue workers.
type Orchestrator struct {
	bus        Publisher
	correlator Registrar
	queue      Enqueuer
	logger     *slog.Logger
}

// New constructs an Orchestrator. The correlator and queue manager are
// attached afterwards with Wire: the manager is constructed with the
// orchestrator as its dispatcher and the correlator with the manager as its
// resolver, so neither exists yet here.
func New(bus Publisher, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{bus: bus, logger: logger}
}

// Wire attaches the correlator and queue manager. Must be called before any
// message flows.
func (o *Orchestrator) Wire(correlator Registrar, queue Enqueuer) {
	o.correlator = correlator
	o.queue = queue
}

// SendMessage validates and enqueues a producer submission. It returns the
// message ID immediately; delivery happens asynchronously in queue order.
func (o *Orchestrator) SendMessage(ctx context.Context, deviceID, content string, category domain.Category, priority int) (string, error) {
	ctx, span := otel.Tracer("orchestrator").Start(ctx, "orchestrator.send_message")
	defer span.End()
	span.SetAttributes(
		attribute.String("device.id", deviceID),
		attribute.String("message.category", string(category)),
		attribute.Int("message.priority", priority),
	)

	id, err := o.queue.Enqueue(ctx, deviceID, content, category, priority)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue rejected")
		return "", fmt.Errorf("enqueue message for device %q: %w", deviceID, err)
	}

	telemetry.MessagesSubmitted.WithLabelValues(string(category)).Inc()
	span.SetAttributes(attribute.String("message.id", id))
	return id, nil
}

// Dispatch registers the delivery with the correlator and publishes the
// SPEAK command. Called only by queue workers, one call per device at a
// time. Registration precedes publish so an immediate ack always finds its
// pending delivery.
func (o *Orchestrator) Dispatch(ctx context.Context, deviceID, content, trackID string) error {
	ctx, span := otel.Tracer("orchestrator").Start(ctx, "orchestrator.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("device.id", deviceID),
		attribute.String("track.id", trackID),
	)

	o.correlator.Register(ctx, deviceID, content, trackID)

	if err := o.bus.PublishSpeak(ctx, deviceID, content, trackID); err != nil {
		o.correlator.Abort(trackID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		o.logger.Error("command publish failed",
			slog.String("device_id", deviceID),
			slog.String("track_id", trackID),
			slog.String("error", err.Error()),
		)
		return err
	}

	o.logger.Debug("command dispatched",
		slog.String("device_id", deviceID),
		slog.String("track_id", trackID),
	)
	return nil
}
