package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Orchestrator / API ──────────────────────────────────────────────────────

	MessagesSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xiaozhiplus",
		Subsystem: "delivery",
		Name:      "messages_submitted_total",
		Help:      "Total messages accepted for delivery, labelled by category.",
	}, []string{"category"})

	MessagesRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "xiaozhiplus",
		Subsystem: "delivery",
		Name:      "messages_rate_limited_total",
		Help:      "Total submissions rejected by the per-device rate limiter.",
	})

	// ─── Device queues ───────────────────────────────────────────────────────────

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "xiaozhiplus",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Messages currently queued per device.",
	}, []string{"device_id"})

	QueueEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xiaozhiplus",
		Subsystem: "queue",
		Name:      "evictions_total",
		Help:      "Queued messages cancelled to admit newer ones.",
	}, []string{"device_id"})

	MessagesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xiaozhiplus",
		Subsystem: "queue",
		Name:      "messages_finished_total",
		Help:      "Messages that left the PLAYING state, labelled by outcome.",
	}, []string{"outcome"})

	PlaybackTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "xiaozhiplus",
		Subsystem: "queue",
		Name:      "playback_timeouts_total",
		Help:      "In-flight messages failed because no completion event arrived in time.",
	})

	PlaybackDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "xiaozhiplus",
		Subsystem: "queue",
		Name:      "playback_duration_seconds",
		Help:      "Time from dispatch to resolution for completed messages.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	// ─── Correlator ──────────────────────────────────────────────────────────────

	AckLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "xiaozhiplus",
		Subsystem: "correlator",
		Name:      "ack_latency_seconds",
		Help:      "Time from command publish to device acknowledgement.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	FallbacksFired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "xiaozhiplus",
		Subsystem: "correlator",
		Name:      "fallbacks_total",
		Help:      "Deliveries that proceeded without an acknowledgement.",
	})

	CorrelationMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "xiaozhiplus",
		Subsystem: "correlator",
		Name:      "mismatches_total",
		Help:      "Inbound acks/events discarded for unknown or stale track IDs.",
	})

	SynthesisFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "xiaozhiplus",
		Subsystem: "correlator",
		Name:      "synthesis_failures_total",
		Help:      "Deliveries failed during speech synthesis or audio transmission.",
	})

	// ─── Bus transport ───────────────────────────────────────────────────────────

	BusPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xiaozhiplus",
		Subsystem: "bus",
		Name:      "published_total",
		Help:      "Commands published to device command topics.",
	}, []string{"result"})

	BusInbound = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xiaozhiplus",
		Subsystem: "bus",
		Name:      "inbound_total",
		Help:      "Acks and events received from devices, labelled by kind.",
	}, []string{"kind"})

	BusInboundDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "xiaozhiplus",
		Subsystem: "bus",
		Name:      "inbound_dropped_total",
		Help:      "Inbound messages dropped because the handoff buffer was full.",
	})
)
