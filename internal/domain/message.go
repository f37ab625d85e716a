package domain

import "time"

// Status represents the delivery states a message can be in.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusPlaying   Status = "PLAYING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether moving from s to next is a legal forward
// transition. Messages never move backward: QUEUED → PLAYING → {COMPLETED,
// FAILED}, or QUEUED → CANCELLED when evicted.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusPlaying || next == StatusCancelled
	case StatusPlaying:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Category is the semantic tag attached to a message by its producer.
type Category string

const (
	CategoryAlert          Category = "alert"
	CategoryReminder       Category = "reminder"
	CategoryGreeting       Category = "greeting"
	CategorySystemResponse Category = "system-response"
)

// ParseCategory validates a producer-supplied category string.
func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategoryAlert, CategoryReminder, CategoryGreeting, CategorySystemResponse:
		return Category(s), nil
	}
	return "", &ValidationError{Field: "category", Reason: "unknown category " + s}
}

// Message is a unit of speech to deliver to one device. A Message is created
// by the orchestrator on enqueue and from then on mutated only by the queue
// worker that owns its device.
type Message struct {
	ID          string     `json:"id"`
	DeviceID    string     `json:"device_id"`
	Content     string     `json:"content"`
	Category    Category   `json:"category"`
	Priority    int        `json:"priority"` // lower = more urgent
	Status      Status     `json:"status"`
	TrackID     string     `json:"track_id,omitempty"` // assigned once, at dequeue
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
}
