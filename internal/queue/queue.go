package queue

import (
	"github.com/YinLenRed/xiaozhiplus-sub000/internal/domain"
)

// deviceQueue holds one device's pending messages plus the single in-flight
// message. All fields are guarded by the Manager's mutex; the worker owns the
// in-flight message's mutation.
type deviceQueue struct {
	deviceID string
	pending  []*domain.Message
	inFlight *domain.Message
	resolved chan domain.Status // buffered(1), recreated per in-flight message
	wake     chan struct{}      // buffered(1) worker wake-up
	running  bool               // worker goroutine alive

	total     int
	completed int
	failed    int
	cancelled int
}

func newDeviceQueue(deviceID string) *deviceQueue {
	return &deviceQueue{
		deviceID: deviceID,
		wake:     make(chan struct{}, 1),
	}
}

// insert places msg in priority order: lower Priority first, FIFO within
// equal priority (stable insertion after the last message of the same or
// lower priority value).
func (q *deviceQueue) insert(msg *domain.Message) {
	idx := len(q.pending)
	for i, m := range q.pending {
		if m.Priority > msg.Priority {
			idx = i
			break
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = msg
	q.total++
}

// evictOldest cancels and removes the earliest-created pending message. The
// in-flight message is never a candidate.
func (q *deviceQueue) evictOldest() *domain.Message {
	if len(q.pending) == 0 {
		return nil
	}
	oldest := 0
	for i, m := range q.pending {
		if m.CreatedAt.Before(q.pending[oldest].CreatedAt) {
			oldest = i
		}
	}
	victim := q.pending[oldest]
	q.pending = append(q.pending[:oldest], q.pending[oldest+1:]...)
	victim.Status = domain.StatusCancelled
	q.cancelled++
	return victim
}

// pop removes and returns the head of the queue, or nil when empty.
func (q *deviceQueue) pop() *domain.Message {
	if len(q.pending) == 0 {
		return nil
	}
	msg := q.pending[0]
	q.pending = q.pending[1:]
	return msg
}

// signal wakes the worker without blocking.
func (q *deviceQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
