package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/YinLenRed/xiaozhiplus-sub000/internal/domain"
)

func msgAt(id string, priority int, created time.Time) *domain.Message {
	return &domain.Message{
		ID:        id,
		DeviceID:  "dev1",
		Content:   id,
		Priority:  priority,
		Status:    domain.StatusQueued,
		CreatedAt: created,
	}
}

func pendingIDs(q *deviceQueue) []string {
	ids := make([]string, 0, len(q.pending))
	for _, m := range q.pending {
		ids = append(ids, m.ID)
	}
	return ids
}

func TestInsertPriorityOrder(t *testing.T) {
	q := newDeviceQueue("dev1")
	base := time.Now()
	q.insert(msgAt("hello", 1, base))
	q.insert(msgAt("alert", 0, base.Add(time.Millisecond)))

	assert.Equal(t, []string{"alert", "hello"}, pendingIDs(q))
}

func TestInsertFIFOWithinEqualPriority(t *testing.T) {
	q := newDeviceQueue("dev1")
	base := time.Now()
	q.insert(msgAt("a", 1, base))
	q.insert(msgAt("b", 1, base.Add(time.Millisecond)))
	q.insert(msgAt("urgent", 0, base.Add(2*time.Millisecond)))
	q.insert(msgAt("c", 1, base.Add(3*time.Millisecond)))
	q.insert(msgAt("low", 2, base.Add(4*time.Millisecond)))

	assert.Equal(t, []string{"urgent", "a", "b", "c", "low"}, pendingIDs(q))
}

func TestEvictOldestPicksEarliestCreated(t *testing.T) {
	q := newDeviceQueue("dev1")
	base := time.Now()
	// "first" arrived earliest but sits behind "urgent" in priority order.
	q.insert(msgAt("first", 1, base))
	q.insert(msgAt("urgent", 0, base.Add(time.Millisecond)))
	q.insert(msgAt("second", 1, base.Add(2*time.Millisecond)))

	victim := q.evictOldest()
	assert.Equal(t, "first", victim.ID)
	assert.Equal(t, domain.StatusCancelled, victim.Status)
	assert.Equal(t, []string{"urgent", "second"}, pendingIDs(q))
}

func TestEvictOldestEmptyQueue(t *testing.T) {
	q := newDeviceQueue("dev1")
	assert.Nil(t, q.evictOldest())
}

func TestPopDrainsInOrder(t *testing.T) {
	q := newDeviceQueue("dev1")
	base := time.Now()
	q.insert(msgAt("a", 0, base))
	q.insert(msgAt("b", 1, base.Add(time.Millisecond)))

	assert.Equal(t, "a", q.pop().ID)
	assert.Equal(t, "b", q.pop().ID)
	assert.Nil(t, q.pop())
}
