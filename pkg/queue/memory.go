package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/speedrun-hq/session-relayer/pkg/models"
)

// MemoryQueue is a process-local queue. Its contents are lost on restart.
type MemoryQueue struct {
	mu    sync.Mutex
	items []*models.QueuedPayment
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty in-memory queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(_ context.Context, req models.PaymentRequest, now time.Time) (*models.QueuedPayment, error) {
	item := &models.QueuedPayment{
		ID:         uuid.NewString(),
		Request:    req,
		EnqueuedAt: now,
		State:      models.QueuePending,
	}

	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	out := *item
	return &out, nil
}

func (q *MemoryQueue) DequeueBatch(_ context.Context, now time.Time, limit int, staleAfter time.Duration) ([]models.QueuedPayment, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var pending []*models.QueuedPayment
	for _, item := range q.items {
		if item.State == models.QueuePending {
			pending = append(pending, item)
		}
	}

	selected := selectBatch(pending, now, limit, staleAfter)
	out := make([]models.QueuedPayment, 0, len(selected))
	for _, item := range selected {
		item.State = models.QueueExecuting
		out = append(out, *item)
	}
	return out, nil
}

func (q *MemoryQueue) UpdateRetry(_ context.Context, id string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.items {
		if item.ID == id {
			item.RetryCount++
			item.State = models.QueuePending
			return item.RetryCount, nil
		}
	}
	return 0, ErrNotFound
}

func (q *MemoryQueue) Release(_ context.Context, ids ...string) error {
	release := make(map[string]bool, len(ids))
	for _, id := range ids {
		release[id] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.items {
		if release[item.ID] {
			item.State = models.QueuePending
		}
	}
	return nil
}

func (q *MemoryQueue) Remove(_ context.Context, ids ...string) error {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	for _, item := range q.items {
		if !drop[item.ID] {
			kept = append(kept, item)
		}
	}
	// clear the tail so removed items can be collected
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	return nil
}

func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{Length: len(q.items)}
	for _, item := range q.items {
		if stats.Oldest == nil || item.EnqueuedAt.Before(*stats.Oldest) {
			t := item.EnqueuedAt
			stats.Oldest = &t
		}
	}
	return stats, nil
}

func (q *MemoryQueue) Close() error { return nil }
