// Package queue holds payments that failed immediate settlement until a batch settles them.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/speedrun-hq/session-relayer/pkg/models"
)

// ErrNotFound is returned when an id is not in the queue
var ErrNotFound = errors.New("queued payment not found")

// Stats summarizes the queue. Executing items are still counted.
type Stats struct {
	Length int
	Oldest *time.Time
}

// Queue is an ordered store of payments awaiting batch settlement
type Queue interface {
	// Enqueue appends a payment with a zero retry count
	Enqueue(ctx context.Context, req models.PaymentRequest, now time.Time) (*models.QueuedPayment, error)

	// DequeueBatch marks up to limit pending items as executing and returns them.
	// If any pending item is older than staleAfter, only stale items are
	// selected; otherwise the oldest pending items are.
	DequeueBatch(ctx context.Context, now time.Time, limit int, staleAfter time.Duration) ([]models.QueuedPayment, error)

	// UpdateRetry increments the retry count, returns the item to pending and
	// reports the new count. The item keeps its queue position.
	UpdateRetry(ctx context.Context, id string) (int, error)

	// Release returns executing items to pending without counting a retry.
	// Unknown ids are ignored.
	Release(ctx context.Context, ids ...string) error

	// Remove deletes items. Unknown ids are ignored.
	Remove(ctx context.Context, ids ...string) error

	Stats(ctx context.Context) (Stats, error)

	Close() error
}

// selectBatch applies the stale-first selection to pending items in queue order
func selectBatch(pending []*models.QueuedPayment, now time.Time, limit int, staleAfter time.Duration) []*models.QueuedPayment {
	var stale []*models.QueuedPayment
	for _, item := range pending {
		if now.Sub(item.EnqueuedAt) > staleAfter {
			stale = append(stale, item)
		}
	}

	selected := pending
	if len(stale) > 0 {
		selected = stale
	}
	if limit > 0 && len(selected) > limit {
		selected = selected[:limit]
	}
	return selected
}
