// Package store persists Payment records on behalf of the relayer.
package store

import (
	"context"
	"errors"

	"github.com/speedrun-hq/session-relayer/pkg/models"
)

// ErrNotFound is returned when no payment exists for an id
var ErrNotFound = errors.New("payment not found")

// PaymentStore reads and writes Payment records.
// Save creates or updates the record and merges Metadata keys into the stored ones.
type PaymentStore interface {
	FindByID(ctx context.Context, id string) (*models.Payment, error)
	Save(ctx context.Context, p *models.Payment) error
}

func mergeMetadata(dst, src map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
