package models

import (
	"time"
)

// QueueState is the processing state of a queued payment
type QueueState string

const (
	QueuePending   QueueState = "pending"
	QueueExecuting QueueState = "executing"
)

// QueuedPayment is a payment waiting for batch settlement
type QueuedPayment struct {
	ID         string
	Request    PaymentRequest
	EnqueuedAt time.Time
	RetryCount int
	State      QueueState
}
