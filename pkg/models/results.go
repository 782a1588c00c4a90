package models

import "time"

// QuickPayResult is returned for every quickpay submission that is not rejected outright
type QuickPayResult struct {
	Success     bool       `json:"success"`
	PaymentID   string     `json:"paymentId"`
	TxHash      string     `json:"txHash,omitempty"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	Queued      bool       `json:"queued,omitempty"`
	MockMode    bool       `json:"mockMode,omitempty"`
	Replayed    bool       `json:"replayed,omitempty"`
}

// QueueStatus summarizes the retry queue
type QueueStatus struct {
	QueueLength            int        `json:"queueLength"`
	OldestPaymentTimestamp *time.Time `json:"oldestPaymentTimestamp"`
	IsProcessing           bool       `json:"isProcessing"`
}
