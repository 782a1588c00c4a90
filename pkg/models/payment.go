package models

// PaymentStatus is the lifecycle state of a payment record
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
)

// Metadata keys written by the relayer
const (
	MetaOptimistic        = "optimistic"
	MetaQueued            = "queued"
	MetaMockMode          = "mockMode"
	MetaBlockNumber       = "blockNumber"
	MetaGasUsed           = "gasUsed"
	MetaConfirmedAt       = "confirmedAt"
	MetaChainAmount       = "chainAmount"
	MetaRecipient         = "recipient"
	MetaSignatureVerified = "signatureVerified"
	MetaFailureReason     = "failureReason"
	MetaBatchSettled      = "batchSettled"
	MetaRetryCount        = "retryCount"
	// MetaPendingTxHash is a quickpay transaction broadcast but not confirmed before queueing
	MetaPendingTxHash = "pendingTxHash"
)

// Payment is the externally stored record of a payment.
// Saving merges Metadata keys into what is already stored.
type Payment struct {
	ID              string                 `json:"id"`
	Status          PaymentStatus          `json:"status"`
	TransactionHash string                 `json:"transactionHash,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// IsOptimistic reports whether the completed status has not been confirmed on the ledger yet
func (p *Payment) IsOptimistic() bool {
	if p.Metadata == nil {
		return false
	}
	v, ok := p.Metadata[MetaOptimistic].(bool)
	return ok && v
}
