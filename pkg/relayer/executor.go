// Package relayer settles signed session payments on the ledger, immediately
// through quickpay or later through batched retries.
package relayer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/session-relayer/pkg/ledger"
	"github.com/speedrun-hq/session-relayer/pkg/logger"
	"github.com/speedrun-hq/session-relayer/pkg/metrics"
	"github.com/speedrun-hq/session-relayer/pkg/models"
	"github.com/speedrun-hq/session-relayer/pkg/queue"
	"github.com/speedrun-hq/session-relayer/pkg/signature"
	"github.com/speedrun-hq/session-relayer/pkg/store"
	"github.com/speedrun-hq/session-relayer/pkg/units"
)

// ExecutorConfig holds the quickpay parameters
type ExecutorConfig struct {
	// CommissionAddress receives payments with a zero recipient
	CommissionAddress   common.Address
	LedgerDecimals      int
	ConfirmationTimeout time.Duration
}

// Executor runs the quickpay fast path
type Executor struct {
	ledger   ledger.Client
	verifier *signature.Verifier
	payments store.PaymentStore
	queue    queue.Queue
	nonces   *NonceTracker
	cfg      ExecutorConfig
	now      func() time.Time
	logger   logger.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewExecutor creates a quickpay executor
func NewExecutor(
	client ledger.Client,
	payments store.PaymentStore,
	q queue.Queue,
	nonces *NonceTracker,
	cfg ExecutorConfig,
	log logger.Logger,
) *Executor {
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = 2 * time.Minute
	}
	return &Executor{
		ledger:   client,
		verifier: signature.NewVerifier(client.ChainID(), cfg.LedgerDecimals, cfg.CommissionAddress, log),
		payments: payments,
		queue:    q,
		nonces:   nonces,
		cfg:      cfg,
		now:      time.Now,
		logger:   log,
		inFlight: make(map[string]struct{}),
	}
}

// WithClock replaces the time source, used in tests
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// prepared is the working state of one submission. The incoming request is never mutated.
type prepared struct {
	req               models.PaymentRequest
	parsed            *parsedRequest
	recipient         common.Address
	chainAmount       *big.Int
	toCommission      bool
	signatureVerified bool
}

// Submit settles a payment immediately, falling back to the retry queue when
// settlement fails for a reason that may clear up.
func (e *Executor) Submit(ctx context.Context, req models.PaymentRequest) (*models.QuickPayResult, error) {
	start := time.Now()
	result, err := e.submit(ctx, req)

	metrics.QuickPayDuration.Observe(time.Since(start).Seconds())
	metrics.QuickPayRequests.WithLabelValues(outcome(result, err)).Inc()
	return result, err
}

func outcome(result *models.QuickPayResult, err error) string {
	switch {
	case err != nil:
		return string(KindOf(err))
	case result.Replayed:
		return "replayed"
	case result.Queued:
		return "queued"
	case result.MockMode:
		return "mock"
	default:
		return "success"
	}
}

func (e *Executor) submit(ctx context.Context, req models.PaymentRequest) (*models.QuickPayResult, error) {
	parsed, err := parseRequest(req)
	if err != nil {
		return nil, err
	}

	p := &prepared{req: req, parsed: parsed, recipient: parsed.recipient}

	// zero recipient settles to the commission contract
	zero := common.Address{}
	commission := e.cfg.CommissionAddress
	p.toCommission = p.recipient == zero || (commission != zero && p.recipient == commission)
	if p.recipient == zero {
		if commission == zero {
			return nil, validationError(ErrSettlementAddressMissing, "payment %s", req.PaymentID)
		}
		p.recipient = commission
		p.req.Recipient = commission.Hex()
	}

	if !e.acquire(req.PaymentID) {
		return nil, newError(KindConflict, ErrPaymentInFlight, "payment %s", req.PaymentID)
	}
	defer e.release(req.PaymentID)

	if replay, err := e.replay(ctx, req.PaymentID); err != nil || replay != nil {
		return replay, err
	}

	if err := e.verify(ctx, p); err != nil {
		return nil, err
	}

	if err := e.checkSession(ctx, p); err != nil {
		return nil, err
	}

	if err := e.savePayment(ctx, p.req.PaymentID, models.PaymentCompleted, "", map[string]interface{}{
		models.MetaOptimistic:  true,
		models.MetaRecipient:   p.recipient.Hex(),
		models.MetaChainAmount: p.chainAmount.String(),
	}); err != nil {
		return nil, newError(KindInfrastructure, err, "recording payment %s", req.PaymentID)
	}

	if err := e.nonces.Advance(parsed.sessionID, req.Nonce); err != nil {
		e.markFailed(ctx, req.PaymentID, "nonce_replay")
		return nil, err
	}

	return e.execute(ctx, p)
}

func (e *Executor) acquire(paymentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[paymentID]; busy {
		return false
	}
	e.inFlight[paymentID] = struct{}{}
	return true
}

func (e *Executor) release(paymentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, paymentID)
}

// replay returns the stored outcome of a payment that was already settled or queued
func (e *Executor) replay(ctx context.Context, paymentID string) (*models.QuickPayResult, error) {
	existing, err := e.payments.FindByID(ctx, paymentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, newError(KindInfrastructure, err, "loading payment %s", paymentID)
	}

	switch {
	case existing.Status == models.PaymentCompleted && !existing.IsOptimistic() && existing.TransactionHash != "":
		e.logger.Info("Payment %s already settled in %s, replaying result", paymentID, existing.TransactionHash)
		result := &models.QuickPayResult{
			Success:   true,
			PaymentID: paymentID,
			TxHash:    existing.TransactionHash,
			Replayed:  true,
		}
		if s, ok := existing.Metadata[models.MetaConfirmedAt].(string); ok {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				result.ConfirmedAt = &t
			}
		}
		return result, nil
	case existing.Status == models.PaymentProcessing && existing.Metadata[models.MetaQueued] == true:
		e.logger.Info("Payment %s is already queued for batch settlement", paymentID)
		return &models.QuickPayResult{PaymentID: paymentID, Queued: true, Replayed: true}, nil
	}
	return nil, nil
}

// verify checks the signature off-chain. A mismatch is logged, never rejected:
// the ledger performs the authoritative check.
func (e *Executor) verify(ctx context.Context, p *prepared) error {
	session, err := e.ledger.GetSession(ctx, p.parsed.sessionID)
	if err != nil {
		return newError(KindTransientChain, err, "reading session %s", p.req.SessionID)
	}

	match, ok := e.verifier.Verify(p.req, session)
	if !ok {
		e.logger.Notice("Signature for payment %s does not recover to the session signer, submitting anyway", p.req.PaymentID)
		return nil
	}

	p.signatureVerified = true
	if match.Source == signature.SourcePaymentID {
		// orderId only matters for matching, drop it so the ledger sees the signed id
		p.req.OrderID = ""
	}
	if match.Recipient != p.recipient {
		e.logger.Info("Payment %s was signed for %s, using it as recipient", p.req.PaymentID, match.Recipient.Hex())
		p.recipient = match.Recipient
		p.req.Recipient = match.Recipient.Hex()
		p.req.CallData = ""
		p.parsed.callData = nil
	}
	return nil
}

// checkSession re-reads the session and enforces the activity and spending limits
func (e *Executor) checkSession(ctx context.Context, p *prepared) error {
	session, err := e.ledger.GetSession(ctx, p.parsed.sessionID)
	if err != nil {
		return newError(KindTransientChain, err, "reading session %s", p.req.SessionID)
	}

	now := e.now()
	if !session.Active {
		return validationError(ErrSessionInactive, "session %s", p.req.SessionID)
	}
	if session.Expiry > 0 && now.Unix() > session.Expiry {
		return validationError(ErrSessionInactive, "session %s expired", p.req.SessionID)
	}

	p.chainAmount = units.Scale(p.parsed.amount, p.req.Decimals(), e.cfg.LedgerDecimals)
	if p.chainAmount.Sign() == 0 {
		return validationError(ErrInvalidRequest, "amount %s rounds to zero at %d decimals", p.req.Amount, e.cfg.LedgerDecimals)
	}

	if session.SingleLimit != nil && p.chainAmount.Cmp(session.SingleLimit) > 0 {
		return validationError(ErrSingleLimitExceeded, "%s > %s", p.chainAmount, session.SingleLimit)
	}

	used := session.UsedToday
	if ledger.NeedsRollover(now, session) {
		refreshed, err := e.ledger.GetSession(ctx, p.parsed.sessionID)
		if err != nil {
			return newError(KindTransientChain, err, "re-reading session %s", p.req.SessionID)
		}
		used = refreshed.UsedToday
		if ledger.NeedsRollover(now, refreshed) {
			// the ledger resets the counter on the first payment of the day
			used = big.NewInt(0)
		}
		if refreshed.DailyLimit != nil {
			session.DailyLimit = refreshed.DailyLimit
		}
	}
	if used == nil {
		used = big.NewInt(0)
	}

	total := new(big.Int).Add(used, p.chainAmount)
	if session.DailyLimit != nil && total.Cmp(session.DailyLimit) > 0 {
		return validationError(ErrDailyLimitExceeded, "%s used + %s > %s", used, p.chainAmount, session.DailyLimit)
	}
	return nil
}

func (e *Executor) execute(ctx context.Context, p *prepared) (*models.QuickPayResult, error) {
	params := ledger.ExecuteParams{
		SessionID: p.parsed.sessionID,
		Recipient: p.recipient,
		Amount:    p.chainAmount,
		PaymentID: settlementID(p.req),
		Signature: p.parsed.signature,
		CallData:  p.parsed.callData,
	}

	if err := e.ledger.SimulateSingle(ctx, params); err != nil {
		fatal, reason := ledger.ClassifyRevert(err)
		if fatal {
			e.logger.Error("Payment %s rejected by ledger simulation (%s): %v", p.req.PaymentID, reason, err)
			e.markFailed(ctx, p.req.PaymentID, reason)
			return nil, newError(KindChainFatal, err, "payment %s: %s", p.req.PaymentID, reason)
		}
		e.logger.Notice("Simulation of payment %s failed (%s), submitting anyway: %v", p.req.PaymentID, reason, err)
	}

	h, err := e.ledger.SubmitSingle(ctx, params)
	if err != nil {
		return e.fallback(ctx, p, "", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmationTimeout)
	conf, err := e.ledger.WaitConfirmed(waitCtx, h)
	cancel()
	if err != nil {
		// the transaction may still mine, the scheduler checks it before batching
		return e.fallback(ctx, p, h.Hash, err)
	}
	if !conf.Executed {
		return e.fallback(ctx, p, "", fmt.Errorf("%w: %s", ErrNoExecutionEvent, h.Hash))
	}
	metrics.GasUsed.WithLabelValues("single").Observe(float64(conf.GasUsed))

	// the request may have been abandoned by now, the record must still be written
	persistCtx := context.WithoutCancel(ctx)

	if p.toCommission {
		e.distribute(persistCtx, params.PaymentID)
	}

	confirmedAt := e.now().UTC()
	meta := map[string]interface{}{
		models.MetaOptimistic:        false,
		models.MetaBlockNumber:       conf.BlockNumber,
		models.MetaGasUsed:           conf.GasUsed,
		models.MetaConfirmedAt:       confirmedAt.Format(time.RFC3339),
		models.MetaChainAmount:       p.chainAmount.String(),
		models.MetaRecipient:         p.recipient.Hex(),
		models.MetaSignatureVerified: p.signatureVerified,
	}
	mock := e.ledger.Mode() == ledger.ModeMock
	if mock {
		meta[models.MetaMockMode] = true
	}
	if err := e.savePayment(persistCtx, p.req.PaymentID, models.PaymentCompleted, h.Hash, meta); err != nil {
		// settled on-chain, only the record is stale
		e.logger.Error("Payment %s settled in %s but the record could not be updated: %v", p.req.PaymentID, h.Hash, err)
	}

	e.logger.Info("Payment %s settled in %s (block %d)", p.req.PaymentID, h.Hash, conf.BlockNumber)
	return &models.QuickPayResult{
		Success:     true,
		PaymentID:   p.req.PaymentID,
		TxHash:      h.Hash,
		ConfirmedAt: &confirmedAt,
		MockMode:    mock,
	}, nil
}

func (e *Executor) distribute(ctx context.Context, paymentID [32]byte) {
	h, err := e.ledger.Distribute(ctx, paymentID)
	if err == nil {
		waitCtx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmationTimeout)
		_, err = e.ledger.WaitConfirmed(waitCtx, h)
		cancel()
	}
	if err != nil {
		metrics.Distributions.WithLabelValues("failed").Inc()
		e.logger.Error("Commission distribution for %s failed: %v", common.Hash(paymentID).Hex(), err)
		return
	}
	metrics.Distributions.WithLabelValues("success").Inc()
}

// fallback handles a failed submission or confirmation. pendingTx is the hash of
// a broadcast transaction whose outcome is unknown, if any.
func (e *Executor) fallback(ctx context.Context, p *prepared, pendingTx string, cause error) (*models.QuickPayResult, error) {
	persistCtx := context.WithoutCancel(ctx)
	_, reason := ledger.ClassifyRevert(cause)

	if e.ledger.Mode() == ledger.ModeMock {
		return e.completeMock(persistCtx, p)
	}

	balance, err := e.ledger.RelayerBalance(persistCtx)
	if err == nil && balance.Sign() == 0 {
		e.logger.Error("Relayer %s has no balance, failing payment %s", e.ledger.RelayerAddress().Hex(), p.req.PaymentID)
		e.markFailed(persistCtx, p.req.PaymentID, "relayer_unfunded")
		metrics.TerminalFailures.WithLabelValues("relayer_unfunded").Inc()
		return nil, newError(KindInfrastructure, ErrRelayerUnfunded, "relayer %s", e.ledger.RelayerAddress().Hex())
	}

	item, err := e.queue.Enqueue(persistCtx, p.req, e.now())
	if err != nil {
		e.logger.Error("Failed to queue payment %s: %v", p.req.PaymentID, err)
		e.markFailed(persistCtx, p.req.PaymentID, "queue_unavailable")
		return nil, newError(KindInfrastructure, fmt.Errorf("%w: %v", ErrQueueUnavailable, err), "payment %s", p.req.PaymentID)
	}
	metrics.PaymentsQueued.Inc()
	if stats, err := e.queue.Stats(persistCtx); err == nil {
		metrics.RetryQueueSize.Set(float64(stats.Length))
	}

	meta := map[string]interface{}{
		models.MetaOptimistic: false,
		models.MetaQueued:     true,
		"queueId":             item.ID,
		"lastError":           reason,
	}
	if pendingTx != "" {
		meta[models.MetaPendingTxHash] = pendingTx
	}
	if err := e.savePayment(persistCtx, p.req.PaymentID, models.PaymentProcessing, "", meta); err != nil {
		e.logger.Error("Payment %s queued but the record could not be updated: %v", p.req.PaymentID, err)
	}

	e.logger.Notice("Quickpay for %s failed (%s), queued for batch settlement: %v", p.req.PaymentID, reason, cause)
	return &models.QuickPayResult{PaymentID: p.req.PaymentID, Queued: true}, nil
}

// completeMock finishes a payment with a synthetic hash when no ledger is connected
func (e *Executor) completeMock(ctx context.Context, p *prepared) (*models.QuickPayResult, error) {
	hash, err := ledger.MockHash()
	if err != nil {
		return nil, newError(KindInfrastructure, err, "payment %s", p.req.PaymentID)
	}

	confirmedAt := e.now().UTC()
	if err := e.savePayment(ctx, p.req.PaymentID, models.PaymentCompleted, hash, map[string]interface{}{
		models.MetaOptimistic:  false,
		models.MetaMockMode:    true,
		models.MetaConfirmedAt: confirmedAt.Format(time.RFC3339),
		models.MetaChainAmount: p.chainAmount.String(),
	}); err != nil {
		e.logger.Error("Failed to record mock payment %s: %v", p.req.PaymentID, err)
	}

	return &models.QuickPayResult{
		Success:     true,
		PaymentID:   p.req.PaymentID,
		TxHash:      hash,
		ConfirmedAt: &confirmedAt,
		MockMode:    true,
	}, nil
}

func (e *Executor) savePayment(ctx context.Context, id string, status models.PaymentStatus, txHash string, meta map[string]interface{}) error {
	return e.payments.Save(ctx, &models.Payment{
		ID:              id,
		Status:          status,
		TransactionHash: txHash,
		Metadata:        meta,
	})
}

func (e *Executor) markFailed(ctx context.Context, id string, reason string) {
	err := e.savePayment(context.WithoutCancel(ctx), id, models.PaymentFailed, "", map[string]interface{}{
		models.MetaOptimistic:    false,
		models.MetaFailureReason: reason,
	})
	if err != nil {
		e.logger.Error("Failed to mark payment %s failed: %v", id, err)
	}
}
