package relayer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/speedrun-hq/session-relayer/pkg/circuitbreaker"
	"github.com/speedrun-hq/session-relayer/pkg/ledger"
	"github.com/speedrun-hq/session-relayer/pkg/logger"
	"github.com/speedrun-hq/session-relayer/pkg/metrics"
	"github.com/speedrun-hq/session-relayer/pkg/models"
	"github.com/speedrun-hq/session-relayer/pkg/queue"
	"github.com/speedrun-hq/session-relayer/pkg/store"
)

var (
	// ErrTickInProgress is returned by Tick when a previous tick is still running
	ErrTickInProgress = errors.New("batch tick already in progress")

	// ErrBreakerOpen is returned by Tick while the circuit breaker is open
	ErrBreakerOpen = errors.New("batch circuit breaker is open")
)

// SchedulerConfig holds the batch settlement parameters
type SchedulerConfig struct {
	Interval            time.Duration
	BatchSize           int
	StaleAfter          time.Duration
	MaxRetries          int
	LedgerDecimals      int
	ConfirmationTimeout time.Duration
}

// TickResult summarizes one batch tick
type TickResult struct {
	Selected  int
	Settled   int
	Retried   int
	Failed    int
	TxHash    string
	BatchErr  error
	Timestamp time.Time
}

// Scheduler periodically drains the retry queue in batches
type Scheduler struct {
	ledger   ledger.Client
	queue    queue.Queue
	payments store.PaymentStore
	breaker  *circuitbreaker.CircuitBreaker
	cfg      SchedulerConfig
	now      func() time.Time
	logger   logger.Logger

	processing atomic.Bool
	running    atomic.Bool
	ticks      sync.WaitGroup

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewScheduler creates a batch scheduler. breaker may be nil.
func NewScheduler(
	client ledger.Client,
	q queue.Queue,
	payments store.PaymentStore,
	breaker *circuitbreaker.CircuitBreaker,
	cfg SchedulerConfig,
	log logger.Logger,
) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = 2 * time.Minute
	}
	return &Scheduler{
		ledger:   client,
		queue:    q,
		payments: payments,
		breaker:  breaker,
		cfg:      cfg,
		now:      time.Now,
		logger:   log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// WithClock replaces the time source, used in tests
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Run ticks every interval until the context is cancelled or Stop is called.
// It returns only after the tick in flight, if any, has finished.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	defer close(s.done)
	defer s.ticks.Wait()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("Batch scheduler started (interval %s, batch size %d)", s.cfg.Interval, s.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Batch scheduler shutting down")
			return
		case <-s.stop:
			s.logger.Info("Batch scheduler stopped")
			return
		case <-ticker.C:
			// ticks run in the background so an overlapping one is observed and skipped
			s.ticks.Add(1)
			go func() {
				defer s.ticks.Done()
				if _, err := s.Tick(ctx); err != nil && !errors.Is(err, ErrTickInProgress) && !errors.Is(err, ErrBreakerOpen) {
					s.logger.Error("Batch tick failed: %v", err)
				}
			}()
		}
	}
}

// Stop ends Run and waits for the loop and any tick in flight to exit
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.running.Load() {
		<-s.done
	}
}

// Processing reports whether a tick is running
func (s *Scheduler) Processing() bool {
	return s.processing.Load()
}

// Status reports the retry queue state
func (s *Scheduler) Status(ctx context.Context) (*models.QueueStatus, error) {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	metrics.RetryQueueSize.Set(float64(stats.Length))
	return &models.QueueStatus{
		QueueLength:            stats.Length,
		OldestPaymentTimestamp: stats.Oldest,
		IsProcessing:           s.processing.Load(),
	}, nil
}

// Tick settles one batch. It returns ErrTickInProgress without doing anything
// when another tick is running.
func (s *Scheduler) Tick(ctx context.Context) (*TickResult, error) {
	if !s.processing.CompareAndSwap(false, true) {
		metrics.SkippedTicks.WithLabelValues("in_progress").Inc()
		s.logger.Debug("Skipping batch tick, previous tick still running")
		return nil, ErrTickInProgress
	}
	defer s.processing.Store(false)

	if s.breaker != nil && s.breaker.IsOpen() {
		metrics.SkippedTicks.WithLabelValues("circuit_open").Inc()
		s.logger.Notice("Skipping batch tick, circuit breaker is open")
		return nil, ErrBreakerOpen
	}

	now := s.now()
	items, err := s.queue.DequeueBatch(ctx, now, s.cfg.BatchSize, s.cfg.StaleAfter)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue batch: %w", err)
	}

	result := &TickResult{Selected: len(items), Timestamp: now}
	if len(items) == 0 {
		s.updateQueueGauge(ctx)
		return result, nil
	}

	s.logger.Info("Settling batch of %d queued payments", len(items))
	metrics.BatchSize.Observe(float64(len(items)))

	var (
		params   []ledger.ExecuteParams
		batch    []models.QueuedPayment
		deferred []string
	)
	for _, item := range items {
		hash, settled, err := s.pendingOutcome(ctx, item)
		if err != nil {
			// outcome unknown, batching now could execute the payment twice
			s.logger.Notice("Deferring payment %s: %v", item.Request.PaymentID, err)
			deferred = append(deferred, item.ID)
			continue
		}
		if settled {
			s.logger.Info("Payment %s was settled by its quickpay transaction %s", item.Request.PaymentID, hash)
			s.complete(ctx, []models.QueuedPayment{item}, hash, false)
			result.Settled++
			continue
		}

		p, err := executeParams(item.Request, s.cfg.LedgerDecimals)
		if err != nil {
			// an item that cannot be encoded will never settle
			s.fail(ctx, item, "invalid_request", err)
			result.Failed++
			continue
		}
		params = append(params, p)
		batch = append(batch, item)
	}

	s.release(ctx, deferred...)

	if len(batch) == 0 {
		s.updateQueueGauge(ctx)
		return result, nil
	}

	hash, submitted, batchErr := s.settle(ctx, params)
	if batchErr != nil && !submitted && ctx.Err() != nil {
		// shutting down before broadcast, no attempt is counted
		s.logger.Notice("Batch of %d payments abandoned on shutdown: %v", len(batch), batchErr)
		ids := make([]string, 0, len(batch))
		for _, item := range batch {
			ids = append(ids, item.ID)
		}
		s.release(ctx, ids...)
		return result, nil
	}

	// a broadcast batch is recorded even when the tick is being cancelled
	ctx = context.WithoutCancel(ctx)
	if batchErr == nil {
		result.TxHash = hash
		result.Settled += len(batch)
		s.complete(ctx, batch, hash, true)
		metrics.Batches.WithLabelValues("success").Inc()
		if s.breaker != nil {
			s.breaker.RecordSuccess()
		}
	} else {
		result.BatchErr = batchErr
		s.logger.Error("Batch of %d payments failed: %v", len(batch), batchErr)
		metrics.Batches.WithLabelValues("failed").Inc()
		for _, item := range batch {
			if s.retry(ctx, item, batchErr) {
				result.Failed++
			} else {
				result.Retried++
			}
		}
		if s.breaker != nil && s.breaker.RecordFailure() {
			s.logger.Error("Batch circuit breaker tripped, pausing settlement")
		}
	}

	s.updateQueueGauge(ctx)
	return result, nil
}

// settle simulates, submits and confirms one batch. submitted reports whether
// the transaction was broadcast.
func (s *Scheduler) settle(ctx context.Context, params []ledger.ExecuteParams) (hash string, submitted bool, err error) {
	if err := s.ledger.SimulateBatch(ctx, params); err != nil {
		s.diagnose(ctx, params)
		return "", false, fmt.Errorf("batch simulation failed: %w", err)
	}

	h, err := s.ledger.SubmitBatch(ctx, params)
	if err != nil {
		return "", false, fmt.Errorf("batch submission failed: %w", err)
	}

	// the receipt wait is bounded by its own timeout, not by shutdown
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ConfirmationTimeout)
	defer cancel()
	conf, err := s.ledger.WaitConfirmed(waitCtx, h)
	if err != nil {
		return "", true, fmt.Errorf("batch %s not confirmed: %w", h.Hash, err)
	}
	if !conf.Executed {
		return "", true, fmt.Errorf("batch %s: %w", h.Hash, ErrNoExecutionEvent)
	}
	metrics.GasUsed.WithLabelValues("batch").Observe(float64(conf.GasUsed))
	return h.Hash, true, nil
}

// pendingOutcome checks the quickpay transaction left behind by a confirmation
// timeout. settled is true when that transaction executed the payment.
func (s *Scheduler) pendingOutcome(ctx context.Context, item models.QueuedPayment) (hash string, settled bool, err error) {
	p, err := s.payments.FindByID(ctx, item.Request.PaymentID)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("loading payment record: %w", err)
	}

	hash, _ = p.Metadata[models.MetaPendingTxHash].(string)
	if hash == "" {
		return "", false, nil
	}

	conf, err := s.ledger.Lookup(ctx, hash)
	if err != nil {
		return "", false, fmt.Errorf("checking transaction %s: %w", hash, err)
	}
	// not mined or mined without executing, either way the batch may carry it
	if conf == nil || !conf.Executed {
		return hash, false, nil
	}
	return hash, true, nil
}

// diagnose simulates each item alone so the log shows which payments break the batch
func (s *Scheduler) diagnose(ctx context.Context, params []ledger.ExecuteParams) {
	for i, p := range params {
		if err := s.ledger.SimulateSingle(ctx, p); err != nil {
			_, reason := ledger.ClassifyRevert(err)
			s.logger.Notice("Batch item %d (payment id %x) fails simulation (%s): %v", i, p.PaymentID, reason, err)
		}
	}
}

func (s *Scheduler) complete(ctx context.Context, batch []models.QueuedPayment, hash string, batchSettled bool) {
	ids := make([]string, 0, len(batch))
	for _, item := range batch {
		ids = append(ids, item.ID)
	}
	if err := s.queue.Remove(ctx, ids...); err != nil {
		s.logger.Error("Batch %s settled but queue cleanup failed: %v", hash, err)
	}

	confirmedAt := s.now().UTC().Format(time.RFC3339)
	for _, item := range batch {
		err := s.payments.Save(ctx, &models.Payment{
			ID:              item.Request.PaymentID,
			Status:          models.PaymentCompleted,
			TransactionHash: hash,
			Metadata: map[string]interface{}{
				models.MetaOptimistic:    false,
				models.MetaQueued:        false,
				models.MetaBatchSettled:  batchSettled,
				models.MetaConfirmedAt:   confirmedAt,
				models.MetaRetryCount:    item.RetryCount,
				models.MetaPendingTxHash: "",
			},
		})
		if err != nil {
			s.logger.Error("Payment %s settled in batch %s but the record could not be updated: %v", item.Request.PaymentID, hash, err)
		}
	}
	s.logger.Info("Transaction %s settled %d queued payments", hash, len(batch))
}

// retry counts a failed attempt and reports whether the item failed terminally
func (s *Scheduler) retry(ctx context.Context, item models.QueuedPayment, cause error) bool {
	count, err := s.queue.UpdateRetry(ctx, item.ID)
	if err != nil {
		s.logger.Error("Failed to update retry count of %s: %v", item.Request.PaymentID, err)
		return false
	}
	metrics.RetriesExecuted.Inc()

	if count >= s.cfg.MaxRetries {
		_, reason := ledger.ClassifyRevert(cause)
		item.RetryCount = count
		s.fail(ctx, item, fmt.Sprintf("max_retries_exceeded: %s", reason), cause)
		return true
	}

	err = s.payments.Save(ctx, &models.Payment{
		ID:     item.Request.PaymentID,
		Status: models.PaymentProcessing,
		Metadata: map[string]interface{}{
			models.MetaRetryCount: count,
			"lastError":           cause.Error(),
		},
	})
	if err != nil {
		s.logger.Error("Failed to record retry %d of %s: %v", count, item.Request.PaymentID, err)
	}
	s.logger.Info("Payment %s will be retried (attempt %d of %d)", item.Request.PaymentID, count, s.cfg.MaxRetries)
	return false
}

// fail removes an item from the queue and marks its payment failed
func (s *Scheduler) fail(ctx context.Context, item models.QueuedPayment, reason string, cause error) {
	s.logger.Error("Payment %s failed permanently after %d attempts (%s): %v", item.Request.PaymentID, item.RetryCount, reason, cause)

	if err := s.queue.Remove(ctx, item.ID); err != nil {
		s.logger.Error("Failed to remove %s from the queue: %v", item.Request.PaymentID, err)
	}

	err := s.payments.Save(ctx, &models.Payment{
		ID:     item.Request.PaymentID,
		Status: models.PaymentFailed,
		Metadata: map[string]interface{}{
			models.MetaOptimistic:    false,
			models.MetaQueued:        false,
			models.MetaFailureReason: reason,
			models.MetaRetryCount:    item.RetryCount,
		},
	})
	if err != nil {
		s.logger.Error("Failed to mark payment %s failed: %v", item.Request.PaymentID, err)
	}
	metrics.TerminalFailures.WithLabelValues(metricReason(reason)).Inc()
}

// release returns items to pending, they are selected again by a later tick
func (s *Scheduler) release(ctx context.Context, ids ...string) {
	if len(ids) == 0 {
		return
	}
	if err := s.queue.Release(context.WithoutCancel(ctx), ids...); err != nil {
		s.logger.Error("Failed to release %d queued payments: %v", len(ids), err)
	}
}

func metricReason(reason string) string {
	if strings.HasPrefix(reason, "max_retries_exceeded") {
		return "max_retries_exceeded"
	}
	return reason
}

func (s *Scheduler) updateQueueGauge(ctx context.Context) {
	if stats, err := s.queue.Stats(ctx); err == nil {
		metrics.RetryQueueSize.Set(float64(stats.Length))
	}
}
