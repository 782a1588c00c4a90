package relayer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/speedrun-hq/session-relayer/pkg/circuitbreaker"
	"github.com/speedrun-hq/session-relayer/pkg/ledger"
	"github.com/speedrun-hq/session-relayer/pkg/logger"
	"github.com/speedrun-hq/session-relayer/pkg/models"
	"github.com/speedrun-hq/session-relayer/pkg/queue"
	"github.com/speedrun-hq/session-relayer/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type schedulerHarness struct {
	ledger    *fakeLedger
	payments  *store.MemoryStore
	queue     *queue.MemoryQueue
	scheduler *Scheduler
	ids       []string
}

func newSchedulerHarness(t *testing.T, breaker *circuitbreaker.CircuitBreaker, queued ...string) *schedulerHarness {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	h := &schedulerHarness{
		ledger:   newFakeLedger(testSession(key)),
		payments: store.NewMemoryStore(),
		queue:    queue.NewMemoryQueue(),
	}
	h.scheduler = NewScheduler(h.ledger, h.queue, h.payments, breaker, SchedulerConfig{
		Interval:            10 * time.Millisecond,
		BatchSize:           10,
		StaleAfter:          5 * time.Minute,
		MaxRetries:          3,
		LedgerDecimals:      6,
		ConfirmationTimeout: time.Second,
	}, &logger.EmptyLogger{}).WithClock(func() time.Time { return testNow })

	ctx := context.Background()
	for i, id := range queued {
		req := signedRequest(t, key, id, testRecipient, 1_000)
		item, err := h.queue.Enqueue(ctx, req, testNow.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		h.ids = append(h.ids, item.ID)
		require.NoError(t, h.payments.Save(ctx, &models.Payment{
			ID:       id,
			Status:   models.PaymentProcessing,
			Metadata: map[string]interface{}{models.MetaQueued: true},
		}))
	}
	return h
}

func (h *schedulerHarness) payment(t *testing.T, id string) *models.Payment {
	t.Helper()
	p, err := h.payments.FindByID(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (h *schedulerHarness) queueLength(t *testing.T) int {
	t.Helper()
	stats, err := h.queue.Stats(context.Background())
	require.NoError(t, err)
	return stats.Length
}

func TestTickEmptyQueue(t *testing.T) {
	h := newSchedulerHarness(t, nil)

	result, err := h.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Selected)
	assert.Empty(t, h.ledger.batches)
}

func TestTickSettlesBatch(t *testing.T) {
	h := newSchedulerHarness(t, nil, "pay-a", "pay-b")

	result, err := h.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Selected)
	assert.Equal(t, 2, result.Settled)
	assert.NotEmpty(t, result.TxHash)

	require.Len(t, h.ledger.batches, 1)
	assert.Len(t, h.ledger.batches[0], 2)
	assert.Zero(t, h.queueLength(t))

	for _, id := range []string{"pay-a", "pay-b"} {
		p := h.payment(t, id)
		assert.Equal(t, models.PaymentCompleted, p.Status)
		assert.Equal(t, result.TxHash, p.TransactionHash)
		assert.Equal(t, true, p.Metadata[models.MetaBatchSettled])
		assert.Equal(t, false, p.Metadata[models.MetaQueued])
	}
}

func TestTickRetriesUntilTerminalFailure(t *testing.T) {
	h := newSchedulerHarness(t, nil, "pay-retry")
	h.ledger.simulateBatchErr = errors.New("execution reverted")
	ctx := context.Background()

	for attempt := 1; attempt < 3; attempt++ {
		result, err := h.scheduler.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Retried)
		assert.Error(t, result.BatchErr)

		assert.Equal(t, 1, h.queueLength(t))
		p := h.payment(t, "pay-retry")
		assert.Equal(t, models.PaymentProcessing, p.Status)
		assert.Equal(t, attempt, p.Metadata[models.MetaRetryCount])
	}

	result, err := h.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Zero(t, h.queueLength(t))

	p := h.payment(t, "pay-retry")
	assert.Equal(t, models.PaymentFailed, p.Status)
	reason, _ := p.Metadata[models.MetaFailureReason].(string)
	assert.True(t, strings.HasPrefix(reason, "max_retries_exceeded"))
	assert.Equal(t, 3, p.Metadata[models.MetaRetryCount])

	// simulation failures diagnose each item
	assert.Equal(t, 3, h.ledger.simulated)
	assert.Empty(t, h.ledger.batches)
}

func TestTickMissingEventFailsBatch(t *testing.T) {
	h := newSchedulerHarness(t, nil, "pay-silent")
	h.ledger.notExecuted = true

	result, err := h.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, result.BatchErr, ErrNoExecutionEvent)
	assert.Equal(t, 1, h.queueLength(t))
}

func TestTickFailsInvalidItem(t *testing.T) {
	h := newSchedulerHarness(t, nil)
	ctx := context.Background()
	_, err := h.queue.Enqueue(ctx, models.PaymentRequest{PaymentID: "pay-garbage", SessionID: "nope"}, testNow)
	require.NoError(t, err)

	result, err := h.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Zero(t, h.queueLength(t))
	assert.Equal(t, "invalid_request", h.payment(t, "pay-garbage").Metadata[models.MetaFailureReason])
}

func TestTickSkipsWhileInProgress(t *testing.T) {
	h := newSchedulerHarness(t, nil, "pay-slow")

	entered := make(chan struct{})
	release := make(chan struct{})
	h.ledger.submitBatchHook = func() {
		close(entered)
		<-release
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := h.scheduler.Tick(context.Background())
		assert.NoError(t, err)
	}()

	<-entered
	assert.True(t, h.scheduler.Processing())

	status, err := h.scheduler.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.IsProcessing)
	assert.Equal(t, 1, status.QueueLength)

	_, err = h.scheduler.Tick(context.Background())
	assert.ErrorIs(t, err, ErrTickInProgress)

	close(release)
	wg.Wait()
	assert.False(t, h.scheduler.Processing())
	assert.Len(t, h.ledger.batches, 1)
}

func TestTickCircuitBreaker(t *testing.T) {
	breaker := circuitbreaker.NewCircuitBreaker(true, 1, time.Minute, time.Hour, &logger.EmptyLogger{})
	h := newSchedulerHarness(t, breaker, "pay-cb")
	h.ledger.submitBatchErr = errRPC

	_, err := h.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, breaker.IsOpen())

	_, err = h.scheduler.Tick(context.Background())
	assert.ErrorIs(t, err, ErrBreakerOpen)

	breaker.Reset()
	h.ledger.set(func(f *fakeLedger) { f.submitBatchErr = nil })
	result, err := h.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Settled)
}

func TestSchedulerStatus(t *testing.T) {
	h := newSchedulerHarness(t, nil)

	status, err := h.scheduler.Status(context.Background())
	require.NoError(t, err)
	assert.Zero(t, status.QueueLength)
	assert.Nil(t, status.OldestPaymentTimestamp)
	assert.False(t, status.IsProcessing)

	h = newSchedulerHarness(t, nil, "pay-1", "pay-2")
	status, err = h.scheduler.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, status.QueueLength)
	require.NotNil(t, status.OldestPaymentTimestamp)
	assert.True(t, status.OldestPaymentTimestamp.Equal(testNow))
}

func TestSchedulerRunDrainsQueue(t *testing.T) {
	h := newSchedulerHarness(t, nil, "pay-run")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.scheduler.Run(ctx)

	assert.Eventually(t, func() bool {
		p, err := h.payments.FindByID(context.Background(), "pay-run")
		return err == nil && p.Status == models.PaymentCompleted
	}, 2*time.Second, 10*time.Millisecond)

	h.scheduler.Stop()
	assert.Zero(t, h.queueLength(t))
}

func TestSchedulerRunWaitsForTickOnShutdown(t *testing.T) {
	h := newSchedulerHarness(t, nil, "pay-shutdown")

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.ledger.submitBatchHook = func() {
		once.Do(func() { close(entered) })
		<-release
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		h.scheduler.Run(ctx)
		close(runDone)
	}()

	<-entered
	cancel()

	select {
	case <-runDone:
		t.Fatal("Run returned while a batch was being submitted")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the tick finished")
	}

	// the broadcast batch was confirmed and recorded despite the cancellation
	p := h.payment(t, "pay-shutdown")
	assert.Equal(t, models.PaymentCompleted, p.Status)
	assert.Zero(t, h.queueLength(t))
	assert.False(t, h.scheduler.Processing())
}

func TestTickAbandonsUnsentBatchOnShutdown(t *testing.T) {
	h := newSchedulerHarness(t, nil, "pay-abandon")
	h.ledger.submitBatchErr = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := h.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Retried)
	assert.Zero(t, result.Failed)
	assert.NotContains(t, h.payment(t, "pay-abandon").Metadata, models.MetaRetryCount)

	// released back to pending, so the next tick picks it up
	h.ledger.set(func(f *fakeLedger) { f.submitBatchErr = nil })
	result, err = h.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Settled)
	assert.Equal(t, 0, h.payment(t, "pay-abandon").Metadata[models.MetaRetryCount])
}

func withPendingTx(t *testing.T, h *schedulerHarness, paymentID, hash string) {
	t.Helper()
	require.NoError(t, h.payments.Save(context.Background(), &models.Payment{
		ID:       paymentID,
		Status:   models.PaymentProcessing,
		Metadata: map[string]interface{}{models.MetaPendingTxHash: hash},
	}))
}

func TestTickCompletesPaymentSettledByQuickPay(t *testing.T) {
	h := newSchedulerHarness(t, nil, "pay-mined", "pay-other")
	withPendingTx(t, h, "pay-mined", "0xfeed")
	h.ledger.receipts = map[string]*ledger.Confirmation{
		"0xfeed": {BlockNumber: 90, Executed: true, Events: 1},
	}

	result, err := h.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Settled)

	// only the other payment goes into the batch
	require.Len(t, h.ledger.batches, 1)
	assert.Len(t, h.ledger.batches[0], 1)

	p := h.payment(t, "pay-mined")
	assert.Equal(t, models.PaymentCompleted, p.Status)
	assert.Equal(t, "0xfeed", p.TransactionHash)
	assert.Equal(t, false, p.Metadata[models.MetaBatchSettled])
	assert.Equal(t, "", p.Metadata[models.MetaPendingTxHash])
	assert.Zero(t, h.queueLength(t))
}

func TestTickBatchesUnminedQuickPay(t *testing.T) {
	h := newSchedulerHarness(t, nil, "pay-dropped")
	withPendingTx(t, h, "pay-dropped", "0xbeef")

	result, err := h.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Settled)
	require.Len(t, h.ledger.batches, 1)
	assert.Equal(t, true, h.payment(t, "pay-dropped").Metadata[models.MetaBatchSettled])
}

func TestTickDefersUncheckableQuickPay(t *testing.T) {
	h := newSchedulerHarness(t, nil, "pay-unknown")
	withPendingTx(t, h, "pay-unknown", "0xf00d")
	h.ledger.lookupErr = errRPC

	result, err := h.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Settled)
	assert.Empty(t, h.ledger.batches)
	assert.Equal(t, 1, h.queueLength(t))

	h.ledger.set(func(f *fakeLedger) { f.lookupErr = nil })
	result, err = h.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Settled)
}
