package relayer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/speedrun-hq/session-relayer/pkg/ledger"
	"github.com/speedrun-hq/session-relayer/pkg/logger"
	"github.com/speedrun-hq/session-relayer/pkg/models"
	"github.com/speedrun-hq/session-relayer/pkg/queue"
	"github.com/speedrun-hq/session-relayer/pkg/signature"
	"github.com/speedrun-hq/session-relayer/pkg/store"
	"github.com/stretchr/testify/require"
)

var (
	testChainID    = big.NewInt(8453)
	testSessionID  = "0x" + strings.Repeat("5e", 32)
	testRecipient  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testCommission = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	testNow        = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
)

// fakeLedger is a scriptable ledger.Client
type fakeLedger struct {
	mu sync.Mutex

	mode    ledger.Mode
	relayer common.Address

	// sessionFn returns the session for the n-th read, starting at 1
	sessionFn  func(n int) *models.SessionRecord
	sessionErr error
	reads      int

	simulateErr      error
	simulateBatchErr error
	submitErr        error
	submitBatchErr   error
	waitErr          error
	waitBlocks       bool
	notExecuted      bool
	distributeErr    error
	balance          *big.Int

	// submitBatchHook runs inside SubmitBatch before it returns
	submitBatchHook func()

	// receipts answers Lookup by hash, a missing hash is not mined
	receipts  map[string]*ledger.Confirmation
	lookupErr error

	singles       []ledger.ExecuteParams
	batches       [][]ledger.ExecuteParams
	simulated     int
	distributions [][32]byte
	txCount       int
}

var _ ledger.Client = (*fakeLedger)(nil)

func newFakeLedger(session *models.SessionRecord) *fakeLedger {
	return &fakeLedger{
		mode:      ledger.ModeLive,
		relayer:   common.HexToAddress("0x00000000000000000000000000000000000000ee"),
		sessionFn: func(int) *models.SessionRecord { return session },
		balance:   big.NewInt(1e18),
	}
}

func (f *fakeLedger) Mode() ledger.Mode               { return f.mode }
func (f *fakeLedger) ChainID() *big.Int               { return new(big.Int).Set(testChainID) }
func (f *fakeLedger) RelayerAddress() common.Address { return f.relayer }

func (f *fakeLedger) GetSession(_ context.Context, _ [32]byte) (*models.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	f.reads++
	s := *f.sessionFn(f.reads)
	return &s, nil
}

func (f *fakeLedger) SimulateSingle(_ context.Context, _ ledger.ExecuteParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simulated++
	return f.simulateErr
}

func (f *fakeLedger) SubmitSingle(_ context.Context, p ledger.ExecuteParams) (*ledger.TxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.singles = append(f.singles, p)
	return f.nextTx(), nil
}

func (f *fakeLedger) SimulateBatch(_ context.Context, _ []ledger.ExecuteParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.simulateBatchErr
}

func (f *fakeLedger) SubmitBatch(_ context.Context, ps []ledger.ExecuteParams) (*ledger.TxHandle, error) {
	if f.submitBatchHook != nil {
		f.submitBatchHook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitBatchErr != nil {
		return nil, f.submitBatchErr
	}
	f.batches = append(f.batches, ps)
	return f.nextTx(), nil
}

func (f *fakeLedger) WaitConfirmed(ctx context.Context, _ *ledger.TxHandle) (*ledger.Confirmation, error) {
	f.mu.Lock()
	blocks, err, notExecuted := f.waitBlocks, f.waitErr, f.notExecuted
	f.mu.Unlock()

	if blocks {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if notExecuted {
		return &ledger.Confirmation{BlockNumber: 100, GasUsed: 50_000}, nil
	}
	return &ledger.Confirmation{BlockNumber: 100, GasUsed: 80_000, Executed: true, Events: 1}, nil
}

func (f *fakeLedger) Lookup(_ context.Context, hash string) (*ledger.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.receipts[hash], nil
}

func (f *fakeLedger) Distribute(_ context.Context, paymentID [32]byte) (*ledger.TxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.distributeErr != nil {
		return nil, f.distributeErr
	}
	f.distributions = append(f.distributions, paymentID)
	return f.nextTx(), nil
}

func (f *fakeLedger) AuthorizeRelayer(_ context.Context, _ common.Address, _ bool) (*ledger.TxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextTx(), nil
}

func (f *fakeLedger) RelayerBalance(_ context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeLedger) nextTx() *ledger.TxHandle {
	f.txCount++
	hash := common.BigToHash(big.NewInt(int64(f.txCount)))
	if f.mode == ledger.ModeMock {
		return &ledger.TxHandle{Hash: ledger.MockHashPrefix + hash.Hex()}
	}
	return &ledger.TxHandle{Hash: hash.Hex()}
}

func (f *fakeLedger) submittedSingles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.singles)
}

func (f *fakeLedger) set(fn func(f *fakeLedger)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

var errRPC = errors.New("connection refused")

// testSession returns an active session signed by key with roomy limits
func testSession(key *ecdsa.PrivateKey) *models.SessionRecord {
	return &models.SessionRecord{
		Signer:        crypto.PubkeyToAddress(key.PublicKey),
		Owner:         common.HexToAddress("0x00000000000000000000000000000000000000dd"),
		SingleLimit:   big.NewInt(100_000_000),
		DailyLimit:    big.NewInt(1_000_000_000),
		UsedToday:     big.NewInt(0),
		Expiry:        testNow.Add(30 * 24 * time.Hour).Unix(),
		LastResetDate: testNow.Add(-time.Hour).Unix(),
		Active:        true,
	}
}

// signedRequest builds a request for amount (6 decimals) signed over recipient
func signedRequest(t *testing.T, key *ecdsa.PrivateKey, paymentID string, recipient common.Address, amount int64) models.PaymentRequest {
	t.Helper()
	sessionID, err := signature.ParseBytes32(testSessionID)
	require.NoError(t, err)
	sig, err := signature.Sign(signature.Digest(sessionID, recipient, big.NewInt(amount), signature.EncodePaymentID(paymentID), testChainID), key)
	require.NoError(t, err)
	return models.PaymentRequest{
		SessionID: testSessionID,
		PaymentID: paymentID,
		Recipient: recipient.Hex(),
		Amount:    fmt.Sprintf("%d", amount),
		Signature: hexutil.Encode(sig),
		Nonce:     1,
	}
}

type harness struct {
	ledger   *fakeLedger
	payments *store.MemoryStore
	queue    *queue.MemoryQueue
	nonces   *NonceTracker
	executor *Executor
	key      *ecdsa.PrivateKey
}

func newHarness(t *testing.T, strict bool) *harness {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	h := &harness{
		ledger:   newFakeLedger(testSession(key)),
		payments: store.NewMemoryStore(),
		queue:    queue.NewMemoryQueue(),
		nonces:   NewNonceTracker(strict, &logger.EmptyLogger{}),
		key:      key,
	}
	h.executor = NewExecutor(h.ledger, h.payments, h.queue, h.nonces, ExecutorConfig{
		CommissionAddress:   testCommission,
		LedgerDecimals:      6,
		ConfirmationTimeout: time.Second,
	}, &logger.EmptyLogger{}).WithClock(func() time.Time { return testNow })
	return h
}

func (h *harness) payment(t *testing.T, id string) *models.Payment {
	t.Helper()
	p, err := h.payments.FindByID(context.Background(), id)
	require.NoError(t, err)
	return p
}
