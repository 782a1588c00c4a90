package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/session-relayer/pkg/logger"
	"github.com/speedrun-hq/session-relayer/pkg/models"
)

// MockHashPrefix marks synthetic transaction hashes. Real hashes start with "0x".
const MockHashPrefix = "mock_"

var (
	mockSingleLimit = big.NewInt(1_000_000_000_000)
	mockDailyLimit  = big.NewInt(10_000_000_000_000)
	mockBalance     = new(big.Int).Mul(big.NewInt(1_000), big.NewInt(1e18))
)

// MockClient is the disconnected ledger used when no SessionManager is configured.
// Every session is active with generous limits, and every submission succeeds.
type MockClient struct {
	chainID *big.Int
	relayer common.Address
	now     func() time.Time
	logger  logger.Logger

	mu        sync.Mutex
	submitted int
}

var _ Client = (*MockClient)(nil)

// NewMockClient creates a mock ledger client
func NewMockClient(chainID *big.Int, log logger.Logger) *MockClient {
	return &MockClient{
		chainID: new(big.Int).Set(chainID),
		now:     time.Now,
		logger:  log,
	}
}

// IsMockHash reports whether a transaction hash was produced by the mock ledger
func IsMockHash(hash string) bool {
	return strings.HasPrefix(hash, MockHashPrefix)
}

func (c *MockClient) Mode() Mode { return ModeMock }

func (c *MockClient) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

func (c *MockClient) RelayerAddress() common.Address { return c.relayer }

// GetSession returns the synthetic permissive session
func (c *MockClient) GetSession(_ context.Context, _ [32]byte) (*models.SessionRecord, error) {
	now := c.now()
	return &models.SessionRecord{
		SingleLimit:   new(big.Int).Set(mockSingleLimit),
		DailyLimit:    new(big.Int).Set(mockDailyLimit),
		UsedToday:     big.NewInt(0),
		Expiry:        now.AddDate(1, 0, 0).Unix(),
		LastResetDate: now.Unix(),
		Active:        true,
	}, nil
}

func (c *MockClient) SimulateSingle(_ context.Context, _ ExecuteParams) error { return nil }

func (c *MockClient) SimulateBatch(_ context.Context, _ []ExecuteParams) error { return nil }

func (c *MockClient) SubmitSingle(_ context.Context, p ExecuteParams) (*TxHandle, error) {
	return c.submit(fmt.Sprintf("payment %s", common.Hash(p.PaymentID).Hex()))
}

func (c *MockClient) SubmitBatch(_ context.Context, ps []ExecuteParams) (*TxHandle, error) {
	return c.submit(fmt.Sprintf("batch of %d payments", len(ps)))
}

func (c *MockClient) Distribute(_ context.Context, paymentID [32]byte) (*TxHandle, error) {
	return c.submit(fmt.Sprintf("distribution %s", common.Hash(paymentID).Hex()))
}

func (c *MockClient) AuthorizeRelayer(_ context.Context, relayer common.Address, authorized bool) (*TxHandle, error) {
	return c.submit(fmt.Sprintf("authorizeRelayer(%s, %t)", relayer.Hex(), authorized))
}

// WaitConfirmed always reports an executed payment
func (c *MockClient) WaitConfirmed(_ context.Context, h *TxHandle) (*Confirmation, error) {
	if h == nil || !IsMockHash(h.Hash) {
		return nil, fmt.Errorf("not a mock transaction")
	}
	return &Confirmation{Executed: true, Events: 1}, nil
}

// Lookup reports every mock transaction as executed
func (c *MockClient) Lookup(_ context.Context, hash string) (*Confirmation, error) {
	if !IsMockHash(hash) {
		return nil, nil
	}
	return &Confirmation{Executed: true, Events: 1}, nil
}

func (c *MockClient) RelayerBalance(_ context.Context) (*big.Int, error) {
	return new(big.Int).Set(mockBalance), nil
}

// Submitted returns the number of synthetic transactions issued
func (c *MockClient) Submitted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submitted
}

func (c *MockClient) submit(what string) (*TxHandle, error) {
	hash, err := MockHash()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.submitted++
	c.mu.Unlock()

	c.logger.Debug("Mock ledger accepted %s: %s", what, hash)
	return &TxHandle{Hash: hash}, nil
}

// MockHash returns a random synthetic transaction hash
func MockHash() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate mock hash: %v", err)
	}
	return MockHashPrefix + "0x" + hex.EncodeToString(b[:]), nil
}
