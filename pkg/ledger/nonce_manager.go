package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/session-relayer/pkg/logger"
)

// NonceSource returns the pending account nonce from the chain
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager allocates relayer transaction nonces so quickpay and batch
// submissions can be sent concurrently from one account.
type NonceManager struct {
	source       NonceSource
	address      common.Address
	currentNonce uint64
	// pendingTxs holds every nonce handed out and not yet confirmed or released.
	// A zero hash marks a reservation whose transaction has not been sent.
	pendingTxs   map[uint64]common.Hash
	lastSync     time.Time
	syncInterval time.Duration
	logger       logger.Logger
	mu           sync.Mutex
}

// NewNonceManager creates a new nonce manager
func NewNonceManager(source NonceSource, address common.Address, log logger.Logger) *NonceManager {
	return &NonceManager{
		source:       source,
		address:      address,
		pendingTxs:   make(map[uint64]common.Hash),
		syncInterval: 5 * time.Minute,
		logger:       log,
	}
}

// GetNonce reserves and returns the next available nonce
func (nm *NonceManager) GetNonce(ctx context.Context) (uint64, error) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if nm.lastSync.IsZero() || time.Since(nm.lastSync) > nm.syncInterval {
		if err := nm.syncLocked(ctx); err != nil {
			return 0, err
		}
	}

	nonce := nm.currentNonce
	nm.currentNonce++
	nm.pendingTxs[nonce] = common.Hash{}
	return nonce, nil
}

// TrackTransaction records a sent transaction
func (nm *NonceManager) TrackTransaction(txHash common.Hash, nonce uint64) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	nm.pendingTxs[nonce] = txHash
	nm.logger.Debug("Tracking transaction with nonce %d: %s", nonce, txHash.Hex())
}

// MarkTransactionConfirmed marks a transaction as mined
func (nm *NonceManager) MarkTransactionConfirmed(nonce uint64) bool {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if _, exists := nm.pendingTxs[nonce]; !exists {
		nm.logger.Debug("No pending transaction found for nonce %d", nonce)
		return false
	}
	delete(nm.pendingTxs, nonce)
	return true
}

// MarkTransactionFailed releases the nonce of a transaction that never reached the chain.
// It returns true when the nonce will be handed out again.
func (nm *NonceManager) MarkTransactionFailed(nonce uint64) bool {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	delete(nm.pendingTxs, nonce)

	// only the most recent allocation can be rolled back without leaving a gap
	if nonce+1 == nm.currentNonce {
		nm.currentNonce = nonce
		nm.logger.Info("Reusing nonce %d after transaction failure", nonce)
		return true
	}

	// a gap remains, force a resync on the next allocation
	nm.lastSync = time.Time{}
	return false
}

// Sync aligns the local counter with the chain's pending nonce
func (nm *NonceManager) Sync(ctx context.Context) error {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return nm.syncLocked(ctx)
}

func (nm *NonceManager) syncLocked(ctx context.Context) error {
	nonce, err := nm.source.PendingNonceAt(ctx, nm.address)
	if err != nil {
		return fmt.Errorf("failed to get pending nonce: %v", err)
	}

	// with nothing reserved or in flight the chain is authoritative, even if it went backwards
	if nonce > nm.currentNonce || len(nm.pendingTxs) == 0 {
		if nonce != nm.currentNonce {
			nm.logger.Info("Updating relayer nonce: %d -> %d", nm.currentNonce, nonce)
		}
		nm.currentNonce = nonce
	}
	nm.lastSync = time.Now()
	return nil
}

// PendingCount returns the number of nonces reserved or sent but not yet mined
func (nm *NonceManager) PendingCount() int {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return len(nm.pendingTxs)
}
