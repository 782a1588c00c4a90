package relayer

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/session-relayer/pkg/logger"
	"github.com/speedrun-hq/session-relayer/pkg/metrics"
)

// NonceTracker remembers the highest request nonce seen per session.
// It is process-local and starts empty on every run.
type NonceTracker struct {
	mu     sync.Mutex
	last   map[[32]byte]uint64
	strict bool
	logger logger.Logger
}

// NewNonceTracker creates a tracker. In strict mode a nonce that does not
// exceed the last seen one is rejected; otherwise it is logged and accepted.
func NewNonceTracker(strict bool, log logger.Logger) *NonceTracker {
	return &NonceTracker{
		last:   make(map[[32]byte]uint64),
		strict: strict,
		logger: log,
	}
}

// Strict reports the enforcement mode
func (t *NonceTracker) Strict() bool { return t.strict }

// Advance records nonce for the decoded session id
func (t *NonceTracker) Advance(sessionID [32]byte, nonce uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, seen := t.last[sessionID]
	if !seen || nonce > last {
		t.last[sessionID] = nonce
		return nil
	}

	if t.strict {
		metrics.NonceMismatches.WithLabelValues("strict").Inc()
		return validationError(ErrNonceReplay, "nonce %d for session %s, last seen %d", nonce, common.Hash(sessionID).Hex(), last)
	}

	metrics.NonceMismatches.WithLabelValues("permissive").Inc()
	t.logger.Notice("Out of order nonce %d for session %s (last seen %d), accepting", nonce, common.Hash(sessionID).Hex(), last)
	return nil
}

// Last returns the last recorded nonce for a session
func (t *NonceTracker) Last(sessionID [32]byte) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.last[sessionID]
	return n, ok
}
