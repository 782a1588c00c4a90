package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/speedrun-hq/session-relayer/pkg/logger"
)

// DefaultMonitorInterval is how often the relayer account is refreshed
const DefaultMonitorInterval = time.Minute

// AccountMonitor periodically refreshes the relayer gas price and balance
type AccountMonitor struct {
	client   *LiveClient
	interval time.Duration
	stopChan chan struct{}
	done     chan struct{}
	mu       sync.Mutex
	running  bool
	logger   logger.Logger
}

// NewAccountMonitor creates a monitor for a live client
func NewAccountMonitor(client *LiveClient, interval time.Duration, log logger.Logger) *AccountMonitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	return &AccountMonitor{
		client:   client,
		interval: interval,
		logger:   log,
	}
}

// Start begins the periodic refresh
func (m *AccountMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	m.stopChan = make(chan struct{})
	m.done = make(chan struct{})
	m.running = true

	go m.run(ctx, m.stopChan, m.done)
}

// Stop halts the refresh and waits for the loop to exit
func (m *AccountMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	close(m.stopChan)
	done := m.done
	m.running = false
	m.mu.Unlock()

	<-done
}

// IsRunning returns whether the monitor is running
func (m *AccountMonitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *AccountMonitor) run(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.refresh(ctx)

	for {
		select {
		case <-ticker.C:
			m.refresh(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// refresh updates the gas price and balance gauge. A relayer with pending
// transactions keeps its local nonce; an idle one resyncs with the chain.
func (m *AccountMonitor) refresh(ctx context.Context) {
	if _, err := m.client.UpdateGasPrice(ctx); err != nil {
		m.logger.Error("Failed to update gas price: %v", err)
	}

	balance, err := m.client.RelayerBalance(ctx)
	if err != nil {
		m.logger.Error("Failed to read relayer balance: %v", err)
	} else if balance.Sign() == 0 {
		m.logger.Error("Relayer %s has no balance, payments will fail", m.client.RelayerAddress().Hex())
	}

	if m.client.Nonces().PendingCount() == 0 {
		if err := m.client.Nonces().Sync(ctx); err != nil {
			m.logger.Debug("Nonce resync failed: %v", err)
		}
	}
}
