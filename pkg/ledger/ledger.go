// Package ledger talks to the SessionManager contract that owns session authorization state.
package ledger

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/speedrun-hq/session-relayer/pkg/models"
)

// Mode is the operating mode of the ledger client, fixed at startup
type Mode string

const (
	ModeLive Mode = "live"
	ModeMock Mode = "mock"
)

const secondsPerDay = 86400

// ErrNoCommissionContract is returned by Distribute when no commission contract is configured
var ErrNoCommissionContract = errors.New("commission contract not configured")

// ExecuteParams are the arguments of one session payment execution
type ExecuteParams struct {
	SessionID [32]byte
	Recipient common.Address
	Amount    *big.Int
	PaymentID [32]byte
	Signature []byte
	CallData  []byte
}

// TxHandle identifies a submitted transaction
type TxHandle struct {
	Hash  string
	Nonce uint64
	tx    *types.Transaction
}

// Confirmation is the outcome of a mined transaction
type Confirmation struct {
	BlockNumber uint64
	GasUsed     uint64
	// Executed is true when the receipt carries at least one PaymentExecuted event
	Executed bool
	Events   int
}

// Client is the relayer's view of the session ledger
type Client interface {
	Mode() Mode
	ChainID() *big.Int
	RelayerAddress() common.Address

	GetSession(ctx context.Context, sessionID [32]byte) (*models.SessionRecord, error)

	SimulateSingle(ctx context.Context, p ExecuteParams) error
	SubmitSingle(ctx context.Context, p ExecuteParams) (*TxHandle, error)
	SimulateBatch(ctx context.Context, ps []ExecuteParams) error
	SubmitBatch(ctx context.Context, ps []ExecuteParams) (*TxHandle, error)
	WaitConfirmed(ctx context.Context, h *TxHandle) (*Confirmation, error)
	// Lookup returns nil without error while the transaction is not mined
	Lookup(ctx context.Context, hash string) (*Confirmation, error)

	Distribute(ctx context.Context, paymentID [32]byte) (*TxHandle, error)
	AuthorizeRelayer(ctx context.Context, relayer common.Address, authorized bool) (*TxHandle, error)
	RelayerBalance(ctx context.Context) (*big.Int, error)
}

// NeedsRollover reports whether the calendar day has advanced past the session's last reset
func NeedsRollover(now time.Time, s *models.SessionRecord) bool {
	return now.Unix()/secondsPerDay > s.LastResetDate/secondsPerDay
}

func batchArgs(ps []ExecuteParams) (sessionIDs [][32]byte, recipients []common.Address, amounts []*big.Int, paymentIDs [][32]byte, signatures [][]byte) {
	for _, p := range ps {
		sessionIDs = append(sessionIDs, p.SessionID)
		recipients = append(recipients, p.Recipient)
		amounts = append(amounts, p.Amount)
		paymentIDs = append(paymentIDs, p.PaymentID)
		signatures = append(signatures, p.Signature)
	}
	return
}
