package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/speedrun-hq/session-relayer/pkg/contracts"
	"github.com/speedrun-hq/session-relayer/pkg/logger"
	"github.com/speedrun-hq/session-relayer/pkg/metrics"
	"github.com/speedrun-hq/session-relayer/pkg/models"
)

// Backend is the chain access the live client needs.
// Both *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// LiveConfig holds the parameters of a live ledger connection
type LiveConfig struct {
	ChainID               *big.Int
	SessionManagerAddress common.Address
	// CommissionAddress is optional, Distribute fails without it
	CommissionAddress common.Address
	PrivateKey        string
	GasMultiplier     float64
}

// LiveClient executes session payments against a deployed SessionManager
type LiveClient struct {
	chainID        *big.Int
	backend        Backend
	sessionManager *contracts.SessionManager
	escrow         *contracts.Escrow
	auth           *bind.TransactOpts
	nonces         *NonceManager
	gasMultiplier  float64
	logger         logger.Logger

	// guards auth.GasPrice
	mu sync.Mutex
}

var _ Client = (*LiveClient)(nil)

// Dial connects to the RPC endpoint and returns a live client
func Dial(ctx context.Context, rpcURL string, cfg LiveConfig, log logger.Logger) (*LiveClient, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to client: %v", err)
	}
	return NewLiveClient(cfg, client, log)
}

// NewLiveClient creates a live client over an existing backend.
// Without a configured private key an ephemeral key is generated.
func NewLiveClient(cfg LiveConfig, backend Backend, log logger.Logger) (*LiveClient, error) {
	key, err := relayerKey(cfg.PrivateKey, log)
	if err != nil {
		return nil, err
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, cfg.ChainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %v", err)
	}

	sm, err := contracts.NewSessionManager(cfg.SessionManagerAddress, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session manager contract: %v", err)
	}

	var escrow *contracts.Escrow
	if cfg.CommissionAddress != (common.Address{}) {
		escrow, err = contracts.NewEscrow(cfg.CommissionAddress, backend)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize escrow contract: %v", err)
		}
	}

	multiplier := cfg.GasMultiplier
	if multiplier <= 0 {
		multiplier = 1.1
	}

	return &LiveClient{
		chainID:        new(big.Int).Set(cfg.ChainID),
		backend:        backend,
		sessionManager: sm,
		escrow:         escrow,
		auth:           auth,
		nonces:         NewNonceManager(backend, auth.From, log),
		gasMultiplier:  multiplier,
		logger:         log,
	}, nil
}

func relayerKey(hexKey string, log logger.Logger) (*ecdsa.PrivateKey, error) {
	if hexKey == "" {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate relayer key: %v", err)
		}
		log.Notice("RELAYER_PRIVATE_KEY not set, using ephemeral relayer %s (not for production)",
			crypto.PubkeyToAddress(key.PublicKey).Hex())
		return key, nil
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %v", err)
	}
	return key, nil
}

func (c *LiveClient) Mode() Mode { return ModeLive }

func (c *LiveClient) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

func (c *LiveClient) RelayerAddress() common.Address { return c.auth.From }

// Nonces exposes the relayer nonce manager
func (c *LiveClient) Nonces() *NonceManager { return c.nonces }

// GetSession reads the current session state. Never cached.
func (c *LiveClient) GetSession(ctx context.Context, sessionID [32]byte) (*models.SessionRecord, error) {
	state, err := c.sessionManager.GetSession(&bind.CallOpts{Context: ctx}, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %v", common.Hash(sessionID).Hex(), err)
	}

	return &models.SessionRecord{
		Signer:        state.Signer,
		Owner:         state.Owner,
		SingleLimit:   state.SingleLimit,
		DailyLimit:    state.DailyLimit,
		UsedToday:     state.UsedToday,
		Expiry:        state.Expiry.Int64(),
		LastResetDate: state.LastResetDate.Int64(),
		Active:        state.Active,
	}, nil
}

func (c *LiveClient) callOpts(ctx context.Context) *bind.CallOpts {
	return &bind.CallOpts{Context: ctx, From: c.auth.From}
}

// SimulateSingle dry-runs a single payment as the relayer
func (c *LiveClient) SimulateSingle(ctx context.Context, p ExecuteParams) error {
	return c.sessionManager.SimulateExecuteSessionPayment(
		c.callOpts(ctx), p.SessionID, p.Recipient, p.Amount, p.PaymentID, p.Signature, nonNilBytes(p.CallData))
}

// SubmitSingle sends executeSessionPayment
func (c *LiveClient) SubmitSingle(ctx context.Context, p ExecuteParams) (*TxHandle, error) {
	return c.transact(ctx, "executeSessionPayment", func(opts *bind.TransactOpts) (*types.Transaction, error) {
		return c.sessionManager.ExecuteSessionPayment(
			opts, p.SessionID, p.Recipient, p.Amount, p.PaymentID, p.Signature, nonNilBytes(p.CallData))
	})
}

// SimulateBatch dry-runs a batch of payments as the relayer
func (c *LiveClient) SimulateBatch(ctx context.Context, ps []ExecuteParams) error {
	sessionIDs, recipients, amounts, paymentIDs, signatures := batchArgs(ps)
	return c.sessionManager.SimulateExecuteBatchPayments(c.callOpts(ctx), sessionIDs, recipients, amounts, paymentIDs, signatures)
}

// SubmitBatch sends executeBatchPayments
func (c *LiveClient) SubmitBatch(ctx context.Context, ps []ExecuteParams) (*TxHandle, error) {
	sessionIDs, recipients, amounts, paymentIDs, signatures := batchArgs(ps)
	return c.transact(ctx, "executeBatchPayments", func(opts *bind.TransactOpts) (*types.Transaction, error) {
		return c.sessionManager.ExecuteBatchPayments(opts, sessionIDs, recipients, amounts, paymentIDs, signatures)
	})
}

// Distribute asks the commission escrow to release funds for a payment
func (c *LiveClient) Distribute(ctx context.Context, paymentID [32]byte) (*TxHandle, error) {
	if c.escrow == nil {
		return nil, ErrNoCommissionContract
	}
	return c.transact(ctx, "distribute", func(opts *bind.TransactOpts) (*types.Transaction, error) {
		return c.escrow.Distribute(opts, paymentID)
	})
}

// AuthorizeRelayer grants or revokes relayer rights on the SessionManager.
// The configured key must be the contract owner.
func (c *LiveClient) AuthorizeRelayer(ctx context.Context, relayer common.Address, authorized bool) (*TxHandle, error) {
	return c.transact(ctx, "authorizeRelayer", func(opts *bind.TransactOpts) (*types.Transaction, error) {
		return c.sessionManager.AuthorizeRelayer(opts, relayer, authorized)
	})
}

// RelayerBalance returns the native balance of the relayer account
func (c *LiveClient) RelayerBalance(ctx context.Context) (*big.Int, error) {
	balance, err := c.backend.BalanceAt(ctx, c.auth.From, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get relayer balance: %v", err)
	}
	f, _ := new(big.Float).SetInt(balance).Float64()
	metrics.RelayerBalance.Set(f)
	return balance, nil
}

// WaitConfirmed blocks until the transaction is mined or ctx is done
func (c *LiveClient) WaitConfirmed(ctx context.Context, h *TxHandle) (*Confirmation, error) {
	if h == nil || h.tx == nil {
		return nil, fmt.Errorf("transaction handle was not created by this client")
	}

	receipt, err := bind.WaitMined(ctx, c.backend, h.tx)
	if err != nil {
		return nil, fmt.Errorf("failed waiting for transaction %s: %v", h.Hash, err)
	}
	c.nonces.MarkTransactionConfirmed(h.Nonce)

	if receipt.Status == types.ReceiptStatusFailed {
		return nil, fmt.Errorf("transaction %s reverted", h.Hash)
	}
	return c.confirmation(receipt), nil
}

// Lookup returns the outcome of an earlier transaction, or nil while it is not mined
func (c *LiveClient) Lookup(ctx context.Context, hash string) (*Confirmation, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(hash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read receipt of %s: %v", hash, err)
	}
	// a reverted receipt carries no logs, so it reads as not executed
	return c.confirmation(receipt), nil
}

func (c *LiveClient) confirmation(receipt *types.Receipt) *Confirmation {
	topic := c.sessionManager.PaymentExecutedTopic()
	events := 0
	for _, l := range receipt.Logs {
		if l.Address == c.sessionManager.Address() && len(l.Topics) > 0 && l.Topics[0] == topic {
			events++
		}
	}

	conf := &Confirmation{
		GasUsed:  receipt.GasUsed,
		Executed: events > 0,
		Events:   events,
	}
	if receipt.BlockNumber != nil {
		conf.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return conf
}

// transact refreshes the gas price, reserves a nonce and sends the transaction
func (c *LiveClient) transact(ctx context.Context, method string, send func(*bind.TransactOpts) (*types.Transaction, error)) (*TxHandle, error) {
	gasPrice, err := c.UpdateGasPrice(ctx)
	if err != nil {
		return nil, err
	}

	nonce, err := c.nonces.GetNonce(ctx)
	if err != nil {
		return nil, err
	}

	opts := &bind.TransactOpts{
		From:     c.auth.From,
		Signer:   c.auth.Signer,
		Nonce:    new(big.Int).SetUint64(nonce),
		GasPrice: gasPrice,
		Context:  ctx,
	}

	tx, err := send(opts)
	if err != nil {
		c.nonces.MarkTransactionFailed(nonce)
		return nil, fmt.Errorf("failed to send %s: %v", method, err)
	}

	c.nonces.TrackTransaction(tx.Hash(), nonce)
	c.logger.Info("%s transaction sent: %s (nonce %d)", method, tx.Hash().Hex(), nonce)

	return &TxHandle{Hash: tx.Hash().Hex(), Nonce: nonce, tx: tx}, nil
}

// UpdateGasPrice updates the gas price based on current network conditions
func (c *LiveClient) UpdateGasPrice(ctx context.Context) (*big.Int, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	gasPrice, err := c.backend.SuggestGasPrice(timeoutCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %v", err)
	}

	// Apply gas multiplier (e.g. 1.1 = 10% buffer)
	multipliedGasPrice := new(big.Float).Mul(
		new(big.Float).SetInt(gasPrice),
		big.NewFloat(c.gasMultiplier),
	)
	finalGasPrice := new(big.Int)
	multipliedGasPrice.Int(finalGasPrice)

	c.mu.Lock()
	c.auth.GasPrice = finalGasPrice
	c.mu.Unlock()

	gwei, _ := new(big.Float).Quo(new(big.Float).SetInt(finalGasPrice), big.NewFloat(1e9)).Float64()
	metrics.GasPrice.Set(gwei)

	return finalGasPrice, nil
}

func nonNilBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
