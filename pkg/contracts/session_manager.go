package contracts

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// SessionManagerABI is the ABI of the SessionManager contract
const SessionManagerABI = `[
	{
		"inputs": [{"internalType": "bytes32", "name": "sessionId", "type": "bytes32"}],
		"name": "getSession",
		"outputs": [
			{"internalType": "address", "name": "signer", "type": "address"},
			{"internalType": "address", "name": "owner", "type": "address"},
			{"internalType": "uint256", "name": "singleLimit", "type": "uint256"},
			{"internalType": "uint256", "name": "dailyLimit", "type": "uint256"},
			{"internalType": "uint256", "name": "usedToday", "type": "uint256"},
			{"internalType": "uint256", "name": "expiry", "type": "uint256"},
			{"internalType": "uint256", "name": "lastResetDate", "type": "uint256"},
			{"internalType": "bool", "name": "active", "type": "bool"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "bytes32", "name": "sessionId", "type": "bytes32"},
			{"internalType": "address", "name": "recipient", "type": "address"},
			{"internalType": "uint256", "name": "amount", "type": "uint256"},
			{"internalType": "bytes32", "name": "paymentId", "type": "bytes32"},
			{"internalType": "bytes", "name": "signature", "type": "bytes"},
			{"internalType": "bytes", "name": "callData", "type": "bytes"}
		],
		"name": "executeSessionPayment",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "bytes32[]", "name": "sessionIds", "type": "bytes32[]"},
			{"internalType": "address[]", "name": "recipients", "type": "address[]"},
			{"internalType": "uint256[]", "name": "amounts", "type": "uint256[]"},
			{"internalType": "bytes32[]", "name": "paymentIds", "type": "bytes32[]"},
			{"internalType": "bytes[]", "name": "signatures", "type": "bytes[]"}
		],
		"name": "executeBatchPayments",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "relayer", "type": "address"},
			{"internalType": "bool", "name": "authorized", "type": "bool"}
		],
		"name": "authorizeRelayer",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "bytes32", "name": "sessionId", "type": "bytes32"},
			{"indexed": true, "internalType": "address", "name": "recipient", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"},
			{"indexed": false, "internalType": "bytes32", "name": "paymentId", "type": "bytes32"}
		],
		"name": "PaymentExecuted",
		"type": "event"
	}
]`

// SessionManager is a Go binding around the SessionManager contract.
type SessionManager struct {
	SessionManagerCaller     // Read-only binding to the contract
	SessionManagerTransactor // Write-only binding to the contract
	SessionManagerFilterer   // Log filterer for contract events
	address                  common.Address
	abi                      abi.ABI
}

// SessionManagerCaller is a read-only Go binding around the SessionManager contract.
type SessionManagerCaller struct {
	contract *bind.BoundContract
}

// SessionManagerTransactor is a write-only Go binding around the SessionManager contract.
type SessionManagerTransactor struct {
	contract *bind.BoundContract
}

// SessionManagerFilterer is a log filtering Go binding around the SessionManager contract events.
type SessionManagerFilterer struct {
	contract *bind.BoundContract
}

// SessionState is the decoded output of getSession
type SessionState struct {
	Signer        common.Address
	Owner         common.Address
	SingleLimit   *big.Int
	DailyLimit    *big.Int
	UsedToday     *big.Int
	Expiry        *big.Int
	LastResetDate *big.Int
	Active        bool
}

// SessionManagerPaymentExecuted represents a PaymentExecuted event raised by the SessionManager contract.
type SessionManagerPaymentExecuted struct {
	SessionId [32]byte
	Recipient common.Address
	Amount    *big.Int
	PaymentId [32]byte
	Raw       types.Log // Blockchain specific contextual infos
}

// NewSessionManager creates a new instance of SessionManager, bound to a specific deployed contract.
func NewSessionManager(address common.Address, backend bind.ContractBackend) (*SessionManager, error) {
	parsed, err := abi.JSON(strings.NewReader(SessionManagerABI))
	if err != nil {
		return nil, err
	}
	contract := bind.NewBoundContract(address, parsed, backend, backend, backend)
	return &SessionManager{
		SessionManagerCaller:     SessionManagerCaller{contract: contract},
		SessionManagerTransactor: SessionManagerTransactor{contract: contract},
		SessionManagerFilterer:   SessionManagerFilterer{contract: contract},
		address:                  address,
		abi:                      parsed,
	}, nil
}

// Address returns the deployed contract address
func (_SessionManager *SessionManager) Address() common.Address {
	return _SessionManager.address
}

// GetSession is a free data retrieval call binding the contract method getSession.
//
// Solidity: function getSession(bytes32 sessionId) view returns(address signer, address owner, uint256 singleLimit, uint256 dailyLimit, uint256 usedToday, uint256 expiry, uint256 lastResetDate, bool active)
func (_SessionManager *SessionManagerCaller) GetSession(opts *bind.CallOpts, sessionId [32]byte) (SessionState, error) {
	var out []interface{}
	err := _SessionManager.contract.Call(opts, &out, "getSession", sessionId)

	outstruct := new(SessionState)
	if err != nil {
		return *outstruct, err
	}

	outstruct.Signer = *abi.ConvertType(out[0], new(common.Address)).(*common.Address)
	outstruct.Owner = *abi.ConvertType(out[1], new(common.Address)).(*common.Address)
	outstruct.SingleLimit = *abi.ConvertType(out[2], new(*big.Int)).(**big.Int)
	outstruct.DailyLimit = *abi.ConvertType(out[3], new(*big.Int)).(**big.Int)
	outstruct.UsedToday = *abi.ConvertType(out[4], new(*big.Int)).(**big.Int)
	outstruct.Expiry = *abi.ConvertType(out[5], new(*big.Int)).(**big.Int)
	outstruct.LastResetDate = *abi.ConvertType(out[6], new(*big.Int)).(**big.Int)
	outstruct.Active = *abi.ConvertType(out[7], new(bool)).(*bool)

	return *outstruct, err
}

// SimulateExecuteSessionPayment dry-runs executeSessionPayment through eth_call.
// A revert comes back as the call error.
func (_SessionManager *SessionManagerCaller) SimulateExecuteSessionPayment(opts *bind.CallOpts, sessionId [32]byte, recipient common.Address, amount *big.Int, paymentId [32]byte, signature []byte, callData []byte) error {
	var out []interface{}
	return _SessionManager.contract.Call(opts, &out, "executeSessionPayment", sessionId, recipient, amount, paymentId, signature, callData)
}

// SimulateExecuteBatchPayments dry-runs executeBatchPayments through eth_call.
func (_SessionManager *SessionManagerCaller) SimulateExecuteBatchPayments(opts *bind.CallOpts, sessionIds [][32]byte, recipients []common.Address, amounts []*big.Int, paymentIds [][32]byte, signatures [][]byte) error {
	var out []interface{}
	return _SessionManager.contract.Call(opts, &out, "executeBatchPayments", sessionIds, recipients, amounts, paymentIds, signatures)
}

// ExecuteSessionPayment is a paid mutator transaction binding the contract method executeSessionPayment.
//
// Solidity: function executeSessionPayment(bytes32 sessionId, address recipient, uint256 amount, bytes32 paymentId, bytes signature, bytes callData) returns()
func (_SessionManager *SessionManagerTransactor) ExecuteSessionPayment(opts *bind.TransactOpts, sessionId [32]byte, recipient common.Address, amount *big.Int, paymentId [32]byte, signature []byte, callData []byte) (*types.Transaction, error) {
	return _SessionManager.contract.Transact(opts, "executeSessionPayment", sessionId, recipient, amount, paymentId, signature, callData)
}

// ExecuteBatchPayments is a paid mutator transaction binding the contract method executeBatchPayments.
//
// Solidity: function executeBatchPayments(bytes32[] sessionIds, address[] recipients, uint256[] amounts, bytes32[] paymentIds, bytes[] signatures) returns()
func (_SessionManager *SessionManagerTransactor) ExecuteBatchPayments(opts *bind.TransactOpts, sessionIds [][32]byte, recipients []common.Address, amounts []*big.Int, paymentIds [][32]byte, signatures [][]byte) (*types.Transaction, error) {
	return _SessionManager.contract.Transact(opts, "executeBatchPayments", sessionIds, recipients, amounts, paymentIds, signatures)
}

// AuthorizeRelayer is a paid mutator transaction binding the contract method authorizeRelayer.
//
// Solidity: function authorizeRelayer(address relayer, bool authorized) returns()
func (_SessionManager *SessionManagerTransactor) AuthorizeRelayer(opts *bind.TransactOpts, relayer common.Address, authorized bool) (*types.Transaction, error) {
	return _SessionManager.contract.Transact(opts, "authorizeRelayer", relayer, authorized)
}

// ParsePaymentExecuted is a log parse operation binding the contract event PaymentExecuted.
//
// Solidity: event PaymentExecuted(bytes32 indexed sessionId, address indexed recipient, uint256 amount, bytes32 paymentId)
func (_SessionManager *SessionManagerFilterer) ParsePaymentExecuted(log types.Log) (*SessionManagerPaymentExecuted, error) {
	event := new(SessionManagerPaymentExecuted)
	if err := _SessionManager.contract.UnpackLog(event, "PaymentExecuted", log); err != nil {
		return nil, err
	}
	event.Raw = log
	return event, nil
}

// PaymentExecutedTopic returns the topic hash of the PaymentExecuted event
func (_SessionManager *SessionManager) PaymentExecutedTopic() common.Hash {
	return _SessionManager.abi.Events["PaymentExecuted"].ID
}
