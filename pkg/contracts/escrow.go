package contracts

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EscrowABI is the ABI of the commission escrow contract
const EscrowABI = `[
	{
		"inputs": [{"internalType": "bytes32", "name": "paymentId", "type": "bytes32"}],
		"name": "distribute",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// Escrow is a write-only Go binding around the commission escrow contract.
type Escrow struct {
	contract *bind.BoundContract
}

// NewEscrow creates a new instance of Escrow, bound to a specific deployed contract.
func NewEscrow(address common.Address, transactor bind.ContractTransactor) (*Escrow, error) {
	parsed, err := abi.JSON(strings.NewReader(EscrowABI))
	if err != nil {
		return nil, err
	}
	return &Escrow{contract: bind.NewBoundContract(address, parsed, nil, transactor, nil)}, nil
}

// Distribute is a paid mutator transaction binding the contract method distribute.
//
// Solidity: function distribute(bytes32 paymentId) returns()
func (_Escrow *Escrow) Distribute(opts *bind.TransactOpts, paymentId [32]byte) (*types.Transaction, error) {
	return _Escrow.contract.Transact(opts, "distribute", paymentId)
}
