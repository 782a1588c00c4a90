package models

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SessionRecord is a read copy of a session's on-ledger authorization state.
// Amounts are in ledger decimals, times are unix seconds.
type SessionRecord struct {
	Signer        common.Address
	Owner         common.Address
	SingleLimit   *big.Int
	DailyLimit    *big.Int
	UsedToday     *big.Int
	Expiry        int64
	LastResetDate int64
	Active        bool
}
