// Package units converts token amounts between decimal precisions.
package units

import (
	"fmt"
	"math/big"
	"strings"
)

// Scale converts amount from `from` decimals to `to` decimals.
// Scaling down truncates toward zero.
func Scale(amount *big.Int, from, to int) *big.Int {
	out := new(big.Int).Set(amount)
	switch {
	case to > from:
		out.Mul(out, pow10(to-from))
	case to < from:
		out.Quo(out, pow10(from-to))
	}
	return out
}

// ParseAmount parses a non-negative base-10 integer amount
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("invalid amount %q: must be a base-10 integer", s)
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
