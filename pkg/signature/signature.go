// Package signature checks session-key signatures off-chain using the same
// digest the SessionManager verifies on-chain.
package signature

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/speedrun-hq/session-relayer/pkg/logger"
	"github.com/speedrun-hq/session-relayer/pkg/metrics"
	"github.com/speedrun-hq/session-relayer/pkg/models"
	"github.com/speedrun-hq/session-relayer/pkg/units"
)

// Source names the request field a matching payment id came from
type Source string

const (
	SourceOrderID   Source = "orderId"
	SourcePaymentID Source = "paymentId"
)

// Match is the candidate combination that recovered to the session signer
type Match struct {
	Recipient common.Address
	Amount    *big.Int
	PaymentID [32]byte
	Source    Source
}

// Verifier recovers the signer of a payment request and compares it to the session signer
type Verifier struct {
	chainID        *big.Int
	ledgerDecimals int
	fallback       common.Address
	logger         logger.Logger
}

// NewVerifier creates a verifier. fallback is the settlement address tried as an
// alternative recipient, zero when none is configured.
func NewVerifier(chainID *big.Int, ledgerDecimals int, fallback common.Address, log logger.Logger) *Verifier {
	return &Verifier{
		chainID:        new(big.Int).Set(chainID),
		ledgerDecimals: ledgerDecimals,
		fallback:       fallback,
		logger:         log,
	}
}

// Verify tries every (id, recipient) candidate pair, identifiers outer and
// recipients inner, and returns the first pair that recovers to the session signer.
func (v *Verifier) Verify(req models.PaymentRequest, session *models.SessionRecord) (*Match, bool) {
	if session == nil {
		return nil, false
	}

	sig, err := hexutil.Decode(ensureHexPrefix(req.Signature))
	if err != nil || len(sig) != crypto.SignatureLength {
		v.logger.Debug("Malformed signature for payment %s", req.PaymentID)
		metrics.SignatureVerifications.WithLabelValues("malformed").Inc()
		return nil, false
	}

	sessionID, err := ParseBytes32(req.SessionID)
	if err != nil {
		metrics.SignatureVerifications.WithLabelValues("malformed").Inc()
		return nil, false
	}

	raw, err := units.ParseAmount(req.Amount)
	if err != nil {
		metrics.SignatureVerifications.WithLabelValues("malformed").Inc()
		return nil, false
	}
	amount := units.Scale(raw, req.Decimals(), v.ledgerDecimals)

	for _, id := range candidateIDs(req) {
		encoded := EncodePaymentID(id.value)
		for _, recipient := range v.candidateRecipients(req) {
			hash := Digest(sessionID, recipient, amount, encoded, v.chainID)
			signer, err := Recover(hash, sig)
			if err != nil {
				continue
			}
			if strings.EqualFold(signer.Hex(), session.Signer.Hex()) {
				metrics.SignatureVerifications.WithLabelValues("match").Inc()
				return &Match{
					Recipient: recipient,
					Amount:    amount,
					PaymentID: encoded,
					Source:    id.source,
				}, true
			}
		}
	}

	metrics.SignatureVerifications.WithLabelValues("mismatch").Inc()
	return nil, false
}

type candidateID struct {
	value  string
	source Source
}

func candidateIDs(req models.PaymentRequest) []candidateID {
	var out []candidateID
	if req.OrderID != "" {
		out = append(out, candidateID{req.OrderID, SourceOrderID})
	}
	if req.PaymentID != "" && req.PaymentID != req.OrderID {
		out = append(out, candidateID{req.PaymentID, SourcePaymentID})
	}
	return out
}

func (v *Verifier) candidateRecipients(req models.PaymentRequest) []common.Address {
	var out []common.Address
	if common.IsHexAddress(req.Recipient) {
		out = append(out, common.HexToAddress(req.Recipient))
	}
	if v.fallback != (common.Address{}) && (len(out) == 0 || out[0] != v.fallback) {
		out = append(out, v.fallback)
	}
	return out
}

// EncodePaymentID maps an external identifier to bytes32.
// Hex strings of at most 32 bytes are left-padded, anything else is hashed.
func EncodePaymentID(id string) [32]byte {
	if b, ok := decodeShortHex(id); ok {
		return common.BytesToHash(b)
	}
	return crypto.Keccak256Hash([]byte(id))
}

func decodeShortHex(s string) ([]byte, bool) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return nil, false
	}
	body := s[2:]
	if len(body) == 0 || len(body) > 64 {
		return nil, false
	}
	if len(body)%2 == 1 {
		body = "0" + body
	}
	b, err := hexutil.Decode("0x" + body)
	if err != nil {
		return nil, false
	}
	return b, true
}

// Digest builds the EIP-191 personal-message hash over
// keccak256(sessionId, recipient, amount, paymentId, chainId) packed encoding.
func Digest(sessionID [32]byte, recipient common.Address, amount *big.Int, paymentID [32]byte, chainID *big.Int) []byte {
	inner := crypto.Keccak256(
		sessionID[:],
		recipient.Bytes(),
		math.U256Bytes(new(big.Int).Set(amount)),
		paymentID[:],
		math.U256Bytes(new(big.Int).Set(chainID)),
	)
	return accounts.TextHash(inner)
}

// Recover returns the address that produced sig over hash.
// V may be 0/1 or 27/28.
func Recover(hash []byte, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(sig))
	}
	s := make([]byte, len(sig))
	copy(s, sig)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(hash, s)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign produces a 27/28-style signature over hash, as wallets do
func Sign(hash []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// ParseBytes32 decodes a 0x-prefixed 32 byte hex value
func ParseBytes32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hexutil.Decode(ensureHexPrefix(s))
	if err != nil {
		return out, fmt.Errorf("invalid bytes32 %q: %v", s, err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("invalid bytes32 %q: got %d bytes", s, len(b))
	}
	copy(out[:], b)
	return out, nil
}

func ensureHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return "0x" + s[2:]
	}
	return "0x" + s
}
