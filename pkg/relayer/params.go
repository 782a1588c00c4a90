package relayer

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/speedrun-hq/session-relayer/pkg/ledger"
	"github.com/speedrun-hq/session-relayer/pkg/models"
	"github.com/speedrun-hq/session-relayer/pkg/signature"
	"github.com/speedrun-hq/session-relayer/pkg/units"
)

const maxTokenDecimals = 36

// parsedRequest is the decoded form of a PaymentRequest
type parsedRequest struct {
	sessionID [32]byte
	recipient common.Address
	amount    *big.Int // token decimals
	signature []byte
	callData  []byte
}

// parseRequest checks the request syntax
func parseRequest(req models.PaymentRequest) (*parsedRequest, error) {
	sessionID, err := signature.ParseBytes32(req.SessionID)
	if err != nil {
		return nil, validationError(ErrInvalidRequest, "sessionId")
	}
	if req.PaymentID == "" {
		return nil, validationError(ErrInvalidRequest, "paymentId is required")
	}
	if !common.IsHexAddress(req.Recipient) {
		return nil, validationError(ErrInvalidRequest, "recipient %q is not an address", req.Recipient)
	}

	amount, err := units.ParseAmount(req.Amount)
	if err != nil {
		return nil, validationError(ErrInvalidRequest, "%v", err)
	}
	if amount.Sign() == 0 {
		return nil, validationError(ErrInvalidRequest, "amount must be greater than 0")
	}

	if d := req.Decimals(); d < 0 || d > maxTokenDecimals {
		return nil, validationError(ErrInvalidRequest, "tokenDecimals %d out of range", d)
	}

	sig, err := hexutil.Decode(withHexPrefix(req.Signature))
	if err != nil || len(sig) == 0 {
		return nil, validationError(ErrInvalidRequest, "signature is not hex")
	}

	var callData []byte
	if req.CallData != "" && req.CallData != "0x" {
		callData, err = hexutil.Decode(withHexPrefix(req.CallData))
		if err != nil {
			return nil, validationError(ErrInvalidRequest, "callData is not hex")
		}
	}

	return &parsedRequest{
		sessionID: sessionID,
		recipient: common.HexToAddress(req.Recipient),
		amount:    amount,
		signature: sig,
		callData:  callData,
	}, nil
}

// settlementID is the identifier submitted to the ledger. orderId wins when present.
func settlementID(req models.PaymentRequest) [32]byte {
	if req.OrderID != "" {
		return signature.EncodePaymentID(req.OrderID)
	}
	return signature.EncodePaymentID(req.PaymentID)
}

// executeParams converts a prepared request into ledger call arguments
func executeParams(req models.PaymentRequest, ledgerDecimals int) (ledger.ExecuteParams, error) {
	p, err := parseRequest(req)
	if err != nil {
		return ledger.ExecuteParams{}, err
	}
	return ledger.ExecuteParams{
		SessionID: p.sessionID,
		Recipient: p.recipient,
		Amount:    units.Scale(p.amount, req.Decimals(), ledgerDecimals),
		PaymentID: settlementID(req),
		Signature: p.signature,
		CallData:  p.callData,
	}, nil
}

func withHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return "0x" + s[2:]
	}
	return "0x" + s
}
