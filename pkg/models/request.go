package models

// DefaultTokenDecimals applies when a request omits tokenDecimals
const DefaultTokenDecimals = 6

// PaymentRequest is a signed payment submitted by a session holder
type PaymentRequest struct {
	SessionID     string `json:"sessionId" cbor:"1,keyasint"`
	PaymentID     string `json:"paymentId" cbor:"2,keyasint"`
	OrderID       string `json:"orderId,omitempty" cbor:"3,keyasint,omitempty"`
	Recipient     string `json:"recipient" cbor:"4,keyasint"`
	Amount        string `json:"amount" cbor:"5,keyasint"`
	TokenDecimals *int   `json:"tokenDecimals,omitempty" cbor:"6,keyasint,omitempty"`
	Signature     string `json:"signature" cbor:"7,keyasint"`
	CallData      string `json:"callData,omitempty" cbor:"8,keyasint,omitempty"`
	Nonce         uint64 `json:"nonce" cbor:"9,keyasint"`
}

// Decimals returns the token decimals of the amount
func (r PaymentRequest) Decimals() int {
	if r.TokenDecimals == nil {
		return DefaultTokenDecimals
	}
	return *r.TokenDecimals
}
