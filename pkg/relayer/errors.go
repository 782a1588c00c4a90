package relayer

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies relayer failures
type Kind string

const (
	KindValidation        Kind = "validation"
	KindSignatureMismatch Kind = "signature_mismatch"
	KindConflict          Kind = "conflict"
	KindChainFatal        Kind = "chain_fatal"
	KindChainNonFatal     Kind = "chain_non_fatal"
	KindTransientChain    Kind = "transient_chain"
	KindInfrastructure    Kind = "infrastructure"
)

var (
	ErrInvalidRequest           = errors.New("invalid payment request")
	ErrSettlementAddressMissing = errors.New("zero recipient and no commission contract configured")
	ErrSessionInactive          = errors.New("session is not active")
	ErrSingleLimitExceeded      = errors.New("amount exceeds session single transaction limit")
	ErrDailyLimitExceeded       = errors.New("amount exceeds session daily limit")
	ErrNonceReplay              = errors.New("nonce does not advance the session nonce")
	ErrPaymentInFlight          = errors.New("payment is already being processed")
	ErrRelayerUnfunded          = errors.New("relayer account has no balance")
	ErrQueueUnavailable         = errors.New("retry queue unavailable")
	ErrNoExecutionEvent         = errors.New("transaction mined without a PaymentExecuted event")
)

// Error is a classified relayer failure
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func validationError(err error, format string, args ...interface{}) *Error {
	return newError(KindValidation, err, format, args...)
}

// KindOf returns the kind of a relayer error, infrastructure for anything unclassified
func KindOf(err error) Kind {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	return KindInfrastructure
}

// StatusCode maps an error to the HTTP status returned to the caller
func StatusCode(err error) int {
	switch KindOf(err) {
	case KindValidation, KindSignatureMismatch:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindChainFatal:
		return http.StatusUnprocessableEntity
	case KindTransientChain, KindChainNonFatal:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
