package ledger

import (
	"strings"
)

// ClassifyRevert decides whether a failed simulation can never succeed.
// Fatal reasons abort the payment, everything else is worth submitting or retrying.
func ClassifyRevert(err error) (fatal bool, reason string) {
	if err == nil {
		return false, ""
	}

	errMsg := strings.ToLower(err.Error())

	if strings.Contains(errMsg, "invalid signature") || strings.Contains(errMsg, "invalidsignature") {
		return true, "invalid_signature"
	}

	if strings.Contains(errMsg, "session expired") || strings.Contains(errMsg, "sessionexpired") {
		return true, "session_expired"
	}

	if strings.Contains(errMsg, "session inactive") ||
		strings.Contains(errMsg, "session not active") ||
		strings.Contains(errMsg, "sessioninactive") {
		return true, "session_inactive"
	}

	if strings.Contains(errMsg, "limit exceeded") ||
		strings.Contains(errMsg, "exceeds single limit") ||
		strings.Contains(errMsg, "exceeds daily limit") ||
		strings.Contains(errMsg, "limitexceeded") {
		return true, "limit_exceeded"
	}

	if strings.Contains(errMsg, "nonce too low") ||
		strings.Contains(errMsg, "replacement transaction underpriced") {
		return false, "nonce_error"
	}

	if strings.Contains(errMsg, "insufficient funds") {
		return false, "insufficient_funds"
	}

	if strings.Contains(errMsg, "timeout") ||
		strings.Contains(errMsg, "deadline exceeded") {
		return false, "timeout"
	}

	if strings.Contains(errMsg, "connection") || strings.Contains(errMsg, "network") {
		return false, "network_error"
	}

	return false, "unknown"
}
