package l402

import "fmt"

// ProtocolError is a malformed challenge or header. No payment is attempted.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("l402: %s", e.Message)
}

// BudgetExceededError is returned when an invoice amount is above the
// caller's maxSats cap. No payment is attempted.
type BudgetExceededError struct {
	AmountSats int64
	MaxSats    int64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("invoice amount %d sats exceeds maximum %d sats", e.AmountSats, e.MaxSats)
}

// PostPaymentError means the payment went through but the retried request
// still failed. Funds moved without the resource being delivered, so the
// proof of payment is carried on the error for the caller to keep.
type PostPaymentError struct {
	StatusCode int
	Body       string
	AmountSats int64
	Preimage   string
	Macaroon   string
}

func (e *PostPaymentError) Error() string {
	return fmt.Sprintf("request failed after payment: %d %s", e.StatusCode, truncate(e.Body, 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
