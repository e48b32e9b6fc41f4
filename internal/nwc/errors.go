package nwc

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned when the wallet does not answer within the request
// deadline. The payment may still have gone through on the wallet side.
var ErrTimeout = errors.New("timeout waiting for wallet response")

// ConnectionError wraps relay connection failures.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("nwc: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PaymentError is a failure reported by the wallet, or a structurally
// invalid proof of payment. Payments are never retried on this error since
// funds may already have moved.
type PaymentError struct {
	Code    string
	Message string
}

func (e *PaymentError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payment failed: %s (%s)", e.Message, e.Code)
	}
	return fmt.Sprintf("payment failed: %s", e.Message)
}
