// Package payment validates card details and authorizes payments through an
// external gateway with a pass/fail contract.
package payment

import (
	"context"
	"fmt"
)

// Card holds card-like payment credentials as submitted at checkout.
type Card struct {
	Number   string
	Holder   string
	ExpMonth int
	ExpYear  int
	CVV      string
}

// Last4 returns the last four digits of the card number, for logs.
func (c Card) Last4() string {
	digits := normalizeNumber(c.Number)
	if len(digits) < 4 {
		return digits
	}
	return digits[len(digits)-4:]
}

// Authorization is a request to authorize a payment.
type Authorization struct {
	// Reference identifies the checkout attempt at the gateway.
	Reference string
	UserID    string
	Card      Card
}

// Result is a gateway decision.
type Result struct {
	Approved bool
	// Code is the gateway authorization code for approvals.
	Code string
	// Reason explains a decline.
	Reason string
}

// Gateway is an external payment authorizer.
type Gateway interface {
	Authorize(ctx context.Context, auth Authorization) (Result, error)
}

// InvalidPaymentDetailsError reports malformed or expired card details.
type InvalidPaymentDetailsError struct {
	Field  string
	Reason string
}

func (e *InvalidPaymentDetailsError) Error() string {
	return fmt.Sprintf("invalid payment details: %s %s", e.Field, e.Reason)
}

// DeclinedError reports that the payment was not authorized, either because
// the gateway declined it or because the gateway could not be reached in time.
type DeclinedError struct {
	Reason string
	Err    error
}

func (e *DeclinedError) Error() string {
	if e.Reason == "" {
		return "payment declined"
	}
	return "payment declined: " + e.Reason
}

func (e *DeclinedError) Unwrap() error {
	return e.Err
}
