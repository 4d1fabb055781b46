package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// DefaultTimeout bounds a single gateway call.
const DefaultTimeout = 5 * time.Second

// Authorizer validates card details and asks the gateway for a decision.
// Any gateway error, including a timeout, is reported as a decline; the
// authorizer never retries.
type Authorizer struct {
	gateway Gateway
	timeout time.Duration
	now     func() time.Time
}

// NewAuthorizer creates an Authorizer. A non-positive timeout selects
// DefaultTimeout.
func NewAuthorizer(gateway Gateway, timeout time.Duration) *Authorizer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Authorizer{gateway: gateway, timeout: timeout, now: time.Now}
}

// Authorize returns the gateway approval, an *InvalidPaymentDetailsError when
// the card is malformed or expired, or a *DeclinedError otherwise.
func (a *Authorizer) Authorize(ctx context.Context, auth Authorization) (Result, error) {
	if err := ValidateCard(auth.Card, a.now()); err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	res, err := a.gateway.Authorize(ctx, auth)
	if err != nil {
		reason := "gateway unavailable"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "gateway timed out"
		}
		return Result{}, &DeclinedError{Reason: reason, Err: err}
	}
	if !res.Approved {
		return res, &DeclinedError{Reason: res.Reason}
	}
	return res, nil
}
