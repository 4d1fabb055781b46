package payment

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// DefaultDeclineNumber is the sandbox card number that is always declined.
const DefaultDeclineNumber = "4000000000000002"

var _ Gateway = (*SandboxGateway)(nil)

// SandboxGateway approves every card except a fixed set of decline numbers.
// It stands in for a real gateway in development and tests.
type SandboxGateway struct {
	decline map[string]struct{}
}

// NewSandboxGateway returns a gateway declining the given card numbers, or
// DefaultDeclineNumber when none are given.
func NewSandboxGateway(declineNumbers ...string) *SandboxGateway {
	if len(declineNumbers) == 0 {
		declineNumbers = []string{DefaultDeclineNumber}
	}
	decline := make(map[string]struct{}, len(declineNumbers))
	for _, n := range declineNumbers {
		decline[normalizeNumber(n)] = struct{}{}
	}
	return &SandboxGateway{decline: decline}
}

// Authorize implements Gateway.
func (g *SandboxGateway) Authorize(ctx context.Context, auth Authorization) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if _, ok := g.decline[normalizeNumber(auth.Card.Number)]; ok {
		return Result{Reason: "card declined by issuer"}, nil
	}
	return Result{
		Approved: true,
		Code:     strings.ToUpper(uuid.NewString()[:8]),
	}, nil
}
