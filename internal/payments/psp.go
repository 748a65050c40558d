package payments

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

type ChargeRequest struct {
	IdempotencyKey string
	TripID         string
	Amount         float64
	Currency       string
	Method         models.PaymentMethod
}

// ChargeResult is the provider's verdict. A decline is a result, not an
// error; errors mean the outcome is unknown.
type ChargeResult struct {
	Approved      bool
	TransactionID string
	Reason        string
}

// PSP is a payment service provider. Charge must be idempotent by
// IdempotencyKey.
type PSP interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

// StubPSP approves every charge unless Decline says otherwise, and answers a
// repeated key with the first result.
type StubPSP struct {
	Decline func(ChargeRequest) bool

	mu   sync.Mutex
	seen map[string]ChargeResult
}

func NewStubPSP() *StubPSP {
	return &StubPSP{seen: make(map[string]ChargeResult)}
}

func (s *StubPSP) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return ChargeResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = make(map[string]ChargeResult)
	}
	if res, ok := s.seen[req.IdempotencyKey]; ok {
		return res, nil
	}
	res := ChargeResult{Approved: true, TransactionID: "psp_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]}
	if s.Decline != nil && s.Decline(req) {
		res = ChargeResult{Reason: "insufficient funds"}
	}
	s.seen[req.IdempotencyKey] = res
	return res, nil
}

// Calls reports how many distinct keys were charged.
func (s *StubPSP) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
