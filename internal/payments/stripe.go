package payments

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

// StripePSP charges through Stripe PaymentIntents using a manual-capture
// hold followed by a capture. Every call carries the payment's idempotency
// key so retries never double-charge.
type StripePSP struct {
	api           *client.API
	paymentMethod string
}

// NewStripePSP builds a client for apiKey. paymentMethod is the Stripe
// payment method confirmed on each intent.
func NewStripePSP(apiKey, paymentMethod string) *StripePSP {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripePSP{api: api, paymentMethod: paymentMethod}
}

// MinorUnits converts an amount to the currency's smallest unit.
func MinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func (s *StripePSP) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	id, err := s.hold(ctx, req)
	if err != nil {
		return declinedOr(err)
	}
	if err := s.capture(ctx, id, req.IdempotencyKey); err != nil {
		if cerr := s.cancel(ctx, id, req.IdempotencyKey); cerr != nil {
			err = errors.Join(err, fmt.Errorf("release hold: %w", cerr))
		}
		return declinedOr(err)
	}
	return ChargeResult{Approved: true, TransactionID: id}, nil
}

// hold creates and confirms a PaymentIntent with capture_method=manual.
func (s *StripePSP) hold(ctx context.Context, req ChargeRequest) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(MinorUnits(req.Amount)),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:       stripe.Bool(true),
	}
	if s.paymentMethod != "" {
		params.PaymentMethod = stripe.String(s.paymentMethod)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey + ":hold")
	params.AddMetadata("trip_id", req.TripID)
	params.AddMetadata("payment_method", string(req.Method))
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", err
	}
	if pi.Status != stripe.PaymentIntentStatusRequiresCapture && pi.Status != stripe.PaymentIntentStatusSucceeded {
		return pi.ID, fmt.Errorf("payment intent %s is %s", pi.ID, pi.Status)
	}
	return pi.ID, nil
}

func (s *StripePSP) capture(ctx context.Context, id, key string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey(key + ":capture")
	_, err := s.api.PaymentIntents.Capture(id, params)
	return err
}

func (s *StripePSP) cancel(ctx context.Context, id, key string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	params.SetIdempotencyKey(key + ":cancel")
	_, err := s.api.PaymentIntents.Cancel(id, params)
	return err
}

// declinedOr turns card errors into a declined result and passes anything
// else through.
func declinedOr(err error) (ChargeResult, error) {
	var serr *stripe.Error
	if errors.As(err, &serr) && serr.Type == stripe.ErrorTypeCard {
		return ChargeResult{Reason: serr.Msg}, nil
	}
	return ChargeResult{}, err
}
