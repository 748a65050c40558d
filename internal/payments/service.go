// Package payments settles completed trips through a payment service
// provider.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/outbox"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/validation"
)

type PaymentRequest struct {
	TripID         string               `json:"trip_id" validate:"required"`
	Method         models.PaymentMethod `json:"payment_method" validate:"required,oneof=CASH CARD UPI WALLET"`
	IdempotencyKey string               `json:"idempotency_key" validate:"required,max=128"`
}

type Service struct {
	store    storage.Store
	runner   *outbox.Runner
	psp      PSP
	currency string
	logger   *slog.Logger
}

func NewService(store storage.Store, runner *outbox.Runner, psp PSP, currency string, logger *slog.Logger) *Service {
	if currency == "" {
		currency = "INR"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, runner: runner, psp: psp, currency: currency, logger: logger}
}

// ProcessPayment charges the fare of a completed trip. The PROCESSING record
// is committed before the provider is called. A retry with the same key
// returns a settled payment as is, and charges a PROCESSING one again: the
// provider answers a repeated key with its first result.
func (s *Service) ProcessPayment(ctx context.Context, req PaymentRequest) (*models.Payment, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}

	p, replay, err := s.begin(ctx, req)
	if errors.Is(err, models.ErrDuplicateRequest) {
		// a concurrent request with the same key got there first
		if prev, rerr := s.byKey(ctx, req.IdempotencyKey); rerr == nil {
			return prev, nil
		}
	}
	if err != nil {
		return nil, err
	}
	if replay && p.Status != models.PaymentProcessing {
		s.logger.Info("payment replayed", "payment_id", p.ID, "idempotency_key", req.IdempotencyKey)
		return p, nil
	}
	if replay {
		s.logger.Info("resuming unsettled payment", "payment_id", p.ID, "idempotency_key", req.IdempotencyKey)
	}

	res, err := s.psp.Charge(ctx, ChargeRequest{
		IdempotencyKey: p.IdempotencyKey,
		TripID:         p.TripID,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Method:         p.Method,
	})
	if err != nil {
		s.logger.Warn("psp charge failed", "payment_id", p.ID, "error", err)
		res = ChargeResult{Reason: err.Error()}
	}
	return s.finish(ctx, p, res)
}

func (s *Service) begin(ctx context.Context, req PaymentRequest) (*models.Payment, bool, error) {
	var (
		out    *models.Payment
		replay bool
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		prev, err := tx.PaymentByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			out, replay = prev, true
			return nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return err
		}

		trip, err := tx.GetTrip(ctx, req.TripID)
		if err != nil {
			return err
		}
		if trip.Status != models.TripCompleted {
			return fmt.Errorf("trip %s is %s, payment needs a completed trip: %w", trip.ID, trip.Status, models.ErrInvalidStateTransition)
		}
		if _, err := tx.SuccessfulPaymentForTrip(ctx, trip.ID); err == nil {
			return models.Duplicate("trip %s is already paid", trip.ID)
		} else if !errors.Is(err, models.ErrNotFound) {
			return err
		}

		now := time.Now().UTC()
		p := &models.Payment{
			ID:             uuid.NewString(),
			TripID:         trip.ID,
			RiderID:        trip.RiderID,
			Amount:         trip.TotalFare,
			Currency:       s.currency,
			Status:         models.PaymentPending,
			Method:         req.Method,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := p.Transition(models.PaymentProcessing); err != nil {
			return err
		}
		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, replay, err
}

func (s *Service) finish(ctx context.Context, p *models.Payment, res ChargeResult) (*models.Payment, error) {
	var out *models.Payment
	err := s.runner.Run(ctx, func(ctx context.Context, tx storage.Tx, b *outbox.Batch) error {
		cur, err := tx.PaymentByIdempotencyKey(ctx, p.IdempotencyKey)
		if err != nil {
			return err
		}
		if cur.Status != models.PaymentProcessing {
			// settled by a concurrent retry of the same key
			out = cur
			return nil
		}
		if res.Approved {
			if paid, err := tx.SuccessfulPaymentForTrip(ctx, cur.TripID); err == nil && paid.ID != cur.ID {
				res = ChargeResult{TransactionID: res.TransactionID, Reason: "trip already paid by " + paid.ID}
			} else if err != nil && !errors.Is(err, models.ErrNotFound) {
				return err
			}
		}
		next := models.PaymentFailed
		if res.Approved {
			next = models.PaymentSuccess
		}
		if err := cur.Transition(next); err != nil {
			return err
		}
		cur.PSPTransactionID = res.TransactionID
		cur.UpdatedAt = b.Now()
		if err := tx.UpdatePayment(ctx, cur); err != nil {
			return err
		}

		if res.Approved {
			trip, err := tx.GetTrip(ctx, cur.TripID)
			if err != nil {
				return err
			}
			ride, err := tx.GetRide(ctx, trip.RideID)
			if err != nil {
				return err
			}
			if err := b.Emit(ctx, ride, trip.DriverID, models.EventPaymentCompleted, map[string]string{
				"payment_id":         cur.ID,
				"trip_id":            trip.ID,
				"amount":             strconv.FormatFloat(cur.Amount, 'f', 2, 64),
				"currency":           cur.Currency,
				"psp_transaction_id": cur.PSPTransactionID,
			}); err != nil {
				return err
			}
		}
		b.NotifyRider(cur.RiderID, dispatch.KindPaymentPrefix+string(cur.Status), map[string]any{
			"payment_id": cur.ID,
			"amount":     cur.Amount,
			"status":     cur.Status,
		})
		observability.PaymentsTotal.WithLabelValues(string(cur.Status)).Inc()
		s.logger.Info("payment settled", "payment_id", cur.ID, "trip_id", cur.TripID, "status", cur.Status, "reason", res.Reason)
		out = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) byKey(ctx context.Context, key string) (*models.Payment, error) {
	var p *models.Payment
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		p, err = tx.PaymentByIdempotencyKey(ctx, key)
		return err
	})
	return p, err
}
