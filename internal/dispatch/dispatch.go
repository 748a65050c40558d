// Package dispatch delivers rider and driver notifications. Delivery is best
// effort: callers log failures and move on.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

type Audience string

const (
	Rider  Audience = "rider"
	Driver Audience = "driver"
)

// Notification kinds.
const (
	KindRideOffer      = "RIDE_OFFER"
	KindOfferWithdrawn = "OFFER_WITHDRAWN"
	KindDriverMatched  = "DRIVER_MATCHED"
	KindNoDrivers      = "NO_DRIVERS_AVAILABLE"
	KindRideAccepted   = "RIDE_ACCEPTED"
	KindRideCancelled  = "RIDE_CANCELLED"
	KindTripCompleted  = "TRIP_COMPLETED"
	KindPaymentPrefix  = "PAYMENT_"
)

type Notification struct {
	Audience    Audience       `json:"audience"`
	RecipientID string         `json:"recipient_id"`
	Kind        string         `json:"kind"`
	Payload     map[string]any `json:"payload,omitempty"`
	SentAt      time.Time      `json:"sent_at"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Fanout hands a notification to every channel and joins their errors.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, d := range f {
		if err := d.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier records notifications in the service log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	l.Logger.Info("notification", "audience", n.Audience, "recipient", n.RecipientID, "kind", n.Kind)
	return nil
}

// HTTPDispatcher posts notifications to a webhook, e.g. a push gateway.
type HTTPDispatcher struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPDispatcher(endpoint string) *HTTPDispatcher {
	return &HTTPDispatcher{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

func (d *HTTPDispatcher) Notify(ctx context.Context, n Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
