package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fleet"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/outbox"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/surge"
)

const maxBodyBytes = 1 << 20

// Services are the operations the API exposes.
type Services struct {
	Rides    *ride.Service
	Fleet    *fleet.Service
	Payments *payments.Service
	WS       *dispatch.WSRegistry
	// Ready reports whether backing stores are reachable; nil means always ready.
	Ready func(ctx context.Context) error
}

type Server struct {
	svc    Services
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(svc Services, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, logger: logger, mux: mux.NewRouter()}
	s.routes()
	s.registerMiddleware()
	return s
}

func (s *Server) routes() {
	v1 := s.mux.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/riders", s.handleRegisterRider).Methods(http.MethodPost)

	v1.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	v1.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	v1.HandleFunc("/rides/{id}/cancel", s.handleCancelRide).Methods(http.MethodPost)
	v1.HandleFunc("/rides/{id}/events", s.handleRideEvents).Methods(http.MethodGet)

	v1.HandleFunc("/drivers", s.handleRegisterDriver).Methods(http.MethodPost)
	v1.HandleFunc("/drivers/{id}", s.handleGetDriver).Methods(http.MethodGet)
	v1.HandleFunc("/drivers/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	v1.HandleFunc("/drivers/{id}/decline", s.handleDecline).Methods(http.MethodPost)
	v1.HandleFunc("/drivers/{id}/online", s.handleOnline).Methods(http.MethodPost)
	v1.HandleFunc("/drivers/{id}/offline", s.handleOffline).Methods(http.MethodPost)
	v1.HandleFunc("/drivers/{id}/location", s.handleLocation).Methods(http.MethodPost)
	v1.HandleFunc("/drivers/{id}/offers", s.handleOffers).Methods(http.MethodGet)

	v1.HandleFunc("/trips/{id}", s.handleGetTrip).Methods(http.MethodGet)
	v1.HandleFunc("/trips/{id}/end", s.handleEndTrip).Methods(http.MethodPost)

	v1.HandleFunc("/payments", s.handlePayment).Methods(http.MethodPost)

	v1.HandleFunc("/config/vehicle-tiers", s.handleTiers).Methods(http.MethodGet)
	v1.HandleFunc("/config/payment-methods", s.handlePaymentMethods).Methods(http.MethodGet)

	s.mux.HandleFunc("/ws/riders/{id}", s.handleWS(dispatch.Rider))
	s.mux.HandleFunc("/ws/drivers/{id}", s.handleWS(dispatch.Driver))

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleRegisterRider(w http.ResponseWriter, r *http.Request) {
	var req ride.RegisterRiderRequest
	if !s.decode(w, r, &req) {
		return
	}
	rider, err := s.svc.Rides.RegisterRider(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rider)
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req ride.CreateRideRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	out, err := s.svc.Rides.CreateRide(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.Rides.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.Rides.CancelRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRideEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.svc.Rides.RideEvents(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	var req fleet.RegisterDriverRequest
	if !s.decode(w, r, &req) {
		return
	}
	d, err := s.svc.Fleet.RegisterDriver(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.Fleet.GetDriver(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type rideRef struct {
	RideID string `json:"ride_id"`
}

func (s *Server) decodeRideRef(w http.ResponseWriter, r *http.Request) (string, bool) {
	var ref rideRef
	if !s.decode(w, r, &ref) {
		return "", false
	}
	if ref.RideID == "" {
		s.writeError(w, r, models.Invalid("ride_id", "is required"))
		return "", false
	}
	return ref.RideID, true
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	rideID, ok := s.decodeRideRef(w, r)
	if !ok {
		return
	}
	out, trip, err := s.svc.Rides.AcceptRide(r.Context(), mux.Vars(r)["id"], rideID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride": out, "trip": trip})
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	rideID, ok := s.decodeRideRef(w, r)
	if !ok {
		return
	}
	if err := s.svc.Rides.DeclineRide(r.Context(), mux.Vars(r)["id"], rideID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.Fleet.GoOnline(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleOffline(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.Fleet.GoOffline(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var req fleet.UpdateLocationRequest
	if !s.decode(w, r, &req) {
		return
	}
	if _, err := s.svc.Fleet.UpdateLocation(r.Context(), mux.Vars(r)["id"], req); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := s.svc.Rides.ListPendingOffers(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": offers})
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Rides.GetTrip(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleEndTrip(w http.ResponseWriter, r *http.Request) {
	var req ride.EndTripRequest
	if !s.decode(w, r, &req) {
		return
	}
	t, err := s.svc.Rides.EndTrip(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	var req payments.PaymentRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	p, err := s.svc.Payments.ProcessPayment(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type tierInfo struct {
	Tier      models.Tier `json:"vehicle_tier"`
	RatePerKm float64     `json:"rate_per_km"`
}

func (s *Server) handleTiers(w http.ResponseWriter, r *http.Request) {
	out := make([]tierInfo, 0, len(models.Tiers))
	for _, t := range models.Tiers {
		rate, _ := surge.RatePerKm(t)
		out = append(out, tierInfo{Tier: t, RatePerKm: rate})
	}
	writeJSON(w, http.StatusOK, map[string]any{"vehicle_tiers": out, "minimum_fare": surge.MinimumFare})
}

func (s *Server) handlePaymentMethods(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"payment_methods": models.PaymentMethods})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.svc.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.svc.Ready(ctx); err != nil {
			s.requestLogger(r.Context()).Warn("readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "not ready"})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWS registers a push session for a rider or driver. The read loop only
// exists to notice the client going away.
func (s *Server) handleWS(a dispatch.Audience) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.requestLogger(r.Context()).Debug("websocket upgrade failed", "error", err)
			return
		}
		logger := s.requestLogger(r.Context())
		sess := s.svc.WS.Add(a, id, conn)
		logger.Info("push session opened", "audience", a)
		defer func() {
			s.svc.WS.Remove(a, id, sess)
			_ = conn.Close()
			logger.Info("push session closed", "audience", a)
		}()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}
}

type errorBody struct {
	Error     string              `json:"error"`
	Fields    []models.FieldError `json:"fields,omitempty"`
	RequestID string              `json:"request_id,omitempty"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidStateTransition), errors.Is(err, models.ErrDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	body := errorBody{Error: err.Error()}
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		body.Fields = verr.Fields
	}
	if code == http.StatusInternalServerError {
		args := []any{"method", r.Method, "path", r.URL.Path, "error", err}
		if errors.Is(err, outbox.ErrPublish) {
			args = append(args, "committed", true)
		}
		s.requestLogger(r.Context()).Error("request failed", args...)
		body = errorBody{Error: "internal error", RequestID: requestID(r.Context())}
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
