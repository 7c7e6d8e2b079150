package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/rentledger/internal/domain"
	"github.com/punchamoorthee/rentledger/internal/service"
	"github.com/punchamoorthee/rentledger/internal/webhook"
	"github.com/sirupsen/logrus"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rentledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rentledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "endpoint"})
)

type EventVerifier interface {
	Verify(payload []byte, signature string) (*webhook.Event, error)
}

type EventProcessor interface {
	Handle(ctx context.Context, evt *webhook.Event) (service.Outcome, error)
}

type BookingReader interface {
	GetBooking(ctx context.Context, id string) (*domain.Booking, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	verifier  EventVerifier
	processor EventProcessor
	bookings  BookingReader
	db        Pinger
	log       logrus.FieldLogger
}

func NewHandler(v EventVerifier, p EventProcessor, b BookingReader, db Pinger, log logrus.FieldLogger) *Handler {
	return &Handler{verifier: v, processor: p, bookings: b, db: db, log: log}
}

// Routes mounts every endpoint on a new router.
func (h *Handler) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/webhooks/stripe", h.StripeWebhookHandler).Methods("POST")
	apiV1.HandleFunc("/bookings/{id}", h.GetBookingHandler).Methods("GET")
	return r
}

// Helpers
func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			h.log.WithError(err).Warn("write response")
		}
	}
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}
