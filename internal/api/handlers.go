package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/punchamoorthee/rentledger/internal/domain"
	"github.com/punchamoorthee/rentledger/internal/models"
	"github.com/punchamoorthee/rentledger/internal/webhook"
	"github.com/sirupsen/logrus"
)

// Provider payloads are a few KB; anything near this is not a real event.
const maxWebhookBody = 1 << 20

const webhookEndpoint = "/webhooks/stripe"

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		h.log.WithError(err).Warn("health check: database unreachable")
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"}, "GET", "/health")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
}

// StripeWebhookHandler verifies and processes one provider delivery.
// 400 means the request can never succeed, 500 asks the provider to retry and
// 200 acknowledges it for good.
func (h *Handler) StripeWebhookHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", webhookEndpoint))
	defer timer.ObserveDuration()

	// The signature covers these exact bytes; nothing may decode them first.
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Unreadable request body", "POST", webhookEndpoint)
		return
	}

	evt, err := h.verifier.Verify(payload, r.Header.Get(webhook.SignatureHeader))
	if err != nil {
		h.log.WithError(err).Warn("rejected webhook")
		msg := "Invalid signature"
		if errors.Is(err, webhook.ErrEventMalformed) {
			msg = "Malformed event"
		}
		h.respondError(w, http.StatusBadRequest, msg, "POST", webhookEndpoint)
		return
	}

	if _, err := h.processor.Handle(r.Context(), evt); err != nil {
		entry := h.log.WithFields(logrus.Fields{"event_id": evt.ID, "event_type": evt.Type}).WithError(err)
		if errors.Is(err, domain.ErrEventInFlight) {
			entry.Info("event in flight, asking for redelivery")
		} else {
			entry.Error("webhook processing failed")
		}
		h.respondError(w, http.StatusInternalServerError, "Processing failed", "POST", webhookEndpoint)
		return
	}

	h.respondJSON(w, http.StatusOK, models.WebhookAck{Received: true}, "POST", webhookEndpoint)
}

func (h *Handler) GetBookingHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("GET", "/bookings/{id}"))
	defer timer.ObserveDuration()

	id := mux.Vars(r)["id"]
	booking, err := h.bookings.GetBooking(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "Booking not found", "GET", "/bookings/{id}")
		return
	}
	if err != nil {
		h.log.WithError(err).WithField("booking_id", id).Error("get booking")
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "GET", "/bookings/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, booking, "GET", "/bookings/{id}")
}
