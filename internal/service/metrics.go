package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	webhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rentledger_webhook_events_total",
		Help: "Webhook events processed, labeled by kind and outcome",
	}, []string{"kind", "outcome"})

	sideEffectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rentledger_side_effects_total",
		Help: "Side effects attempted after a transition, labeled by result",
	}, []string{"effect", "result"})
)
