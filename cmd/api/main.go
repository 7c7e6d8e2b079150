package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/rentledger/internal/api"
	"github.com/punchamoorthee/rentledger/internal/config"
	"github.com/punchamoorthee/rentledger/internal/logging"
	"github.com/punchamoorthee/rentledger/internal/mq"
	"github.com/punchamoorthee/rentledger/internal/notify"
	"github.com/punchamoorthee/rentledger/internal/reconcile"
	"github.com/punchamoorthee/rentledger/internal/service"
	"github.com/punchamoorthee/rentledger/internal/store"
	"github.com/punchamoorthee/rentledger/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal(err)
	}
	base := logger.WithField("env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewStore(ctx, cfg.DBSource)
	if err != nil {
		logger.WithError(err).Fatal("Unable to connect to database")
	}
	defer db.Close()

	var pub mq.JSONPublisher
	if cfg.RabbitURL == "" {
		logger.Warn("RABBIT_URL not set; receipts and admin alerts are only logged")
		pub = mq.NewLogPublisher(base)
	} else {
		p, err := mq.NewPublisher(cfg.RabbitURL, cfg.EventsExchange, base)
		if err != nil {
			logger.WithError(err).Fatal("Unable to connect to broker")
		}
		pub = p
	}
	defer pub.Close()

	// Initialize Layers
	fanout := service.NewFanOut(db, db, notify.NewReceiptSender(pub), notify.NewAdminAlerter(pub), cfg.AppBaseURL)
	processor := service.NewProcessor(service.Deps{
		Bookings:   db,
		Sales:      db,
		Events:     db,
		FanOut:     fanout,
		Runner:     service.NewEffectRunner(base, cfg.EffectTimeout),
		Log:        base,
		ClaimLease: cfg.EventClaimLease,
	})
	verifier := webhook.NewVerifier(cfg.StripeWebhookSecret, cfg.WebhookTolerance)
	handler := api.NewHandler(verifier, processor, db, db, base)

	if cfg.ReconcileEnabled {
		rec := reconcile.NewReconciler(db, reconcile.NewStripeSessions(cfg.StripeSecretKey), processor, reconcile.Options{
			Interval: cfg.ReconcileInterval,
			MinAge:   cfg.ReconcileMinAge,
			Batch:    cfg.ReconcileBatch,
			Workers:  cfg.ReconcileWorkers,
		}, base)
		go rec.Start(ctx)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Server shutdown")
		}
	}()

	logger.Infof("Server starting on :%s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Fatal("Server stopped")
	}
}
