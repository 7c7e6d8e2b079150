// Package reconcile repairs bookings whose webhook never arrived by asking
// the provider for the final state of their checkout session.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/rentledger/internal/domain"
	"github.com/punchamoorthee/rentledger/internal/service"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v79"
)

var reconcileRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rentledger_reconcile_runs_total",
	Help: "Reconciliation cycles, labeled by result",
}, []string{"result"})

type BookingSource interface {
	ListStaleUnpaid(ctx context.Context, olderThan time.Time, limit int) ([]domain.Booking, error)
	TouchBooking(ctx context.Context, id string) error
}

type SessionFetcher interface {
	GetCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error)
}

type SessionApplier interface {
	ReconcileSession(ctx context.Context, sess *stripe.CheckoutSession) (service.Outcome, error)
}

type Options struct {
	Interval time.Duration
	MinAge   time.Duration
	Batch    int
	Workers  int
}

type Reconciler struct {
	bookings BookingSource
	sessions SessionFetcher
	applier  SessionApplier
	opts     Options
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewReconciler(b BookingSource, s SessionFetcher, a SessionApplier, opts Options, log logrus.FieldLogger) *Reconciler {
	return &Reconciler{
		bookings: b,
		sessions: s,
		applier:  a,
		opts:     opts,
		log:      log.WithField("component", "reconciler"),
		now:      time.Now,
	}
}

// Summary counts what one cycle did.
type Summary struct {
	Scanned int
	Applied int
	Pending int
	Failed  int
}

// Start runs cycles every Interval until ctx is cancelled. Blocking.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	r.log.WithField("interval", r.opts.Interval).Info("reconciler started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.WithError(err).Error("reconcile cycle failed")
			}
		}
	}
}

// RunOnce reconciles one batch of stale unpaid bookings.
func (r *Reconciler) RunOnce(ctx context.Context) (Summary, error) {
	stale, err := r.bookings.ListStaleUnpaid(ctx, r.now().Add(-r.opts.MinAge), r.opts.Batch)
	if err != nil {
		reconcileRunsTotal.WithLabelValues("error").Inc()
		return Summary{}, fmt.Errorf("list stale bookings: %w", err)
	}
	if len(stale) == 0 {
		reconcileRunsTotal.WithLabelValues("empty").Inc()
		return Summary{}, nil
	}

	var applied, pending, failed atomic.Int64
	jobs := make(chan domain.Booking, len(stale))
	var wg sync.WaitGroup
	for w := 0; w < r.opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range jobs {
				outcome, err := r.syncBooking(ctx, b)
				entry := r.log.WithFields(logrus.Fields{"booking_id": b.ID, "checkout_session_id": b.CheckoutSessionID})
				switch {
				case err != nil:
					failed.Add(1)
					entry.WithError(err).Warn("reconcile booking")
				case outcome == service.OutcomeApplied:
					applied.Add(1)
					entry.Info("booking reconciled from provider state")
				default:
					pending.Add(1)
				}
			}
		}()
	}
	for _, b := range stale {
		jobs <- b
	}
	close(jobs)
	wg.Wait()

	sum := Summary{
		Scanned: len(stale),
		Applied: int(applied.Load()),
		Pending: int(pending.Load()),
		Failed:  int(failed.Load()),
	}
	reconcileRunsTotal.WithLabelValues("ok").Inc()
	r.log.WithFields(logrus.Fields{
		"scanned": sum.Scanned, "applied": sum.Applied, "pending": sum.Pending, "failed": sum.Failed,
	}).Info("reconcile cycle done")
	return sum, nil
}

func (r *Reconciler) syncBooking(ctx context.Context, b domain.Booking) (service.Outcome, error) {
	sess, err := r.sessions.GetCheckoutSession(ctx, b.CheckoutSessionID)
	if err != nil {
		return "", fmt.Errorf("fetch session: %w", err)
	}
	outcome, err := r.applier.ReconcileSession(ctx, sess)
	if err != nil {
		return "", err
	}
	if outcome != service.OutcomeApplied {
		// Still open; push it to the back of the queue.
		if err := r.bookings.TouchBooking(ctx, b.ID); err != nil {
			return outcome, fmt.Errorf("touch booking: %w", err)
		}
	}
	return outcome, nil
}
