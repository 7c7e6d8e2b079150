package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/rentledger/internal/domain"
	"github.com/punchamoorthee/rentledger/internal/service"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"
)

type fakeSource struct {
	mu      sync.Mutex
	stale   []domain.Booking
	err     error
	cutoff  time.Time
	limit   int
	touched []string
}

func (f *fakeSource) ListStaleUnpaid(ctx context.Context, olderThan time.Time, limit int) ([]domain.Booking, error) {
	f.cutoff, f.limit = olderThan, limit
	return f.stale, f.err
}

func (f *fakeSource) TouchBooking(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, id)
	return nil
}

type fakeSessions map[string]*stripe.CheckoutSession

func (f fakeSessions) GetCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	s, ok := f[id]
	if !ok {
		return nil, errors.New("resource_missing")
	}
	return s, nil
}

type fakeApplier struct {
	mu      sync.Mutex
	applied []string
}

func (f *fakeApplier) ReconcileSession(ctx context.Context, sess *stripe.CheckoutSession) (service.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sess.Status == stripe.CheckoutSessionStatusOpen {
		return service.OutcomeNoop, nil
	}
	f.applied = append(f.applied, sess.ID)
	return service.OutcomeApplied, nil
}

func TestRunOnce(t *testing.T) {
	logger, _ := test.NewNullLogger()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	src := &fakeSource{stale: []domain.Booking{
		{ID: "B1", CheckoutSessionID: "cs_paid"},
		{ID: "B2", CheckoutSessionID: "cs_open"},
		{ID: "B3", CheckoutSessionID: "cs_gone"},
		{ID: "B4", CheckoutSessionID: "cs_expired"},
	}}
	sessions := fakeSessions{
		"cs_paid":    {ID: "cs_paid", Status: stripe.CheckoutSessionStatusComplete},
		"cs_open":    {ID: "cs_open", Status: stripe.CheckoutSessionStatusOpen},
		"cs_expired": {ID: "cs_expired", Status: stripe.CheckoutSessionStatusExpired},
	}
	applier := &fakeApplier{}

	r := NewReconciler(src, sessions, applier, Options{Interval: time.Minute, MinAge: 30 * time.Minute, Batch: 10, Workers: 3}, logger)
	r.now = func() time.Time { return now }

	sum, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Scanned: 4, Applied: 2, Pending: 1, Failed: 1}, sum)
	assert.ElementsMatch(t, []string{"cs_paid", "cs_expired"}, applier.applied)
	assert.Equal(t, []string{"B2"}, src.touched)
	assert.Equal(t, now.Add(-30*time.Minute), src.cutoff)
	assert.Equal(t, 10, src.limit)
}

func TestRunOnceListError(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := NewReconciler(&fakeSource{err: errors.New("timeout")}, fakeSessions{}, &fakeApplier{}, Options{Batch: 1, Workers: 1}, logger)

	_, err := r.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestStartStopsOnCancel(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := NewReconciler(&fakeSource{}, fakeSessions{}, &fakeApplier{}, Options{Interval: time.Millisecond, Batch: 1, Workers: 1}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
