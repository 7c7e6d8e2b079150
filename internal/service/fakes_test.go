package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/punchamoorthee/rentledger/internal/domain"
	"github.com/punchamoorthee/rentledger/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// --- record store fakes ---
// They apply the same guards as the SQL in internal/store.

type memBookings struct {
	mu           sync.Mutex
	rows         map[string]*domain.Booking
	paidAtWrites int
	err          error
	panicOn      string
}

func newMemBookings(bs ...domain.Booking) *memBookings {
	m := &memBookings{rows: map[string]*domain.Booking{}}
	for _, b := range bs {
		b := b
		m.rows[b.ID] = &b
	}
	return m
}

func (m *memBookings) get(id string) domain.Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

func (m *memBookings) MarkBookingPaid(ctx context.Context, upd domain.PaidUpdate) (*domain.Booking, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panicOn == "paid" {
		panic("store exploded")
	}
	if m.err != nil {
		return nil, false, m.err
	}
	b, ok := m.rows[upd.BookingID]
	if !ok {
		return nil, false, domain.ErrNotFound
	}
	if !domain.CanTransition(b.PaymentStatus, domain.PaymentPaid) {
		cp := *b
		return &cp, false, nil
	}
	b.PaymentStatus = domain.PaymentPaid
	if b.PaidAt == nil {
		at := upd.PaidAt
		b.PaidAt = &at
		m.paidAtWrites++
	}
	if upd.PaymentIntentID != "" {
		b.PaymentIntentID = upd.PaymentIntentID
	}
	if upd.CheckoutSessionID != "" {
		b.CheckoutSessionID = upd.CheckoutSessionID
	}
	cp := *b
	return &cp, true, nil
}

func (m *memBookings) MarkBookingFailed(ctx context.Context, bookingID string) (*domain.Booking, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}
	b, ok := m.rows[bookingID]
	if !ok {
		return nil, false, domain.ErrNotFound
	}
	if !domain.CanTransition(b.PaymentStatus, domain.PaymentFailed) {
		cp := *b
		return &cp, false, nil
	}
	b.PaymentStatus = domain.PaymentFailed
	cp := *b
	return &cp, true, nil
}

func (m *memBookings) RefundBookingByPaymentIntent(ctx context.Context, pi string, at time.Time) (*domain.Booking, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}
	for _, b := range m.rows {
		if b.PaymentIntentID != pi {
			continue
		}
		if !domain.CanTransition(b.PaymentStatus, domain.PaymentRefunded) {
			cp := *b
			return &cp, false, nil
		}
		b.PaymentStatus = domain.PaymentRefunded
		b.Status = domain.BookingCancelled
		b.RefundedAt = &at
		cp := *b
		return &cp, true, nil
	}
	return nil, false, domain.ErrNotFound
}

type memSales struct {
	mu   sync.Mutex
	rows map[string]*domain.Sale // by checkout session id
	seq  int
}

func newMemSales() *memSales { return &memSales{rows: map[string]*domain.Sale{}} }

func (m *memSales) RecordEscrowSale(ctx context.Context, s *domain.Sale) (*domain.Sale, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.rows[s.CheckoutSessionID]; ok {
		cp := *existing
		return &cp, false, nil
	}
	m.seq++
	cp := *s
	cp.ID = "S" + string(rune('0'+m.seq))
	m.rows[s.CheckoutSessionID] = &cp
	out := cp
	return &out, true, nil
}

func (m *memSales) RefundSaleByPaymentIntent(ctx context.Context, pi string, at time.Time) (*domain.Sale, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.rows {
		if s.PaymentIntentID != pi {
			continue
		}
		if !domain.CanTransition(s.PaymentStatus, domain.PaymentRefunded) {
			cp := *s
			return &cp, false, nil
		}
		s.PaymentStatus = domain.PaymentRefunded
		s.EscrowStatus = domain.EscrowRefunded
		s.RefundedAt = &at
		cp := *s
		return &cp, true, nil
	}
	return nil, false, domain.ErrNotFound
}

type memEvents struct {
	mu       sync.Mutex
	status   map[string]domain.EventStatus
	released []string
}

func newMemEvents() *memEvents { return &memEvents{status: map[string]domain.EventStatus{}} }

func (m *memEvents) ClaimEvent(ctx context.Context, id, eventType string, lease time.Duration) (domain.ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.status[id] {
	case domain.EventProcessed:
		return domain.ClaimDuplicate, nil
	case domain.EventProcessing:
		return domain.ClaimInFlight, nil
	}
	m.status[id] = domain.EventProcessing
	return domain.ClaimAcquired, nil
}

func (m *memEvents) CompleteEvent(ctx context.Context, id, outcome string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[id] = domain.EventProcessed
	return nil
}

func (m *memEvents) ReleaseEvent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.status, id)
	m.released = append(m.released, id)
	return nil
}

// --- side effect fakes ---

type fakeNotifications struct {
	mu    sync.Mutex
	sent  []domain.Notification
	err   error
	panic bool
}

func (f *fakeNotifications) CreateNotification(ctx context.Context, n domain.Notification) error {
	if f.panic {
		panic("notification store bug")
	}
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeNotifications) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeContacts struct {
	contacts map[string]domain.Contact
}

func (f *fakeContacts) GetContact(ctx context.Context, userID string) (*domain.Contact, error) {
	c, ok := f.contacts[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &c, nil
}

type fakeReceipts struct {
	mu   sync.Mutex
	jobs []models.ReceiptJob
	err  error
}

func (f *fakeReceipts) SendReceipt(ctx context.Context, job models.ReceiptJob) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeReceipts) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type fakeAlerts struct {
	mu    sync.Mutex
	kinds []string
	err   error
}

func (f *fakeAlerts) NotifyAdmin(ctx context.Context, kind string, data any) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
	return nil
}

func (f *fakeAlerts) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.kinds)
}

var errStoreDown = errors.New("connection refused")

// harness wires a Processor over in-memory fakes.
type harness struct {
	bookings      *memBookings
	sales         *memSales
	events        *memEvents
	notifications *fakeNotifications
	receipts      *fakeReceipts
	alerts        *fakeAlerts
	logHook       *test.Hook
	proc          *Processor
}

func newHarness(bs ...domain.Booking) *harness {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	h := &harness{
		bookings:      newMemBookings(bs...),
		sales:         newMemSales(),
		events:        newMemEvents(),
		notifications: &fakeNotifications{},
		receipts:      &fakeReceipts{},
		alerts:        &fakeAlerts{},
		logHook:       hook,
	}
	contacts := &fakeContacts{contacts: map[string]domain.Contact{
		"U-renter": {UserID: "U-renter", Email: "renter@example.com", Name: "Rita Renter"},
		"U-buyer":  {UserID: "U-buyer", Email: "buyer@example.com", Name: "Bo Buyer"},
	}}
	h.proc = NewProcessor(Deps{
		Bookings:   h.bookings,
		Sales:      h.sales,
		Events:     h.events,
		FanOut:     NewFanOut(h.notifications, contacts, h.receipts, h.alerts, "https://rent.example.com"),
		Runner:     NewEffectRunner(logger, time.Second),
		Log:        logger,
		ClaimLease: time.Minute,
	})
	return h
}

func unpaidBooking(id string) domain.Booking {
	return domain.Booking{
		ID:            id,
		ListingID:     "L1",
		ListingTitle:  "Lakeside cabin",
		RenterID:      "U-renter",
		OwnerID:       "U-owner",
		AmountCents:   12500,
		Currency:      "usd",
		Status:        domain.BookingApproved,
		PaymentStatus: domain.PaymentUnpaid,
	}
}
