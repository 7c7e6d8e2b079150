package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/punchamoorthee/rentledger/internal/domain"
	"github.com/punchamoorthee/rentledger/internal/webhook"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v79"
)

type result struct {
	outcome Outcome
	effects []Effect
	fields  logrus.Fields
}

type handlerFunc func(p *Processor, ctx context.Context, object json.RawMessage) (result, error)

// handlers has an entry for every kind except KindUnknown; the table is
// checked for totality in tests.
var handlers = [kindCount]handlerFunc{
	KindCheckoutCompleted: (*Processor).onCheckoutCompleted,
	KindCheckoutExpired:   (*Processor).onCheckoutExpired,
	KindIntentSucceeded:   (*Processor).onIntentSucceeded,
	KindIntentFailed:      (*Processor).onIntentFailed,
	KindChargeRefunded:    (*Processor).onChargeRefunded,
}

type Deps struct {
	Bookings   BookingStore
	Sales      SaleStore
	Events     EventLog
	FanOut     *FanOut
	Runner     *EffectRunner
	Log        logrus.FieldLogger
	ClaimLease time.Duration
}

// Processor applies verified payment events to bookings and sales.
type Processor struct {
	bookings BookingStore
	sales    SaleStore
	events   EventLog
	fanout   *FanOut
	runner   *EffectRunner
	log      logrus.FieldLogger
	lease    time.Duration
	now      func() time.Time
}

func NewProcessor(d Deps) *Processor {
	return &Processor{
		bookings: d.Bookings,
		sales:    d.Sales,
		events:   d.Events,
		fanout:   d.FanOut,
		runner:   d.Runner,
		log:      d.Log,
		lease:    d.ClaimLease,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes one delivery. A nil error means the provider should be
// told the event was received, whatever the outcome. Errors are reserved for
// failures that a redelivery could fix.
func (p *Processor) Handle(ctx context.Context, evt *webhook.Event) (Outcome, error) {
	kind := ParseKind(evt.Type)
	entry := p.log.WithFields(logrus.Fields{"event_id": evt.ID, "event_type": evt.Type})

	if kind == KindUnknown {
		webhookEventsTotal.WithLabelValues(kind.String(), string(OutcomeIgnored)).Inc()
		entry.Info("ignoring unhandled event type")
		return OutcomeIgnored, nil
	}

	claim, err := p.events.ClaimEvent(ctx, evt.ID, evt.Type, p.lease)
	if err != nil {
		return "", fmt.Errorf("claim event %s: %w", evt.ID, err)
	}
	switch claim {
	case domain.ClaimDuplicate:
		webhookEventsTotal.WithLabelValues(kind.String(), string(OutcomeDuplicate)).Inc()
		entry.Info("event already processed")
		return OutcomeDuplicate, nil
	case domain.ClaimInFlight:
		return "", domain.ErrEventInFlight
	}

	res, err := p.dispatch(ctx, kind, evt.Object)
	if err != nil {
		if relErr := p.events.ReleaseEvent(ctx, evt.ID); relErr != nil {
			entry.WithError(relErr).Error("release event claim")
		}
		return "", err
	}

	entry = entry.WithFields(res.fields).WithField("outcome", res.outcome)
	if err := p.events.CompleteEvent(ctx, evt.ID, string(res.outcome)); err != nil {
		// The transition is committed; the row guards cover a redelivery.
		entry.WithError(err).Warn("mark event processed")
	}
	webhookEventsTotal.WithLabelValues(kind.String(), string(res.outcome)).Inc()
	entry.Info("event handled")

	if len(res.effects) > 0 {
		p.runner.Run(ctx, entry.Data, res.effects)
	}
	return res.outcome, nil
}

func (p *Processor) dispatch(ctx context.Context, kind EventKind, object json.RawMessage) (res result, err error) {
	h := handlers[kind]
	if h == nil {
		return result{}, fmt.Errorf("no handler for %s", kind)
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler %s panicked: %v", kind, rec)
		}
	}()
	return h(p, ctx, object)
}

// ReconcileSession applies the final state of a checkout session fetched from
// the provider API, for bookings whose webhook never landed.
func (p *Processor) ReconcileSession(ctx context.Context, sess *stripe.CheckoutSession) (Outcome, error) {
	res, err := p.reconcile(ctx, sess)
	if err != nil {
		return "", err
	}
	if len(res.effects) > 0 {
		fields := logrus.Fields{"checkout_session_id": sess.ID, "source": "reconcile"}
		p.runner.Run(ctx, fields, res.effects)
	}
	return res.outcome, nil
}

func (p *Processor) reconcile(ctx context.Context, sess *stripe.CheckoutSession) (res result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("reconcile session %s panicked: %v", sess.ID, rec)
		}
	}()
	switch sess.Status {
	case stripe.CheckoutSessionStatusComplete:
		return p.applySession(ctx, sess)
	case stripe.CheckoutSessionStatusExpired:
		return p.expireSession(ctx, sess)
	default:
		return result{outcome: OutcomeNoop}, nil
	}
}

func (p *Processor) onCheckoutCompleted(ctx context.Context, object json.RawMessage) (result, error) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(object, &sess); err != nil {
		return result{}, fmt.Errorf("decode checkout session: %w", err)
	}
	return p.applySession(ctx, &sess)
}

func (p *Processor) applySession(ctx context.Context, sess *stripe.CheckoutSession) (result, error) {
	fields := logrus.Fields{"checkout_session_id": sess.ID}
	corr, err := correlateSession(sess)
	if err != nil {
		return result{outcome: OutcomeUncorrelated, fields: fields}, nil
	}

	// Delayed payment methods complete the session unpaid and settle later
	// through payment_intent.succeeded.
	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		fields["payment_status"] = sess.PaymentStatus
		return result{outcome: OutcomeNoop, fields: fields}, nil
	}

	if corr.Escrow != nil {
		return p.recordSale(ctx, sess, corr, fields)
	}

	fields["booking_id"] = corr.BookingID
	b, applied, err := p.bookings.MarkBookingPaid(ctx, domain.PaidUpdate{
		BookingID:         corr.BookingID,
		PaymentIntentID:   corr.PaymentIntentID,
		CheckoutSessionID: sess.ID,
		PaidAt:            p.now(),
	})
	if errors.Is(err, domain.ErrNotFound) {
		return result{outcome: OutcomeUncorrelated, fields: fields}, nil
	}
	if err != nil {
		return result{}, fmt.Errorf("mark booking %s paid: %w", corr.BookingID, err)
	}
	if !applied {
		return result{outcome: OutcomeNoop, fields: fields}, nil
	}

	txID := firstNonEmpty(corr.PaymentIntentID, sess.ID)
	return result{
		outcome: OutcomeApplied,
		effects: p.fanout.BookingPaid(b, sessionContact(sess, b.RenterID), txID),
		fields:  fields,
	}, nil
}

func (p *Processor) recordSale(ctx context.Context, sess *stripe.CheckoutSession, corr Correlation, fields logrus.Fields) (result, error) {
	fields["listing_id"] = corr.Escrow.ListingID
	paidAt := p.now()
	sale, applied, err := p.sales.RecordEscrowSale(ctx, &domain.Sale{
		ListingID:         corr.Escrow.ListingID,
		ListingTitle:      corr.Escrow.ListingTitle,
		BuyerID:           corr.Escrow.BuyerID,
		SellerID:          corr.Escrow.SellerID,
		AmountCents:       sess.AmountTotal,
		Currency:          string(sess.Currency),
		PaymentStatus:     domain.PaymentPaid,
		EscrowStatus:      domain.EscrowHeld,
		PaymentIntentID:   corr.PaymentIntentID,
		CheckoutSessionID: sess.ID,
		PaidAt:            &paidAt,
	})
	if err != nil {
		return result{}, fmt.Errorf("record escrow sale for listing %s: %w", corr.Escrow.ListingID, err)
	}
	fields["sale_id"] = sale.ID
	if !applied {
		return result{outcome: OutcomeNoop, fields: fields}, nil
	}

	txID := firstNonEmpty(corr.PaymentIntentID, sess.ID)
	return result{
		outcome: OutcomeApplied,
		effects: p.fanout.SalePaid(sale, sessionContact(sess, sale.BuyerID), txID),
		fields:  fields,
	}, nil
}

func (p *Processor) onCheckoutExpired(ctx context.Context, object json.RawMessage) (result, error) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(object, &sess); err != nil {
		return result{}, fmt.Errorf("decode checkout session: %w", err)
	}
	return p.expireSession(ctx, &sess)
}

func (p *Processor) expireSession(ctx context.Context, sess *stripe.CheckoutSession) (result, error) {
	fields := logrus.Fields{"checkout_session_id": sess.ID}
	corr, err := correlateSession(sess)
	if err != nil {
		return result{outcome: OutcomeUncorrelated, fields: fields}, nil
	}
	if corr.Escrow != nil {
		// Unpaid escrow sessions never produce a sale row.
		fields["listing_id"] = corr.Escrow.ListingID
		return result{outcome: OutcomeNoop, fields: fields}, nil
	}
	return p.failBooking(ctx, corr.BookingID, "The checkout session expired before payment.", fields)
}

func (p *Processor) onIntentSucceeded(ctx context.Context, object json.RawMessage) (result, error) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(object, &pi); err != nil {
		return result{}, fmt.Errorf("decode payment intent: %w", err)
	}
	fields := logrus.Fields{"payment_intent_id": pi.ID}
	corr, err := correlateIntent(&pi)
	if err != nil {
		return result{outcome: OutcomeUncorrelated, fields: fields}, nil
	}

	fields["booking_id"] = corr.BookingID
	b, applied, err := p.bookings.MarkBookingPaid(ctx, domain.PaidUpdate{
		BookingID:       corr.BookingID,
		PaymentIntentID: pi.ID,
		PaidAt:          p.now(),
	})
	if errors.Is(err, domain.ErrNotFound) {
		return result{outcome: OutcomeUncorrelated, fields: fields}, nil
	}
	if err != nil {
		return result{}, fmt.Errorf("mark booking %s paid: %w", corr.BookingID, err)
	}
	if !applied {
		return result{outcome: OutcomeNoop, fields: fields}, nil
	}

	var payer *domain.Contact
	if pi.ReceiptEmail != "" {
		payer = &domain.Contact{UserID: b.RenterID, Email: pi.ReceiptEmail}
	}
	return result{
		outcome: OutcomeApplied,
		effects: p.fanout.BookingPaid(b, payer, pi.ID),
		fields:  fields,
	}, nil
}

func (p *Processor) onIntentFailed(ctx context.Context, object json.RawMessage) (result, error) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(object, &pi); err != nil {
		return result{}, fmt.Errorf("decode payment intent: %w", err)
	}
	fields := logrus.Fields{"payment_intent_id": pi.ID}
	corr, err := correlateIntent(&pi)
	if err != nil {
		return result{outcome: OutcomeUncorrelated, fields: fields}, nil
	}

	var reason string
	if pi.LastPaymentError != nil {
		reason = pi.LastPaymentError.Msg
		fields["failure_code"] = pi.LastPaymentError.Code
	}
	return p.failBooking(ctx, corr.BookingID, reason, fields)
}

func (p *Processor) failBooking(ctx context.Context, bookingID, reason string, fields logrus.Fields) (result, error) {
	fields["booking_id"] = bookingID
	b, applied, err := p.bookings.MarkBookingFailed(ctx, bookingID)
	if errors.Is(err, domain.ErrNotFound) {
		return result{outcome: OutcomeUncorrelated, fields: fields}, nil
	}
	if err != nil {
		return result{}, fmt.Errorf("mark booking %s failed: %w", bookingID, err)
	}
	if !applied {
		return result{outcome: OutcomeNoop, fields: fields}, nil
	}
	return result{outcome: OutcomeApplied, effects: p.fanout.BookingFailed(b, reason), fields: fields}, nil
}

func (p *Processor) onChargeRefunded(ctx context.Context, object json.RawMessage) (result, error) {
	var ch stripe.Charge
	if err := json.Unmarshal(object, &ch); err != nil {
		return result{}, fmt.Errorf("decode charge: %w", err)
	}
	fields := logrus.Fields{"charge_id": ch.ID}
	corr, err := correlateCharge(&ch)
	if err != nil {
		return result{outcome: OutcomeUncorrelated, fields: fields}, nil
	}
	fields["payment_intent_id"] = corr.PaymentIntentID
	at := p.now()

	b, applied, err := p.bookings.RefundBookingByPaymentIntent(ctx, corr.PaymentIntentID, at)
	switch {
	case err == nil:
		fields["booking_id"] = b.ID
		if !applied {
			return result{outcome: OutcomeNoop, fields: fields}, nil
		}
		return result{
			outcome: OutcomeApplied,
			effects: p.fanout.BookingRefunded(b, ch.AmountRefunded, ch.ID),
			fields:  fields,
		}, nil
	case !errors.Is(err, domain.ErrNotFound):
		return result{}, fmt.Errorf("refund booking for %s: %w", corr.PaymentIntentID, err)
	}

	sale, applied, err := p.sales.RefundSaleByPaymentIntent(ctx, corr.PaymentIntentID, at)
	if errors.Is(err, domain.ErrNotFound) {
		return result{outcome: OutcomeUncorrelated, fields: fields}, nil
	}
	if err != nil {
		return result{}, fmt.Errorf("refund sale for %s: %w", corr.PaymentIntentID, err)
	}
	fields["sale_id"] = sale.ID
	if !applied {
		return result{outcome: OutcomeNoop, fields: fields}, nil
	}
	return result{
		outcome: OutcomeApplied,
		effects: p.fanout.SaleRefunded(sale, ch.AmountRefunded, ch.ID),
		fields:  fields,
	}, nil
}

func sessionContact(sess *stripe.CheckoutSession, userID string) *domain.Contact {
	if sess.CustomerDetails != nil && sess.CustomerDetails.Email != "" {
		return &domain.Contact{UserID: userID, Email: sess.CustomerDetails.Email, Name: sess.CustomerDetails.Name}
	}
	if sess.CustomerEmail != "" {
		return &domain.Contact{UserID: userID, Email: sess.CustomerEmail}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
