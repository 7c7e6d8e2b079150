package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/rentledger/internal/domain"
	"github.com/punchamoorthee/rentledger/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Effect is one side effect of a committed transition. Effects never see
// each other's errors.
type Effect struct {
	Name string
	Run  func(ctx context.Context) error
}

type EffectReport struct {
	Succeeded []string
	Failed    []string
}

// EffectRunner executes effects concurrently, each bounded by its own timeout
// and recover. The caller's cancellation is detached: a provider hanging up
// must not abort an email half-way.
type EffectRunner struct {
	log     logrus.FieldLogger
	timeout time.Duration
}

func NewEffectRunner(log logrus.FieldLogger, timeout time.Duration) *EffectRunner {
	return &EffectRunner{log: log, timeout: timeout}
}

func (r *EffectRunner) Run(ctx context.Context, fields logrus.Fields, effects []Effect) EffectReport {
	base := context.WithoutCancel(ctx)
	errs := make([]error, len(effects))

	var g errgroup.Group
	for i, eff := range effects {
		g.Go(func() error {
			errs[i] = r.runOne(base, eff)
			return nil
		})
	}
	_ = g.Wait()

	var report EffectReport
	for i, eff := range effects {
		entry := r.log.WithFields(fields).WithField("effect", eff.Name)
		if errs[i] != nil {
			sideEffectsTotal.WithLabelValues(eff.Name, "failed").Inc()
			entry.WithError(errs[i]).Warn("side effect failed")
			report.Failed = append(report.Failed, eff.Name)
			continue
		}
		sideEffectsTotal.WithLabelValues(eff.Name, "ok").Inc()
		entry.Debug("side effect done")
		report.Succeeded = append(report.Succeeded, eff.Name)
	}
	return report
}

func (r *EffectRunner) runOne(ctx context.Context, eff Effect) (err error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return eff.Run(ctx)
}

// FanOut builds the effect lists for each kind of transition.
type FanOut struct {
	notifications NotificationStore
	contacts      ContactStore
	receipts      ReceiptSender
	alerts        AdminAlerter
	baseURL       string
	now           func() time.Time
}

func NewFanOut(n NotificationStore, c ContactStore, r ReceiptSender, a AdminAlerter, baseURL string) *FanOut {
	return &FanOut{
		notifications: n,
		contacts:      c,
		receipts:      r,
		alerts:        a,
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		now:           time.Now,
	}
}

func (f *FanOut) BookingPaid(b *domain.Booking, payer *domain.Contact, transactionID string) []Effect {
	item := bookingItem(b)
	amount := FormatAmount(b.AmountCents, b.Currency)
	link := f.link("bookings", b.ID)

	var out []Effect
	out = f.appendNotify(out, "notify_renter", domain.Notification{
		UserID:  b.RenterID,
		Type:    "payment_confirmed",
		Title:   "Payment confirmed",
		Message: fmt.Sprintf("Your payment of %s %s for %s was received.", amount, upper(b.Currency), item),
		Link:    link,
	})
	out = f.appendNotify(out, "notify_owner", domain.Notification{
		UserID:  b.OwnerID,
		Type:    "booking_paid",
		Title:   "New paid booking",
		Message: fmt.Sprintf("%s has been paid by the renter.", item),
		Link:    link,
	})
	out = append(out, f.receipt(models.ReceiptJob{
		Kind:          models.ReceiptPayment,
		TransactionID: transactionID,
		Item:          item,
		Amount:        amount,
		Currency:      upper(b.Currency),
		ReferenceID:   b.ID,
	}, b.RenterID, payer))
	out = append(out, f.alert("booking_paid", map[string]any{
		"booking_id":     b.ID,
		"listing_id":     b.ListingID,
		"amount_cents":   b.AmountCents,
		"currency":       b.Currency,
		"transaction_id": transactionID,
	}))
	return out
}

func (f *FanOut) BookingFailed(b *domain.Booking, reason string) []Effect {
	msg := fmt.Sprintf("Your payment for %s did not go through.", bookingItem(b))
	if reason != "" {
		msg += " " + reason
	}
	return f.appendNotify(nil, "notify_renter", domain.Notification{
		UserID:  b.RenterID,
		Type:    "payment_failed",
		Title:   "Payment failed",
		Message: msg,
		Link:    f.link("bookings", b.ID),
	})
}

func (f *FanOut) BookingRefunded(b *domain.Booking, refundedCents int64, transactionID string) []Effect {
	item := bookingItem(b)
	if refundedCents <= 0 {
		refundedCents = b.AmountCents
	}
	amount := FormatAmount(refundedCents, b.Currency)
	link := f.link("bookings", b.ID)

	var out []Effect
	out = f.appendNotify(out, "notify_renter", domain.Notification{
		UserID:  b.RenterID,
		Type:    "payment_refunded",
		Title:   "Refund processed",
		Message: fmt.Sprintf("%s %s was refunded for %s. The booking is cancelled.", amount, upper(b.Currency), item),
		Link:    link,
	})
	out = f.appendNotify(out, "notify_owner", domain.Notification{
		UserID:  b.OwnerID,
		Type:    "booking_cancelled",
		Title:   "Booking cancelled",
		Message: fmt.Sprintf("%s was refunded and cancelled.", item),
		Link:    link,
	})
	out = append(out, f.receipt(models.ReceiptJob{
		Kind:          models.ReceiptRefund,
		TransactionID: transactionID,
		Item:          item,
		Amount:        amount,
		Currency:      upper(b.Currency),
		ReferenceID:   b.ID,
	}, b.RenterID, nil))
	out = append(out, f.alert("booking_refunded", map[string]any{
		"booking_id":     b.ID,
		"refunded_cents": refundedCents,
		"currency":       b.Currency,
		"transaction_id": transactionID,
	}))
	return out
}

func (f *FanOut) SalePaid(s *domain.Sale, buyer *domain.Contact, transactionID string) []Effect {
	item := saleItem(s)
	amount := FormatAmount(s.AmountCents, s.Currency)
	link := f.link("sales", s.ID)

	var out []Effect
	out = f.appendNotify(out, "notify_buyer", domain.Notification{
		UserID:  s.BuyerID,
		Type:    "purchase_confirmed",
		Title:   "Purchase confirmed",
		Message: fmt.Sprintf("Your payment of %s %s for %s is held in escrow until you confirm receipt.", amount, upper(s.Currency), item),
		Link:    link,
	})
	out = f.appendNotify(out, "notify_seller", domain.Notification{
		UserID:  s.SellerID,
		Type:    "item_sold",
		Title:   "Item sold",
		Message: fmt.Sprintf("%s was purchased. Funds are held until the buyer confirms.", item),
		Link:    link,
	})
	out = append(out, f.receipt(models.ReceiptJob{
		Kind:          models.ReceiptPayment,
		TransactionID: transactionID,
		Item:          item,
		Amount:        amount,
		Currency:      upper(s.Currency),
		ReferenceID:   s.ID,
	}, s.BuyerID, buyer))
	out = append(out, f.alert("escrow_payment_received", map[string]any{
		"sale_id":        s.ID,
		"listing_id":     s.ListingID,
		"buyer_id":       s.BuyerID,
		"seller_id":      s.SellerID,
		"amount_cents":   s.AmountCents,
		"currency":       s.Currency,
		"transaction_id": transactionID,
	}))
	return out
}

func (f *FanOut) SaleRefunded(s *domain.Sale, refundedCents int64, transactionID string) []Effect {
	item := saleItem(s)
	if refundedCents <= 0 {
		refundedCents = s.AmountCents
	}
	link := f.link("sales", s.ID)

	var out []Effect
	out = f.appendNotify(out, "notify_buyer", domain.Notification{
		UserID:  s.BuyerID,
		Type:    "purchase_refunded",
		Title:   "Refund processed",
		Message: fmt.Sprintf("%s %s was refunded for %s.", FormatAmount(refundedCents, s.Currency), upper(s.Currency), item),
		Link:    link,
	})
	out = f.appendNotify(out, "notify_seller", domain.Notification{
		UserID:  s.SellerID,
		Type:    "sale_refunded",
		Title:   "Sale refunded",
		Message: fmt.Sprintf("The sale of %s was refunded to the buyer.", item),
		Link:    link,
	})
	out = append(out, f.alert("escrow_refunded", map[string]any{
		"sale_id":        s.ID,
		"refunded_cents": refundedCents,
		"currency":       s.Currency,
		"transaction_id": transactionID,
	}))
	return out
}

func (f *FanOut) appendNotify(out []Effect, name string, n domain.Notification) []Effect {
	if n.UserID == "" {
		return out
	}
	return append(out, Effect{
		Name: name,
		Run: func(ctx context.Context) error {
			n.ID = uuid.NewString()
			n.CreatedAt = f.now().UTC()
			return f.notifications.CreateNotification(ctx, n)
		},
	})
}

// receipt addresses the job to hint when it carries an email, otherwise to
// the profile on file for userID.
func (f *FanOut) receipt(job models.ReceiptJob, userID string, hint *domain.Contact) Effect {
	return Effect{
		Name: "receipt_email",
		Run: func(ctx context.Context) error {
			contact := hint
			if contact == nil || contact.Email == "" {
				if userID == "" {
					return fmt.Errorf("no recipient for receipt %s", job.ReferenceID)
				}
				c, err := f.contacts.GetContact(ctx, userID)
				if err != nil {
					return fmt.Errorf("lookup contact %s: %w", userID, err)
				}
				contact = c
			}
			if contact.Email == "" {
				return fmt.Errorf("no email on file for user %s", userID)
			}
			job.Email = contact.Email
			job.Name = contact.Name
			job.IssuedAt = f.now().UTC()
			return f.receipts.SendReceipt(ctx, job)
		},
	}
}

func (f *FanOut) alert(kind string, data map[string]any) Effect {
	return Effect{
		Name: "admin_alert",
		Run: func(ctx context.Context) error {
			return f.alerts.NotifyAdmin(ctx, kind, data)
		},
	}
}

func (f *FanOut) link(kind, id string) string {
	return fmt.Sprintf("%s/%s/%s", f.baseURL, kind, id)
}

func bookingItem(b *domain.Booking) string {
	if b.ListingTitle != "" {
		return "booking of " + b.ListingTitle
	}
	return "booking " + b.ID
}

func saleItem(s *domain.Sale) string {
	if s.ListingTitle != "" {
		return s.ListingTitle
	}
	return "listing " + s.ListingID
}

// Currencies Stripe charges in whole units.
var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// Currencies with 1/1000 minor units.
var threeDecimal = map[string]bool{
	"bhd": true, "jod": true, "kwd": true, "omr": true, "tnd": true,
}

// FormatAmount renders a provider minor-unit amount in major units.
func FormatAmount(minor int64, currency string) string {
	switch c := strings.ToLower(currency); {
	case zeroDecimal[c]:
		return decimal.NewFromInt(minor).StringFixed(0)
	case threeDecimal[c]:
		return decimal.New(minor, -3).StringFixed(3)
	default:
		return decimal.New(minor, -2).StringFixed(2)
	}
}

func upper(s string) string { return strings.ToUpper(s) }
