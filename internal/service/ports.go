package service

import (
	"context"
	"time"

	"github.com/punchamoorthee/rentledger/internal/domain"
	"github.com/punchamoorthee/rentledger/internal/models"
)

// BookingStore applies guarded payment transitions to bookings. Each method
// returns the row and whether this call changed it; ErrNotFound when no
// booking matches the key at all.
type BookingStore interface {
	MarkBookingPaid(ctx context.Context, upd domain.PaidUpdate) (*domain.Booking, bool, error)
	MarkBookingFailed(ctx context.Context, bookingID string) (*domain.Booking, bool, error)
	RefundBookingByPaymentIntent(ctx context.Context, paymentIntentID string, at time.Time) (*domain.Booking, bool, error)
}

type SaleStore interface {
	// RecordEscrowSale inserts the sale unless one exists for the same
	// checkout session.
	RecordEscrowSale(ctx context.Context, sale *domain.Sale) (*domain.Sale, bool, error)
	RefundSaleByPaymentIntent(ctx context.Context, paymentIntentID string, at time.Time) (*domain.Sale, bool, error)
}

// EventLog deduplicates deliveries by provider event id.
type EventLog interface {
	ClaimEvent(ctx context.Context, eventID, eventType string, lease time.Duration) (domain.ClaimResult, error)
	CompleteEvent(ctx context.Context, eventID string, outcome string) error
	ReleaseEvent(ctx context.Context, eventID string) error
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n domain.Notification) error
}

type ContactStore interface {
	GetContact(ctx context.Context, userID string) (*domain.Contact, error)
}

type ReceiptSender interface {
	SendReceipt(ctx context.Context, job models.ReceiptJob) error
}

type AdminAlerter interface {
	NotifyAdmin(ctx context.Context, kind string, data any) error
}
