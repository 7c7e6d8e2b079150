package domain

import (
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrNoCorrelation = errors.New("event carries no booking or sale reference")
	ErrEventInFlight = errors.New("event is being processed by another delivery")
)

// PaymentStatus is the payment lifecycle of a booking or sale.
// Allowed moves: unpaid->paid, unpaid->failed, failed->paid, paid->refunded.
type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// CanTransition reports whether the payment lifecycle allows from -> to.
// The store guards are written from the same table.
func CanTransition(from, to PaymentStatus) bool {
	for _, s := range AllowedFrom(to) {
		if s == from {
			return true
		}
	}
	return false
}

// AllowedFrom lists the states a record may be in to move into to.
func AllowedFrom(to PaymentStatus) []PaymentStatus {
	switch to {
	case PaymentPaid:
		return []PaymentStatus{PaymentUnpaid, PaymentFailed}
	case PaymentFailed:
		return []PaymentStatus{PaymentUnpaid}
	case PaymentRefunded:
		return []PaymentStatus{PaymentPaid}
	default:
		return nil
	}
}

// BookingStatus is the rental lifecycle, separate from payment.
type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingApproved  BookingStatus = "approved"
	BookingCancelled BookingStatus = "cancelled"
	BookingCompleted BookingStatus = "completed"
)

// Booking is a rental reservation. Rows are created at checkout initiation;
// webhook processing only mutates payment fields.
type Booking struct {
	ID                string        `json:"id"`
	ListingID         string        `json:"listing_id"`
	ListingTitle      string        `json:"listing_title"`
	RenterID          string        `json:"renter_id"`
	OwnerID           string        `json:"owner_id"`
	AmountCents       int64         `json:"amount_cents"`
	Currency          string        `json:"currency"`
	Status            BookingStatus `json:"status"`
	PaymentStatus     PaymentStatus `json:"payment_status"`
	PaymentIntentID   string        `json:"payment_intent_id,omitempty"`
	CheckoutSessionID string        `json:"checkout_session_id,omitempty"`
	PaidAt            *time.Time    `json:"paid_at,omitempty"`
	RefundedAt        *time.Time    `json:"refunded_at,omitempty"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// EscrowStatus tracks funds held for a sale until the buyer confirms.
type EscrowStatus string

const (
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// Sale is an escrow purchase of a listing. The row is written by the
// checkout-completed event itself.
type Sale struct {
	ID                string        `json:"id"`
	ListingID         string        `json:"listing_id"`
	ListingTitle      string        `json:"listing_title"`
	BuyerID           string        `json:"buyer_id"`
	SellerID          string        `json:"seller_id"`
	AmountCents       int64         `json:"amount_cents"`
	Currency          string        `json:"currency"`
	PaymentStatus     PaymentStatus `json:"payment_status"`
	EscrowStatus      EscrowStatus  `json:"escrow_status"`
	PaymentIntentID   string        `json:"payment_intent_id,omitempty"`
	CheckoutSessionID string        `json:"checkout_session_id"`
	PaidAt            *time.Time    `json:"paid_at,omitempty"`
	RefundedAt        *time.Time    `json:"refunded_at,omitempty"`
}

// PaidUpdate carries the correlation data written alongside a paid transition.
type PaidUpdate struct {
	BookingID         string
	PaymentIntentID   string
	CheckoutSessionID string
	PaidAt            time.Time
}

// Notification is an in-app message. Append-only.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Link      string    `json:"link,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Contact is the addressable identity of a user for receipts.
type Contact struct {
	UserID string
	Email  string
	Name   string
}

// EventStatus is the state of a provider event id in the dedup table.
type EventStatus string

const (
	EventProcessing EventStatus = "processing"
	EventProcessed  EventStatus = "processed"
)

// ClaimResult is the answer to "may this delivery process event X".
type ClaimResult int

const (
	ClaimAcquired ClaimResult = iota
	ClaimDuplicate
	ClaimInFlight
)
