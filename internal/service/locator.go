package service

import (
	"strconv"
	"strings"

	"github.com/punchamoorthee/rentledger/internal/domain"
	"github.com/stripe/stripe-go/v79"
)

// Metadata keys written at checkout creation.
const (
	metaBookingID    = "booking_id"
	metaEscrow       = "escrow"
	metaListingID    = "listing_id"
	metaListingTitle = "listing_title"
	metaBuyerID      = "buyer_id"
	metaSellerID     = "seller_id"
)

// Correlation is what an event resolves to: a booking, an escrow sale, or
// (for refunds) a payment intent to look records up by.
type Correlation struct {
	BookingID       string
	Escrow          *EscrowRef
	PaymentIntentID string
}

type EscrowRef struct {
	ListingID    string
	ListingTitle string
	BuyerID      string
	SellerID     string
}

func correlateSession(sess *stripe.CheckoutSession) (Correlation, error) {
	c := Correlation{PaymentIntentID: sessionIntentID(sess)}

	if id := meta(sess.Metadata, metaBookingID); id != "" {
		c.BookingID = id
		return c, nil
	}

	escrow, _ := strconv.ParseBool(meta(sess.Metadata, metaEscrow))
	if !escrow {
		return Correlation{}, domain.ErrNoCorrelation
	}
	ref := &EscrowRef{
		ListingID:    meta(sess.Metadata, metaListingID),
		ListingTitle: meta(sess.Metadata, metaListingTitle),
		BuyerID:      meta(sess.Metadata, metaBuyerID),
		SellerID:     meta(sess.Metadata, metaSellerID),
	}
	if ref.ListingID == "" || ref.BuyerID == "" || ref.SellerID == "" {
		return Correlation{}, domain.ErrNoCorrelation
	}
	c.Escrow = ref
	return c, nil
}

func correlateIntent(pi *stripe.PaymentIntent) (Correlation, error) {
	id := meta(pi.Metadata, metaBookingID)
	if id == "" {
		return Correlation{}, domain.ErrNoCorrelation
	}
	return Correlation{BookingID: id, PaymentIntentID: pi.ID}, nil
}

// correlateCharge only yields the payment intent; the record is found by the
// payment_intent_id stored when the booking was paid.
func correlateCharge(ch *stripe.Charge) (Correlation, error) {
	if ch.PaymentIntent == nil || ch.PaymentIntent.ID == "" {
		return Correlation{}, domain.ErrNoCorrelation
	}
	return Correlation{PaymentIntentID: ch.PaymentIntent.ID}, nil
}

func sessionIntentID(sess *stripe.CheckoutSession) string {
	if sess.PaymentIntent == nil {
		return ""
	}
	return sess.PaymentIntent.ID
}

func meta(m map[string]string, key string) string {
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[key])
}
