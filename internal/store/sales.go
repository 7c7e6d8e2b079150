package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/punchamoorthee/rentledger/internal/domain"
)

const saleColumns = `id, listing_id, listing_title, buyer_id, seller_id, amount_cents, currency,
	payment_status, escrow_status, COALESCE(payment_intent_id, ''), checkout_session_id,
	paid_at, refunded_at`

func scanSale(row pgx.Row) (*domain.Sale, error) {
	var (
		s             domain.Sale
		paymentStatus string
		escrowStatus  string
	)
	err := row.Scan(&s.ID, &s.ListingID, &s.ListingTitle, &s.BuyerID, &s.SellerID, &s.AmountCents, &s.Currency,
		&paymentStatus, &escrowStatus, &s.PaymentIntentID, &s.CheckoutSessionID,
		&s.PaidAt, &s.RefundedAt)
	if err != nil {
		return nil, err
	}
	s.PaymentStatus = domain.PaymentStatus(paymentStatus)
	s.EscrowStatus = domain.EscrowStatus(escrowStatus)
	return &s, nil
}

// RecordEscrowSale inserts a paid sale. checkout_session_id is unique, so a
// redelivered completion returns the existing row with applied=false.
func (s *Store) RecordEscrowSale(ctx context.Context, sale *domain.Sale) (*domain.Sale, bool, error) {
	created, err := scanSale(s.Db.QueryRow(ctx,
		`INSERT INTO sales (listing_id, listing_title, buyer_id, seller_id, amount_cents, currency,
			payment_status, escrow_status, payment_intent_id, checkout_session_id, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)
		RETURNING `+saleColumns,
		sale.ListingID, sale.ListingTitle, sale.BuyerID, sale.SellerID, sale.AmountCents, sale.Currency,
		string(sale.PaymentStatus), string(sale.EscrowStatus), sale.PaymentIntentID, sale.CheckoutSessionID, sale.PaidAt))
	if err == nil {
		return created, true, nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return nil, false, fmt.Errorf("insert sale: %w", err)
	}
	existing, err := scanSale(s.Db.QueryRow(ctx,
		`SELECT `+saleColumns+` FROM sales WHERE checkout_session_id = $1`, sale.CheckoutSessionID))
	if err != nil {
		return nil, false, fmt.Errorf("get sale for session %s: %w", sale.CheckoutSessionID, err)
	}
	return existing, false, nil
}

func (s *Store) RefundSaleByPaymentIntent(ctx context.Context, paymentIntentID string, at time.Time) (*domain.Sale, bool, error) {
	sale, err := scanSale(s.Db.QueryRow(ctx,
		`UPDATE sales SET payment_status = 'refunded', escrow_status = 'refunded', refunded_at = $2
		WHERE payment_intent_id = $1 AND payment_status = ANY($3)
		RETURNING `+saleColumns,
		paymentIntentID, at, allowedFrom(domain.PaymentRefunded)))
	if err == nil {
		return sale, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("refund sale: %w", err)
	}

	sale, err = scanSale(s.Db.QueryRow(ctx,
		`SELECT `+saleColumns+` FROM sales WHERE payment_intent_id = $1`, paymentIntentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, domain.ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("get sale by payment intent: %w", err)
	}
	return sale, false, nil
}
