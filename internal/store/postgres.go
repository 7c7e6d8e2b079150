package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/rentledger/internal/domain"
)

// DB is the slice of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

type Store struct {
	Db DB
}

func New(db DB) *Store {
	return &Store{Db: db}
}

func NewStore(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return New(pool), nil
}

func (s *Store) Close() {
	s.Db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Db.Ping(ctx)
}

const bookingColumns = `b.id, b.listing_id, COALESCE(l.title, ''), b.renter_id, b.owner_id,
	b.amount_cents, b.currency, b.status, b.payment_status,
	COALESCE(b.payment_intent_id, ''), COALESCE(b.checkout_session_id, ''),
	b.paid_at, b.refunded_at, b.updated_at`

func scanBooking(row pgx.Row) (*domain.Booking, error) {
	var (
		b             domain.Booking
		status        string
		paymentStatus string
	)
	err := row.Scan(&b.ID, &b.ListingID, &b.ListingTitle, &b.RenterID, &b.OwnerID,
		&b.AmountCents, &b.Currency, &status, &paymentStatus,
		&b.PaymentIntentID, &b.CheckoutSessionID,
		&b.PaidAt, &b.RefundedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.Status = domain.BookingStatus(status)
	b.PaymentStatus = domain.PaymentStatus(paymentStatus)
	return &b, nil
}

// GetBooking retrieves a single booking by ID.
func (s *Store) GetBooking(ctx context.Context, id string) (*domain.Booking, error) {
	b, err := scanBooking(s.Db.QueryRow(ctx,
		`SELECT `+bookingColumns+` FROM bookings b LEFT JOIN listings l ON l.id = b.listing_id WHERE b.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get booking %s: %w", id, err)
	}
	return b, nil
}

// MarkBookingPaid moves an unpaid or failed booking to paid. paid_at and the
// provider ids are only filled when empty, so a second success signal for the
// same booking changes nothing.
func (s *Store) MarkBookingPaid(ctx context.Context, upd domain.PaidUpdate) (*domain.Booking, bool, error) {
	return s.transition(ctx, upd.BookingID,
		`WITH b AS (
			UPDATE bookings SET
				payment_status = 'paid',
				paid_at = COALESCE(paid_at, $2),
				payment_intent_id = COALESCE(payment_intent_id, NULLIF($3, '')),
				checkout_session_id = COALESCE(checkout_session_id, NULLIF($4, '')),
				updated_at = now()
			WHERE id = $1 AND payment_status = ANY($5)
			RETURNING *
		)
		SELECT `+bookingColumns+` FROM b LEFT JOIN listings l ON l.id = b.listing_id`,
		upd.BookingID, upd.PaidAt, upd.PaymentIntentID, upd.CheckoutSessionID, allowedFrom(domain.PaymentPaid))
}

func (s *Store) MarkBookingFailed(ctx context.Context, bookingID string) (*domain.Booking, bool, error) {
	return s.transition(ctx, bookingID,
		`WITH b AS (
			UPDATE bookings SET payment_status = 'failed', updated_at = now()
			WHERE id = $1 AND payment_status = ANY($2)
			RETURNING *
		)
		SELECT `+bookingColumns+` FROM b LEFT JOIN listings l ON l.id = b.listing_id`,
		bookingID, allowedFrom(domain.PaymentFailed))
}

// RefundBookingByPaymentIntent refunds and cancels the booking paid through
// paymentIntentID.
func (s *Store) RefundBookingByPaymentIntent(ctx context.Context, paymentIntentID string, at time.Time) (*domain.Booking, bool, error) {
	b, err := scanBooking(s.Db.QueryRow(ctx,
		`WITH b AS (
			UPDATE bookings SET
				payment_status = 'refunded',
				status = 'cancelled',
				refunded_at = $2,
				updated_at = now()
			WHERE payment_intent_id = $1 AND payment_status = ANY($3)
			RETURNING *
		)
		SELECT `+bookingColumns+` FROM b LEFT JOIN listings l ON l.id = b.listing_id`,
		paymentIntentID, at, allowedFrom(domain.PaymentRefunded)))
	if err == nil {
		return b, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("refund booking: %w", err)
	}

	b, err = scanBooking(s.Db.QueryRow(ctx,
		`SELECT `+bookingColumns+` FROM bookings b LEFT JOIN listings l ON l.id = b.listing_id
		WHERE b.payment_intent_id = $1`, paymentIntentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, domain.ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("get booking by payment intent: %w", err)
	}
	return b, false, nil
}

// transition runs a guarded UPDATE. When the guard rejects the row, the
// current row is returned with applied=false.
func (s *Store) transition(ctx context.Context, bookingID, query string, args ...any) (*domain.Booking, bool, error) {
	b, err := scanBooking(s.Db.QueryRow(ctx, query, args...))
	if err == nil {
		return b, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("update booking %s: %w", bookingID, err)
	}
	current, err := s.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// ListStaleUnpaid returns unpaid bookings with a checkout session that have
// not changed since olderThan, oldest first.
func (s *Store) ListStaleUnpaid(ctx context.Context, olderThan time.Time, limit int) ([]domain.Booking, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT `+bookingColumns+` FROM bookings b LEFT JOIN listings l ON l.id = b.listing_id
		WHERE b.payment_status = 'unpaid' AND b.checkout_session_id IS NOT NULL AND b.updated_at < $1
		ORDER BY b.updated_at
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale bookings: %w", err)
	}
	defer rows.Close()

	var out []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// TouchBooking bumps updated_at so the reconciler moves on to other rows.
func (s *Store) TouchBooking(ctx context.Context, id string) error {
	_, err := s.Db.Exec(ctx, "UPDATE bookings SET updated_at = now() WHERE id = $1", id)
	return err
}

func allowedFrom(to domain.PaymentStatus) []string {
	from := domain.AllowedFrom(to)
	out := make([]string, len(from))
	for i, s := range from {
		out[i] = string(s)
	}
	return out
}
