package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/rentledger/internal/domain"
)

// ClaimEvent reserves eventID for this delivery. A processing row whose lease
// ran out belongs to a crashed delivery and is taken over.
func (s *Store) ClaimEvent(ctx context.Context, eventID, eventType string, lease time.Duration) (domain.ClaimResult, error) {
	var claimed string
	err := s.Db.QueryRow(ctx,
		`INSERT INTO webhook_events (event_id, event_type, status, claimed_until)
		VALUES ($1, $2, 'processing', $3)
		ON CONFLICT (event_id) DO UPDATE SET
			claimed_until = EXCLUDED.claimed_until,
			attempts = webhook_events.attempts + 1
		WHERE webhook_events.status = 'processing' AND webhook_events.claimed_until < now()
		RETURNING event_id`,
		eventID, eventType, time.Now().Add(lease)).Scan(&claimed)
	if err == nil {
		return domain.ClaimAcquired, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("claim event: %w", err)
	}

	var status string
	err = s.Db.QueryRow(ctx, "SELECT status FROM webhook_events WHERE event_id = $1", eventID).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Released between the two statements; let the provider retry.
		return domain.ClaimInFlight, nil
	case err != nil:
		return 0, fmt.Errorf("read event status: %w", err)
	case domain.EventStatus(status) == domain.EventProcessed:
		return domain.ClaimDuplicate, nil
	default:
		return domain.ClaimInFlight, nil
	}
}

func (s *Store) CompleteEvent(ctx context.Context, eventID string, outcome string) error {
	_, err := s.Db.Exec(ctx,
		`UPDATE webhook_events SET status = 'processed', outcome = $2, processed_at = now(), claimed_until = NULL
		WHERE event_id = $1`, eventID, outcome)
	if err != nil {
		return fmt.Errorf("complete event: %w", err)
	}
	return nil
}

// ReleaseEvent drops an unfinished claim so the next delivery starts over.
func (s *Store) ReleaseEvent(ctx context.Context, eventID string) error {
	_, err := s.Db.Exec(ctx,
		"DELETE FROM webhook_events WHERE event_id = $1 AND status = 'processing'", eventID)
	if err != nil {
		return fmt.Errorf("release event: %w", err)
	}
	return nil
}
