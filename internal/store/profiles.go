package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/rentledger/internal/domain"
)

func (s *Store) CreateNotification(ctx context.Context, n domain.Notification) error {
	_, err := s.Db.Exec(ctx,
		`INSERT INTO notifications (id, user_id, type, title, message, link, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)`,
		n.ID, n.UserID, n.Type, n.Title, n.Message, n.Link, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// GetContact retrieves the receipt address for a user.
func (s *Store) GetContact(ctx context.Context, userID string) (*domain.Contact, error) {
	c := domain.Contact{UserID: userID}
	err := s.Db.QueryRow(ctx,
		"SELECT COALESCE(email, ''), COALESCE(full_name, '') FROM profiles WHERE id = $1",
		userID).Scan(&c.Email, &c.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact %s: %w", userID, err)
	}
	return &c, nil
}
