package reconcile

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
)

// StripeSessions reads checkout sessions from the Stripe API.
type StripeSessions struct {
	api *client.API
}

func NewStripeSessions(secretKey string) *StripeSessions {
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return &StripeSessions{api: sc}
}

func (s *StripeSessions) GetCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := s.api.CheckoutSessions.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("get checkout session %s: %w", id, err)
	}
	return sess, nil
}
