package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v79"
	stripehook "github.com/stripe/stripe-go/v79/webhook"
)

const SignatureHeader = "Stripe-Signature"

var (
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	ErrEventMalformed   = errors.New("webhook event malformed")
)

// Event is a verified provider event. Object holds the raw data.object JSON,
// whose shape depends on Type.
type Event struct {
	ID       string
	Type     string
	Created  time.Time
	Livemode bool
	Object   json.RawMessage
}

type Verifier struct {
	secret    string
	tolerance time.Duration
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{secret: secret, tolerance: tolerance}
}

// Verify checks the signature over the exact request bytes and only then
// parses them. Callers must not re-encode the body before calling.
// ErrSignatureInvalid means the request is not from the provider;
// ErrEventMalformed means it is, but carries nothing this service can read.
func (v *Verifier) Verify(payload []byte, signature string) (*Event, error) {
	if signature == "" {
		return nil, fmt.Errorf("%w: missing %s header", ErrSignatureInvalid, SignatureHeader)
	}
	if err := stripehook.ValidatePayloadWithTolerance(payload, signature, v.secret, v.tolerance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	// The account API version is pinned in the dashboard, not by this binary,
	// so the event is decoded without a version check.
	var evt stripe.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEventMalformed, err)
	}
	if evt.ID == "" || evt.Type == "" {
		return nil, fmt.Errorf("%w: event without id or type", ErrEventMalformed)
	}

	out := &Event{
		ID:       evt.ID,
		Type:     string(evt.Type),
		Created:  time.Unix(evt.Created, 0).UTC(),
		Livemode: evt.Livemode,
	}
	if evt.Data != nil {
		out.Object = evt.Data.Raw
	}
	return out, nil
}
