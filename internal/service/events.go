package service

// EventKind is the closed set of provider events this service acts on.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindCheckoutCompleted
	KindCheckoutExpired
	KindIntentSucceeded
	KindIntentFailed
	KindChargeRefunded

	kindCount
)

var kindNames = [kindCount]string{
	KindUnknown:           "unknown",
	KindCheckoutCompleted: "checkout.session.completed",
	KindCheckoutExpired:   "checkout.session.expired",
	KindIntentSucceeded:   "payment_intent.succeeded",
	KindIntentFailed:      "payment_intent.payment_failed",
	KindChargeRefunded:    "charge.refunded",
}

// ParseKind maps a provider type string to its kind. Anything not handled
// here is KindUnknown and gets acknowledged without processing.
func ParseKind(eventType string) EventKind {
	for k := KindUnknown + 1; k < kindCount; k++ {
		if kindNames[k] == eventType {
			return k
		}
	}
	return KindUnknown
}

func (k EventKind) String() string {
	if k < 0 || k >= kindCount {
		return kindNames[KindUnknown]
	}
	return kindNames[k]
}

// Outcome is how a delivery was resolved. Every outcome is acknowledged.
type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeNoop         Outcome = "noop"
	OutcomeUncorrelated Outcome = "uncorrelated"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeDuplicate    Outcome = "duplicate"
)
