// Package notify turns payment side effects into broker messages consumed by
// the mail worker and the operator alert channel.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/punchamoorthee/rentledger/internal/models"
)

const (
	ReceiptRoutingKey = "email.receipt"
	AlertRoutingKey   = "admin.alert"
)

// Publisher is the subset of mq.JSONPublisher used here.
type Publisher interface {
	PublishJSON(ctx context.Context, key string, v any) error
}

type ReceiptSender struct {
	pub Publisher
}

func NewReceiptSender(pub Publisher) *ReceiptSender {
	return &ReceiptSender{pub: pub}
}

func (s *ReceiptSender) SendReceipt(ctx context.Context, job models.ReceiptJob) error {
	if job.Email == "" {
		return fmt.Errorf("receipt %s has no recipient", job.ReferenceID)
	}
	return s.pub.PublishJSON(ctx, ReceiptRoutingKey, job)
}

type AdminAlerter struct {
	pub Publisher
	now func() time.Time
}

func NewAdminAlerter(pub Publisher) *AdminAlerter {
	return &AdminAlerter{pub: pub, now: time.Now}
}

func (a *AdminAlerter) NotifyAdmin(ctx context.Context, kind string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s alert: %w", kind, err)
	}
	return a.pub.PublishJSON(ctx, AlertRoutingKey, models.AdminAlert{
		Kind:       kind,
		Data:       raw,
		OccurredAt: a.now().UTC(),
	})
}
