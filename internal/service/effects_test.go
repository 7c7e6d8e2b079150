package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

func TestEffectRunnerIsolatesFailures(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := NewEffectRunner(logger, 50*time.Millisecond)

	var ranLast bool
	report := r.Run(context.Background(), nil, []Effect{
		{Name: "errs", Run: func(context.Context) error { return errors.New("smtp down") }},
		{Name: "panics", Run: func(context.Context) error { panic("nil map") }},
		{Name: "hangs", Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
		{Name: "ok", Run: func(context.Context) error { ranLast = true; return nil }},
	})

	assert.True(t, ranLast)
	assert.Equal(t, []string{"ok"}, report.Succeeded)
	assert.ElementsMatch(t, []string{"errs", "panics", "hangs"}, report.Failed)
}

func TestEffectRunnerIgnoresCallerCancel(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := NewEffectRunner(logger, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := r.Run(ctx, nil, []Effect{
		{Name: "send", Run: func(ctx context.Context) error { return ctx.Err() }},
	})
	assert.Equal(t, []string{"send"}, report.Succeeded)
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		minor    int64
		currency string
		want     string
	}{
		{12500, "usd", "125.00"},
		{5, "eur", "0.05"},
		{0, "usd", "0.00"},
		{1999, "GBP", "19.99"},
		{5000, "jpy", "5000"},
		{300, "KRW", "300"},
		{5124, "kwd", "5.124"},
		{1500, "BHD", "1.500"},
		{7, "tnd", "0.007"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatAmount(tt.minor, tt.currency), "%d %s", tt.minor, tt.currency)
	}
}

func TestReceiptWithoutEmailFails(t *testing.T) {
	f := NewFanOut(&fakeNotifications{}, &fakeContacts{}, &fakeReceipts{}, &fakeAlerts{}, "")
	b := unpaidBooking("B1")

	var receipt Effect
	for _, e := range f.BookingPaid(&b, nil, "pi_1") {
		if e.Name == "receipt_email" {
			receipt = e
		}
	}
	assert.Error(t, receipt.Run(context.Background()))
}

func TestNotificationsSkipMissingRecipient(t *testing.T) {
	f := NewFanOut(&fakeNotifications{}, &fakeContacts{}, &fakeReceipts{}, &fakeAlerts{}, "https://rent.example.com/")
	b := unpaidBooking("B1")
	b.OwnerID = ""

	var names []string
	for _, e := range f.BookingPaid(&b, nil, "pi_1") {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"notify_renter", "receipt_email", "admin_alert"}, names)
	assert.Equal(t, "https://rent.example.com/bookings/B1", f.link("bookings", "B1"))
}
