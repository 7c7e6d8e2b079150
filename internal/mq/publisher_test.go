package mq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogPublisher(t *testing.T) {
	logger, hook := test.NewNullLogger()
	p := NewLogPublisher(logger)

	require.NoError(t, p.PublishJSON(context.Background(), "email.receipt", map[string]string{"email": "a@b.c"}))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "email.receipt", entry.Data["routing_key"])
	assert.JSONEq(t, `{"email":"a@b.c"}`, entry.Data["body"].(string))
	assert.NoError(t, p.Close())
}

func TestLogPublisherRejectsUnencodable(t *testing.T) {
	logger, hook := test.NewNullLogger()
	p := NewLogPublisher(logger)

	err := p.PublishJSON(context.Background(), "admin.alert", make(chan int))
	assert.Error(t, err)
	assert.Empty(t, hook.AllEntries())
}

func TestNewPublisherBadURL(t *testing.T) {
	logger, _ := test.NewNullLogger()
	_, err := NewPublisher("not-a-url", "marketplace.events", logger)
	assert.Error(t, err)
}

type fakeSession struct {
	mu     sync.Mutex
	keys   []string
	closed bool
}

func (s *fakeSession) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return amqp.ErrClosed
	}
	s.keys = append(s.keys, key)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) published() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

// fakeBroker hands out sessions and lets the test kill the current one.
type fakeBroker struct {
	mu       sync.Mutex
	sessions []*fakeSession
	lost     []chan *amqp.Error
	failures int
}

func (b *fakeBroker) dial(url, exchange string) (session, <-chan *amqp.Error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
		return nil, nil, errors.New("connection refused")
	}
	s := &fakeSession{}
	lost := make(chan *amqp.Error, 1)
	b.sessions = append(b.sessions, s)
	b.lost = append(b.lost, lost)
	return s, lost, nil
}

func (b *fakeBroker) dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

func (b *fakeBroker) drop(failNext int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = failNext
	b.lost[len(b.lost)-1] <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"}
}

func TestPublisherRedialsAfterSessionLoss(t *testing.T) {
	logger, _ := test.NewNullLogger()
	broker := &fakeBroker{}
	p, err := newPublisher("amqp://test", "marketplace.events", logger, broker.dial, time.Millisecond, 5*time.Millisecond)
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	require.NoError(t, p.PublishJSON(ctx, "email.receipt", map[string]string{"a": "b"}))

	broker.drop(2)
	assert.Eventually(t, func() bool { return broker.dials() == 2 }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool {
		return p.PublishJSON(ctx, "admin.alert", map[string]string{"c": "d"}) == nil
	}, time.Second, time.Millisecond)

	broker.mu.Lock()
	first, second := broker.sessions[0], broker.sessions[1]
	broker.mu.Unlock()
	assert.Equal(t, []string{"email.receipt"}, first.published())
	assert.Contains(t, second.published(), "admin.alert")
	assert.True(t, first.isClosed())
}

func TestPublisherCloseStopsRedial(t *testing.T) {
	logger, _ := test.NewNullLogger()
	broker := &fakeBroker{}
	p, err := newPublisher("amqp://test", "marketplace.events", logger, broker.dial, time.Millisecond, time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	err = p.PublishJSON(context.Background(), "email.receipt", map[string]string{})
	assert.ErrorIs(t, err, ErrNotConnected)

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, broker.dials())
	assert.NoError(t, p.Close())
}
