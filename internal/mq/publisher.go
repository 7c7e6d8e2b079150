package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

var ErrNotConnected = errors.New("broker not connected")

// JSONPublisher publishes a JSON body under a routing key.
type JSONPublisher interface {
	PublishJSON(ctx context.Context, key string, v any) error
	Close() error
}

// session is one connection + channel pair with the exchange declared.
type session interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// dialFunc opens a session. The returned channel receives once when the
// session dies, whether the connection or only the channel closed.
type dialFunc func(url, exchange string) (session, <-chan *amqp.Error, error)

// Publisher publishes persistent messages to a durable topic exchange and
// redials in the background when the broker drops the session.
type Publisher struct {
	url      string
	exchange string
	dial     dialFunc
	log      logrus.FieldLogger

	minBackoff time.Duration
	maxBackoff time.Duration

	mu     sync.Mutex
	sess   session
	closed bool
	done   chan struct{}
}

func NewPublisher(url, exchange string, log logrus.FieldLogger) (*Publisher, error) {
	return newPublisher(url, exchange, log, dialAMQP, time.Second, 30*time.Second)
}

func newPublisher(url, exchange string, log logrus.FieldLogger, dial dialFunc, minBackoff, maxBackoff time.Duration) (*Publisher, error) {
	sess, closed, err := dial(url, exchange)
	if err != nil {
		return nil, err
	}
	p := &Publisher{
		url:        url,
		exchange:   exchange,
		dial:       dial,
		log:        log.WithField("component", "publisher"),
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		sess:       sess,
		done:       make(chan struct{}),
	}
	go p.watch(closed)
	return p, nil
}

func (p *Publisher) watch(closed <-chan *amqp.Error) {
	for {
		select {
		case <-p.done:
			return
		case amqpErr := <-closed:
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				return
			}
			if p.sess != nil {
				_ = p.sess.Close()
				p.sess = nil
			}
			p.mu.Unlock()
			p.log.WithField("reason", amqpErr).Warn("broker session lost, reconnecting")

			next, ok := p.redial()
			if !ok {
				return
			}
			closed = next
		}
	}
}

// redial retries with exponential backoff until a session is up or the
// publisher is closed.
func (p *Publisher) redial() (<-chan *amqp.Error, bool) {
	backoff := p.minBackoff
	for {
		sess, closed, err := p.dial(p.url, p.exchange)
		if err == nil {
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				_ = sess.Close()
				return nil, false
			}
			p.sess = sess
			p.mu.Unlock()
			p.log.Info("broker session restored")
			return closed, true
		}
		p.log.WithError(err).WithField("retry_in", backoff).Warn("broker redial failed")

		select {
		case <-p.done:
			return nil, false
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.maxBackoff {
			backoff = p.maxBackoff
		}
	}
}

func (p *Publisher) PublishJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", key, err)
	}

	p.mu.Lock()
	sess := p.sess
	p.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("publish %s: %w", key, ErrNotConnected)
	}

	err = sess.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         b,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)
	if p.sess != nil {
		err := p.sess.Close()
		p.sess = nil
		return err
	}
	return nil
}

type amqpSession struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func (s *amqpSession) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return s.ch.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

func (s *amqpSession) Close() error {
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func dialAMQP(url, exchange string) (session, <-chan *amqp.Error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare exchange: %w", err)
	}

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	lost := make(chan *amqp.Error, 1)
	go func() {
		select {
		case err := <-connClosed:
			lost <- err
		case err := <-chClosed:
			lost <- err
		}
	}()
	return &amqpSession{conn: conn, ch: ch}, lost, nil
}

// LogPublisher writes messages to the log instead of a broker. Used when no
// broker URL is configured.
type LogPublisher struct {
	log logrus.FieldLogger
}

func NewLogPublisher(log logrus.FieldLogger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) PublishJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", key, err)
	}
	p.log.WithFields(logrus.Fields{"routing_key": key, "body": string(b)}).Info("message not published: no broker configured")
	return nil
}

func (p *LogPublisher) Close() error { return nil }
