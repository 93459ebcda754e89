package sink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Sink is the narrow contract the uploader depends on. Each delivery
// attempt makes a fresh connection and tears it down deterministically
// regardless of outcome.
type Sink interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, body []byte, contentType, contentEncoding string) error
	Disconnect() error
}

type Config struct {
	URL        string
	Exchange   string
	RoutingKey string
}

func New(cfg Config) Sink {
	return &amqpSink{cfg: cfg}
}

type amqpSink struct {
	cfg  Config
	conn *amqp.Connection
	ch   *amqp.Channel
}

func (s *amqpSink) Connect(_ context.Context) error {
	conn, err := amqp.Dial(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", s.cfg.Exchange, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open a channel: %w", err)
	}

	err = ch.ExchangeDeclare(s.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange %s: %w", s.cfg.Exchange, err)
	}

	s.conn = conn
	s.ch = ch

	return nil
}

func (s *amqpSink) Send(ctx context.Context, body []byte, contentType, contentEncoding string) error {
	if s.ch == nil {
		return errors.New("send called on a disconnected sink")
	}

	return s.ch.PublishWithContext(ctx, s.cfg.Exchange, s.cfg.RoutingKey, false, false,
		amqp.Publishing{
			ContentType:     contentType,
			ContentEncoding: contentEncoding,
			DeliveryMode:    amqp.Persistent,
			Timestamp:       time.Now().UTC(),
			Body:            body,
		},
	)
}

func (s *amqpSink) Disconnect() error {
	var errs []error

	if s.ch != nil {
		errs = append(errs, s.ch.Close())
		s.ch = nil
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
		s.conn = nil
	}

	return errors.Join(errs...)
}

// IsTransient reports whether a delivery failure is a connection level
// problem worth backing off and retrying, as opposed to a permanent
// one that should abort the attempt loop early.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, amqp.ErrClosed) {
		return true
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Recover
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// ProbeConnectivity makes a lightweight reachability check against a
// known external address. The uploader calls it before spending any
// delivery attempt.
func ProbeConnectivity(address string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return false
	}

	conn.Close()
	return true
}
