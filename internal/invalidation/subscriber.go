package invalidation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vyrodovalexey/avacache/internal/config"
	"github.com/vyrodovalexey/avacache/internal/observability"
)

// ErrSubscriberClosed is returned by Sync after Close.
var ErrSubscriberClosed = errors.New("invalidation subscriber closed")

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// Conn is the part of a NATS connection the subscriber needs.
type Conn interface {
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (Subscription, error)
}

type natsConn struct {
	conn *nats.Conn
}

func (c natsConn) QueueSubscribe(subject, queue string, cb nats.MsgHandler) (Subscription, error) {
	return c.conn.QueueSubscribe(subject, queue, cb)
}

// WrapConn adapts a NATS connection.
func WrapConn(conn *nats.Conn) Conn {
	return natsConn{conn: conn}
}

// Connect opens the NATS connection used for notifications. The gateway
// must start while NATS is down, so the initial connect is retried in the
// background like any later reconnect.
func Connect(cfg *config.NATSConfig, logger observability.Logger) (*nats.Conn, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nats: no configuration")
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	name := cfg.Name
	if name == "" {
		name = "avacache"
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait.Duration()),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", observability.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", observability.String("url", c.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("nats connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Warn("nats error", observability.String("subject", subject), observability.Error(err))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	return conn, nil
}

// Subscriber feeds NATS messages of the bound subjects to a Handler. All
// gateway instances join the same queue group, so each notification is
// handled once.
type Subscriber struct {
	conn       Conn
	queueGroup string
	handler    *Handler
	timeout    time.Duration
	logger     observability.Logger

	mu     sync.Mutex
	subs   map[string]Subscription
	closed bool
}

// NewSubscriber creates a subscriber. timeout bounds the work done for
// one message.
func NewSubscriber(conn Conn, queueGroup string, handler *Handler, timeout time.Duration,
	logger observability.Logger,
) *Subscriber {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if timeout <= 0 {
		timeout = config.DefaultHandleTimeout
	}
	return &Subscriber{
		conn:       conn,
		queueGroup: queueGroup,
		handler:    handler,
		timeout:    timeout,
		logger:     logger,
		subs:       make(map[string]Subscription),
	}
}

// Sync subscribes to every subject the handler is bound to and drops
// subscriptions of subjects that are no longer bound. It is called at
// startup and after each configuration reload.
func (s *Subscriber) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSubscriberClosed
	}

	want := make(map[string]bool)
	var errs []error
	for _, subject := range s.handler.Subjects() {
		want[subject] = true
		if _, ok := s.subs[subject]; ok {
			continue
		}
		sub, err := s.conn.QueueSubscribe(subject, s.queueGroup, s.onMessage)
		if err != nil {
			errs = append(errs, fmt.Errorf("subscribe %s: %w", subject, err))
			continue
		}
		s.subs[subject] = sub
		s.logger.Info("subscribed to invalidation subject",
			observability.String("subject", subject),
			observability.String("queueGroup", s.queueGroup),
		)
	}

	for subject, sub := range s.subs {
		if want[subject] {
			continue
		}
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", subject, err))
		}
		delete(s.subs, subject)
		s.logger.Info("unsubscribed from invalidation subject", observability.String("subject", subject))
	}
	return errors.Join(errs...)
}

// Subjects returns the currently subscribed subjects.
func (s *Subscriber) Subjects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.subs))
	for subject := range s.subs {
		out = append(out, subject)
	}
	return out
}

// Close removes every subscription.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for subject, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", subject, err))
		}
	}
	s.subs = nil
	return errors.Join(errs...)
}

func (s *Subscriber) onMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	s.handler.Handle(ctx, msg.Subject, msg.Data)
}
