// Package notify ships task events and log alerts to an AMQP exchange.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	amqp "github.com/rabbitmq/amqp091-go"

	logx "tasksched/pkg/logx"
)

// Publisher sends one message to the broker.
type Publisher interface {
	Publish(ctx context.Context, routingKey, contentType string, body []byte) error
}

// Config selects the broker and the topic exchange messages go to.
type Config struct {
	URL      string
	Exchange string
	AppID    string
}

// AMQP publishes to a durable topic exchange. A dropped connection is
// redialed on the next Publish.
type AMQP struct {
	cfg Config
	log logx.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed bool
}

// Dial connects and declares the exchange.
func Dial(cfg Config, log logx.Logger) (*AMQP, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("amqp: empty url")
	}
	if strings.TrimSpace(cfg.Exchange) == "" {
		return nil, errors.New("amqp: empty exchange")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &AMQP{cfg: cfg, log: log.With(logx.String("comp", "notify"))}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQP) connectLocked() error {
	conn, err := amqp.Dial(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		if cerr := conn.Close(); cerr != nil {
			p.log.Warn("amqp close after channel error failed", logx.Err(cerr))
		}
		return fmt.Errorf("amqp channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		p.cfg.Exchange, // name
		"topic",        // kind
		true,           // durable
		false,          // auto-delete
		false,          // internal
		false,          // no-wait
		nil,            // args
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("amqp declare exchange %s: %w", p.cfg.Exchange, err)
	}
	p.conn, p.ch = conn, ch
	return nil
}

func (p *AMQP) Publish(ctx context.Context, routingKey, contentType string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("amqp: publisher closed")
	}
	if p.conn == nil || p.conn.IsClosed() || p.ch == nil || p.ch.IsClosed() {
		p.log.Info("amqp reconnecting")
		if err := p.connectLocked(); err != nil {
			return err
		}
	}
	return p.ch.PublishWithContext(
		ctx,
		p.cfg.Exchange, // exchange
		routingKey,     // routing key
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType:  contentType,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			AppId:        p.cfg.AppID,
			Body:         body,
		})
}

// Healthy reports whether the connection is open.
func (p *AMQP) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil && !p.conn.IsClosed()
}

func (p *AMQP) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var result *multierror.Error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
