package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
)

const (
	DefaultExchange = "fepy.invoices"
	confirmTimeout  = 10 * time.Second
)

type channel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Close() error
}

// Publisher announces invoice lifecycle events on a durable topic
// exchange and waits for the broker to confirm each one.
type Publisher struct {
	conn     *amqp.Connection
	channel  channel
	exchange string
	logger   *slog.Logger

	mu        sync.Mutex
	healthy   atomic.Bool
	closeOnce sync.Once
}

// New dials the broker, declares the exchange and enables publisher
// confirms.
func New(url, exchange string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(exchange) == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	p := &Publisher{conn: conn, channel: ch, exchange: exchange, logger: logger}
	p.healthy.Store(true)

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		select {
		case err := <-connClosed:
			p.healthy.Store(false)
			logger.Warn("rabbitmq_connection_closed", "error", err)
		case err := <-chanClosed:
			p.healthy.Store(false)
			logger.Warn("rabbitmq_channel_closed", "error", err)
		}
	}()

	logger.Info("rabbitmq_connected", "exchange", exchange)
	return p, nil
}

func (p *Publisher) PublishInvoiceEvent(ctx context.Context, event domain.InvoiceEvent) error {
	if !p.healthy.Load() {
		return domain.WrapError(domain.ErrTemporary, "publish invoice event", errors.New("broker connection is closed"))
	}
	msg, err := encodeEvent(event)
	if err != nil {
		return err
	}
	key := RoutingKey(event.Status)

	p.mu.Lock()
	deferred, err := p.channel.PublishWithDeferredConfirmWithContext(ctx, p.exchange, key, false, false, msg)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	if deferred == nil {
		return nil
	}

	timer := time.NewTimer(confirmTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return fmt.Errorf("publish %s: broker nacked the event", key)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("publish %s: confirm timeout", key)
	}
}

func (p *Publisher) Healthy() bool {
	return p.healthy.Load()
}

func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		p.healthy.Store(false)
		if p.channel != nil {
			_ = p.channel.Close()
		}
		if p.conn != nil {
			_ = p.conn.Close()
		}
	})
	return nil
}

// RoutingKey is invoice.<status>.
func RoutingKey(status domain.InvoiceStatus) string {
	if status == "" {
		return "invoice.unknown"
	}
	return "invoice." + string(status)
}

func encodeEvent(event domain.InvoiceEvent) (amqp.Publishing, error) {
	if event.InvoiceID == "" {
		return amqp.Publishing{}, domain.WrapError(domain.ErrInvalidInput, "encode invoice event", errors.New("invoice id is required"))
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal invoice event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.InvoiceID + ":" + string(event.Status),
		Timestamp:    event.OccurredAt,
		Type:         "invoice." + string(event.Status),
		Headers:      amqp.Table{"issuer_id": event.IssuerID},
		Body:         body,
	}, nil
}

// Noop discards events. Used when no broker URL is configured.
type Noop struct{}

func (Noop) PublishInvoiceEvent(context.Context, domain.InvoiceEvent) error { return nil }
