package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/ticket-hold-checkout/internal/clock"
	"github.com/iliyamo/ticket-hold-checkout/internal/model"
	"github.com/iliyamo/ticket-hold-checkout/internal/queue"
)

// IssuancePublisher hands paid orders to ticket issuance over RabbitMQ.
// Publishing happens after the payment is recorded, so a failure never
// undoes the order; it is returned and the order is published again by
// the next reconciliation pass.
type IssuancePublisher struct {
	clock  clock.Clock
	logger echo.Logger
	send   func(ctx context.Context, body []byte, at time.Time) error
}

// NewIssuancePublisher publishes to the order.confirmed queue at url.
func NewIssuancePublisher(url string, clk clock.Clock, logger echo.Logger) *IssuancePublisher {
	return &IssuancePublisher{
		clock:  clk,
		logger: logger,
		send: func(ctx context.Context, body []byte, at time.Time) error {
			return publishAMQP(ctx, url, body, at)
		},
	}
}

// Publish is a CompletedFunc.
func (p *IssuancePublisher) Publish(ctx context.Context, order model.ConfirmedOrder) error {
	now := p.clock.Now()
	body, err := json.Marshal(queue.NewOrderConfirmedEvent(order, now))
	if err != nil {
		return fmt.Errorf("encode order %s: %w", order.OrderID, err)
	}
	if err := p.send(ctx, body, now); err != nil {
		p.logger.Errorj(log.JSON{"event": "issuance_publish_failed", "order": order.OrderID, "error": err.Error()})
		return err
	}
	p.logger.Infoj(log.JSON{"event": "issuance_published", "order": order.OrderID, "queue": queue.OrderConfirmedQueue})
	return nil
}

// publishAMQP dials, declares the durable queue and publishes one
// persistent message on the default exchange.
func publishAMQP(ctx context.Context, url string, body []byte, at time.Time) error {
	conn, err := amqp.Dial(url)
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(queue.OrderConfirmedQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq queue declare: %w", err)
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    at.UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", queue.OrderConfirmedQueue, false, false, pub); err != nil {
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	return nil
}
