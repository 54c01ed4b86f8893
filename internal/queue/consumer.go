// Package queue also contains the background consumer that listens to the
// order.confirmed queue and appends one line per paid order to
// <dir>/issuance.log, the hand-off file read by the ticket printer.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	amqp "github.com/rabbitmq/amqp091-go"
)

// StartIssuanceConsumer connects to RabbitMQ, declares the order.confirmed
// queue (durable) and consumes it until ctx is cancelled, reconnecting
// with backoff.  Messages that cannot be handled are rejected without
// requeue so a poison message cannot loop.
func StartIssuanceConsumer(ctx context.Context, url, dir string, logger echo.Logger) error {
	backoff := time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, err := amqp.Dial(url)
		if err != nil {
			logger.Warnj(log.JSON{"event": "issuance_consumer_dial_failed", "error": err.Error(), "retry_in": backoff.String()})
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = consumeLoop(ctx, conn, dir, logger)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warnj(log.JSON{"event": "issuance_consumer_reconnecting", "error": err.Error()})
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func consumeLoop(ctx context.Context, conn *amqp.Connection, dir string, logger echo.Logger) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		logger.Warnj(log.JSON{"event": "issuance_consumer_qos_failed", "error": err.Error()})
	}
	if _, err := ch.QueueDeclare(OrderConfirmedQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(OrderConfirmedQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := handleMessage(dir, d.Body); err != nil {
				logger.Errorj(log.JSON{"event": "issuance_message_rejected", "error": err.Error()})
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func handleMessage(dir string, body []byte) error {
	var ev OrderConfirmedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if ev.OrderID == "" {
		return errors.New("event without order_id")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "issuance.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	names := make([]string, 0, len(ev.Attendees))
	for _, a := range ev.Attendees {
		names = append(names, a.Name)
	}
	line := fmt.Sprintf("[%s] Order paid | order_id=%s | buyer_id=%s | ticket_type=%q | quantity=%d | total=%d cents | attendees=[%s]\n",
		ev.ConfirmedAt, ev.OrderID, ev.BuyerID, ev.TicketTypeID, ev.Quantity, ev.TotalPriceCents, strings.Join(names, ","))
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
