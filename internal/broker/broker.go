// Package broker is the RabbitMQ gateway: topology declaration, persistent
// publishing, and consumer loops with bounded in-process retries.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/taskweave/taskweave/internal/config"
	"github.com/taskweave/taskweave/internal/observability"
)

// Disposition is a handler's verdict on a delivery.
type Disposition int

const (
	// Ack acknowledges the delivery.
	Ack Disposition = iota

	// NackRequeue returns the delivery to the queue for another attempt.
	NackRequeue

	// Reject drops the delivery, dead-lettering it if the queue has a DLX.
	Reject
)

// Delivery is the handler-facing view of an incoming message.
type Delivery struct {
	Body        []byte
	RoutingKey  string
	Redelivered bool
}

// Handler consumes one delivery. A nil error makes the returned disposition
// final. A non-nil error marks the attempt failed: the consumer loop retries
// in-process with quadratic backoff and rejects once retries are exhausted.
type Handler func(ctx context.Context, d Delivery) (Disposition, error)

// ErrClosed is returned by Publish after the broker shut down.
var ErrClosed = errors.New("broker: closed")

type consumer struct {
	spec    QueueSpec
	handler Handler
}

// Broker owns the AMQP connection, one publisher channel, and the consumer
// loops registered on it.
type Broker struct {
	cfg     config.BrokerConfig
	logger  *observability.Logger
	metrics *observability.Metrics

	conn  *amqp.Connection
	pubMu sync.Mutex
	pubCh *amqp.Channel

	consumers []consumer
	channels  []*amqp.Channel
	wg        sync.WaitGroup
	closed    bool
}

// Dial connects to RabbitMQ and opens the publisher channel.
func Dial(cfg config.BrokerConfig, logger *observability.Logger, metrics *observability.Metrics) (*Broker, error) {
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Properties: amqp.Table{"connection_name": cfg.ConnectionName},
	})
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publisher channel: %w", err)
	}
	return &Broker{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		conn:    conn,
		pubCh:   pubCh,
	}, nil
}

// Declare creates the exchanges and queues of the given topology. Declaring
// an existing object with the same arguments is a no-op on the broker side.
func (b *Broker) Declare(specs []QueueSpec) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open declare channel: %w", err)
	}
	defer ch.Close()

	for _, exchange := range []string{ExchangeSessionMessage, ExchangeSpaceTask} {
		if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
	}

	for _, spec := range specs {
		args := amqp.Table{}
		if spec.TTL > 0 {
			args["x-message-ttl"] = spec.TTL.Milliseconds()
		}
		if spec.DeadLetter != nil {
			args["x-dead-letter-exchange"] = spec.DeadLetter.Exchange
			args["x-dead-letter-routing-key"] = spec.DeadLetter.RoutingKey
		}
		if _, err := ch.QueueDeclare(spec.Queue, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare queue %s: %w", spec.Queue, err)
		}
		if err := ch.QueueBind(spec.Queue, spec.RoutingKey, spec.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", spec.Queue, err)
		}
	}
	return nil
}

// Register attaches a handler to a queue. Parking queues take no handler.
// Consumption starts on Start.
func (b *Broker) Register(spec QueueSpec, handler Handler) {
	b.consumers = append(b.consumers, consumer{spec: spec, handler: handler})
}

// Publish sends a persistent message.
func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.closed {
		return ErrClosed
	}
	err := b.pubCh.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s/%s: %w", exchange, routingKey, err)
	}
	b.metrics.PublishCounter.WithLabelValues(exchange, routingKey).Inc()
	return nil
}

// PublishJSON marshals v and publishes it.
func (b *Broker) PublishJSON(ctx context.Context, exchange, routingKey string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s payload: %w", exchange, routingKey, err)
	}
	return b.Publish(ctx, exchange, routingKey, body)
}

// Start launches one consumer loop per registered handler. The loops run
// until Close cancels their channels.
func (b *Broker) Start(ctx context.Context) error {
	for _, c := range b.consumers {
		ch, err := b.conn.Channel()
		if err != nil {
			return fmt.Errorf("open consumer channel for %s: %w", c.spec.Queue, err)
		}
		if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			return fmt.Errorf("set prefetch for %s: %w", c.spec.Queue, err)
		}
		deliveries, err := ch.Consume(c.spec.Queue, "", false, false, false, false, nil)
		if err != nil {
			ch.Close()
			return fmt.Errorf("consume %s: %w", c.spec.Queue, err)
		}
		b.channels = append(b.channels, ch)

		b.wg.Add(1)
		go b.consume(ctx, c, deliveries)
	}
	return nil
}

func (b *Broker) consume(ctx context.Context, c consumer, deliveries <-chan amqp.Delivery) {
	defer b.wg.Done()
	qctx := observability.WithQueue(ctx, c.spec.Queue)
	b.logger.Info(qctx, "consumer started")

	for d := range deliveries {
		disposition := b.handle(qctx, c, Delivery{
			Body:        d.Body,
			RoutingKey:  d.RoutingKey,
			Redelivered: d.Redelivered,
		})
		var err error
		switch disposition {
		case Ack:
			err = d.Ack(false)
		case NackRequeue:
			err = d.Nack(false, true)
		case Reject:
			b.metrics.DeadLetterCounter.WithLabelValues(c.spec.Queue).Inc()
			err = d.Nack(false, false)
		}
		if err != nil {
			b.logger.Error(qctx, "delivery settle failed", "error", err)
		}
	}
	b.logger.Info(qctx, "consumer stopped")
}

// handle runs the handler under the configured timeout, retrying failed
// attempts in-process before giving up on the delivery.
func (b *Broker) handle(ctx context.Context, c consumer, d Delivery) Disposition {
	hctx, cancel := context.WithTimeout(ctx, b.cfg.HandlerTimeout)
	defer cancel()
	return runHandler(hctx, c.handler, d, b.cfg.MaxRetries, b.cfg.RetryDelay, time.Sleep, func(attempt int, err error) {
		b.metrics.HandlerRetryCounter.WithLabelValues(c.spec.Queue).Inc()
		b.logger.Warn(ctx, "handler attempt failed", "attempt", attempt, "error", err)
	})
}

// runHandler drives the retry loop. Attempt n sleeps delay*n^2 before
// running, so with the default one-second delay the schedule is 1s, 4s, 9s.
func runHandler(ctx context.Context, h Handler, d Delivery, maxRetries int, delay time.Duration, sleep func(time.Duration), onRetry func(attempt int, err error)) Disposition {
	for attempt := 0; ; attempt++ {
		disposition, err := h(ctx, d)
		if err == nil {
			return disposition
		}
		if attempt >= maxRetries {
			return Reject
		}
		onRetry(attempt+1, err)
		next := attempt + 1
		sleep(delay * time.Duration(next*next))
	}
}

// Close stops consumption, waits for in-flight handlers, then closes the
// connection.
func (b *Broker) Close() error {
	b.pubMu.Lock()
	b.closed = true
	b.pubMu.Unlock()

	for _, ch := range b.channels {
		ch.Close()
	}
	b.wg.Wait()

	b.pubCh.Close()
	if err := b.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close broker connection: %w", err)
	}
	return nil
}
