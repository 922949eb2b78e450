package jobs

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitTransport publishes persistent messages to durable queues and consumes
// them with manual acknowledgement.
type RabbitTransport struct {
	conn *amqp.Connection
	ch   *amqp.Channel

	mu        sync.Mutex
	declared  map[string]bool
	consumers map[string]<-chan amqp.Delivery
}

// NewRabbitTransport dials url and opens a channel.
func NewRabbitTransport(url string, prefetch int) (*RabbitTransport, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("jobs: dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jobs: open channel: %w", err)
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("jobs: set qos: %w", err)
		}
	}
	return &RabbitTransport{
		conn:      conn,
		ch:        ch,
		declared:  make(map[string]bool),
		consumers: make(map[string]<-chan amqp.Delivery),
	}, nil
}

func (t *RabbitTransport) declare(queue string) error {
	if t.declared[queue] {
		return nil
	}
	if _, err := t.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("jobs: declare %s: %w", queue, err)
	}
	t.declared[queue] = true
	return nil
}

// Enqueue publishes payload to queue through the default exchange.
func (t *RabbitTransport) Enqueue(ctx context.Context, queue string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.declare(queue); err != nil {
		return err
	}
	return t.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
}

func (t *RabbitTransport) consumer(queue string) (<-chan amqp.Delivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.consumers[queue]; ok {
		return c, nil
	}
	if err := t.declare(queue); err != nil {
		return nil, err
	}
	c, err := t.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("jobs: consume %s: %w", queue, err)
	}
	t.consumers[queue] = c
	return c, nil
}

// Receive waits for the next message on queue.
func (t *RabbitTransport) Receive(ctx context.Context, queue string) (*Delivery, error) {
	deliveries, err := t.consumer(queue)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-deliveries:
		if !ok {
			return nil, ErrClosed
		}
		return &Delivery{
			Queue:   queue,
			Payload: d.Body,
			ack:     func() error { return d.Ack(false) },
		}, nil
	}
}

// Close closes the channel and connection.
func (t *RabbitTransport) Close() error {
	if err := t.ch.Close(); err != nil {
		t.conn.Close()
		return err
	}
	return t.conn.Close()
}
