// Package jobs moves job payloads between producers and workers.
package jobs

import (
	"context"
	"errors"
)

// ErrClosed is returned by a transport after Close.
var ErrClosed = errors.New("jobs: transport closed")

// Delivery is one received job. Ack must be called once the handler finished.
type Delivery struct {
	Queue   string
	Payload []byte
	ack     func() error
}

// Ack confirms the delivery.
func (d *Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Transport enqueues and receives job payloads by queue name.
type Transport interface {
	Enqueue(ctx context.Context, queue string, payload []byte) error
	Receive(ctx context.Context, queue string) (*Delivery, error)
	Close() error
}
