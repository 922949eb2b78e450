package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HandlerFunc processes one job payload.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Worker pulls jobs from one queue and runs a single named handler on them.
// Handler failures are logged; the worker keeps consuming.
type Worker struct {
	name        string
	queue       string
	transport   Transport
	handler     HandlerFunc
	concurrency int
	retryDelay  time.Duration
	logger      *zap.Logger
}

// NewWorker builds a worker. concurrency below 1 is treated as 1.
func NewWorker(name, queue string, transport Transport, handler HandlerFunc, concurrency int, logger *zap.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		name:        name,
		queue:       queue,
		transport:   transport,
		handler:     handler,
		concurrency: concurrency,
		retryDelay:  time.Second,
		logger:      logger.With(zap.String("worker", name), zap.String("queue", queue)),
	}
}

// Run blocks until ctx is cancelled or the transport is closed.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("starting job worker", zap.Int("concurrency", w.concurrency))

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	for {
		delivery, err := w.transport.Receive(ctx, w.queue)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			w.logger.Warn("receive job failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.retryDelay):
			}
			continue
		}

		if err := w.process(ctx, delivery.Payload); err != nil {
			w.logger.Error("job failed", zap.Error(err))
		}
		if err := delivery.Ack(); err != nil {
			w.logger.Warn("ack job failed", zap.Error(err))
		}
	}
}

func (w *Worker) process(ctx context.Context, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("jobs: handler panic: %v", r)
		}
	}()
	return w.handler(ctx, payload)
}
