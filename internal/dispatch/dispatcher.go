package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"crabstack.local/projects/crab-cut/internal/subscribers"
)

type Dispatcher struct {
	logger       *zap.Logger
	subscribers  []subscribers.Subscriber
	retryCount   int
	retryBackoff time.Duration
	wg           sync.WaitGroup
}

type Option func(*Dispatcher)

func WithRetry(count int, backoff time.Duration) Option {
	return func(d *Dispatcher) {
		if count > 0 {
			d.retryCount = count
		}
		if backoff >= 0 {
			d.retryBackoff = backoff
		}
	}
}

func New(logger *zap.Logger, subs []subscribers.Subscriber, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		logger:       logger,
		subscribers:  subs,
		retryCount:   3,
		retryBackoff: 150 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Dispatch delivers event to every subscriber in the background. Delivery
// outlives the caller's cancellation; deadlines are the subscribers' own.
func (d *Dispatcher) Dispatch(ctx context.Context, event subscribers.Event) {
	if d == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, sub := range d.subscribers {
		d.wg.Add(1)
		go func(s subscribers.Subscriber) {
			defer d.wg.Done()
			d.dispatchOne(ctx, s, event)
		}(sub)
	}
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

func (d *Dispatcher) dispatchOne(ctx context.Context, sub subscribers.Subscriber, event subscribers.Event) {
	for attempt := 1; attempt <= d.retryCount; attempt++ {
		err := sub.Handle(ctx, event)
		if err == nil {
			return
		}

		d.logger.Warn("subscriber delivery failed",
			zap.String("subscriber", sub.Name()),
			zap.String("event_id", event.EventID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt == d.retryCount {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.retryBackoff):
		}
	}
}
