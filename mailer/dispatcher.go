package mailer

import (
	"context"
	"sync"
	"time"
)

const defaultSendTimeout = 30 * time.Second

// Dispatcher runs sends in the background. A failed send is logged and
// never reaches the caller.
type Dispatcher struct {
	mailer  Mailer
	logger  Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// DispatcherOption customizes a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithSendTimeout bounds every background send
func WithSendTimeout(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.timeout = d
		}
	}
}

// NewDispatcher wraps m for fire-and-forget delivery
func NewDispatcher(m Mailer, logger Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		mailer:  m,
		logger:  logger,
		timeout: defaultSendTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Dispatch queues msg for delivery and returns immediately. The request
// context only contributes its values; its cancellation does not abort
// the send.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) {
	if d == nil || d.mailer == nil {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil && d.logger != nil {
				d.logger.Error("email dispatch panic", "to", msg.To, "panic", r)
			}
		}()

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		if err := d.mailer.Send(sendCtx, msg); err != nil && d.logger != nil {
			d.logger.Error("email dispatch failed", "to", msg.To, "subject", msg.Subject, "error", err)
		}
	}()
}

// Wait blocks until every dispatched message has been attempted or ctx
// is done. Sends still running when ctx ends are abandoned.
func (d *Dispatcher) Wait(ctx context.Context) error {
	if d == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
