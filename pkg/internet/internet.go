// Package internet implements the simulation runtime: it wires every
// machine's protocol stack into a shared startup barrier and shutdown
// signal, runs them to completion (or to a timeout), and exposes the
// aggregated result.
package internet

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/elvis-sim/elvis/pkg/machine"
	"github.com/elvis-sim/elvis/pkg/protocol"
)

// Option configures a Run/RunWithTimeout call.
type Option func(*options)

// WithLog supplies a logger; Run defaults to a no-op logger when omitted.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) { o.log = log }
}

// WithRecorder supplies a Recorder every protocol's demux path can report
// events to, typically a *Metrics; Run defaults to a discarding Recorder.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithShutdownGrace bounds how long Run waits for abandoned goroutines to
// observe context cancellation before returning, once a shutdown or timeout
// has fired. The default is 200ms.
func WithShutdownGrace(d time.Duration) Option {
	return func(o *options) { o.grace = d }
}

type options struct {
	log      *zap.SugaredLogger
	recorder Recorder
	grace    time.Duration
}

func newOptions() *options {
	return &options{
		log:      zap.NewNop().Sugar(),
		recorder: noopRecorder{},
		grace:    200 * time.Millisecond,
	}
}

// Run starts every protocol on every machine, blocks until the first
// shutdown signal, then cancels ctx and waits (up to the configured grace
// period) for all protocol goroutines to return.
func Run(ctx context.Context, machines []*machine.Machine, opts ...Option) (ExitStatus, error) {
	return run(ctx, machines, nil, opts...)
}

// RunWithTimeout behaves like Run but also returns TimedOut if no shutdown
// signal arrives before timeout elapses.
func RunWithTimeout(ctx context.Context, machines []*machine.Machine, timeout time.Duration, opts ...Option) (ExitStatus, error) {
	return run(ctx, machines, &timeout, opts...)
}

func run(ctx context.Context, machines []*machine.Machine, timeout *time.Duration, opts ...Option) (ExitStatus, error) {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	total := 0
	for _, m := range machines {
		total += m.ProtocolCount()
	}

	shutdown := protocol.NewShutdown()
	barrier := protocol.NewBarrier(total)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A plain Group (no derived context): one protocol's Start error is
	// recorded for Wait but does not cancel the other protocols.
	var group errgroup.Group
	for _, m := range machines {
		m.Start(runCtx, &group, shutdown, barrier)
	}

	var status ExitStatus
	var timeoutCh <-chan time.Time
	if timeout != nil {
		timer := time.NewTimer(*timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case code, ok := <-shutdown.Done():
		if !ok {
			status = Exited{}
		} else {
			status = Status{Code: code}
		}
	case <-timeoutCh:
		status = TimedOut{}
	case <-ctx.Done():
		status = Exited{}
	}

	o.log.Debugw("simulation shutting down", "status", status)
	cancel()

	waitErr := waitWithGrace(&group, o.grace)
	return status, waitErr
}

func waitWithGrace(group *errgroup.Group, grace time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- group.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(grace):
		return nil
	}
}
