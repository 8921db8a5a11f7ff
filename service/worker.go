/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/acronis/go-tokenlimit/log"
)

// ErrPeriodicWorkerStop may be returned by the underlying worker to interrupt PeriodicWorker's loop.
var ErrPeriodicWorkerStop = errors.New("stop periodic worker")

// Worker performs some (usually long-running) work.
type Worker interface {
	Run(ctx context.Context) error
}

// WorkerFunc is an adapter to allow the use of ordinary functions as Worker.
type WorkerFunc func(ctx context.Context) error

// Run calls f(ctx).
func (f WorkerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// PeriodicWorkerOpts contains optional parameters for NewPeriodicWorkerWithOpts.
type PeriodicWorkerOpts struct {
	InitialDelay time.Duration
	Logger       log.FieldLogger
}

// PeriodicWorker runs the underlying worker with a constant delay between runs until the context is done.
type PeriodicWorker struct {
	worker       Worker
	interval     time.Duration
	initialDelay time.Duration
	logger       log.FieldLogger
}

// NewPeriodicWorker creates a new PeriodicWorker. The first run happens after the interval.
func NewPeriodicWorker(worker Worker, interval time.Duration) *PeriodicWorker {
	return NewPeriodicWorkerWithOpts(worker, interval, PeriodicWorkerOpts{InitialDelay: interval})
}

// NewPeriodicWorkerWithOpts creates a new PeriodicWorker with options.
func NewPeriodicWorkerWithOpts(worker Worker, interval time.Duration, opts PeriodicWorkerOpts) *PeriodicWorker {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	return &PeriodicWorker{worker: worker, interval: interval, initialDelay: opts.InitialDelay, logger: logger}
}

// Run runs the PeriodicWorker loop. Errors of the underlying worker are logged and don't stop the loop,
// except ErrPeriodicWorkerStop.
func (pw *PeriodicWorker) Run(ctx context.Context) error {
	defer func() {
		if p := recover(); p != nil {
			const logStackSize = 8192
			stack := make([]byte, logStackSize)
			stack = stack[:runtime.Stack(stack, false)]
			pw.logger.Error(fmt.Sprintf("panic: %+v", p), log.Bytes("stack", stack))
			panic(p)
		}
	}()

	timer := time.NewTimer(pw.initialDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		if err := pw.worker.Run(ctx); err != nil {
			if errors.Is(err, ErrPeriodicWorkerStop) {
				return nil
			}
			pw.logger.Error("periodic worker run failed", log.Error(err))
		}
		timer.Reset(pw.interval)
	}
}
