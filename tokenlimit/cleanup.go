/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package tokenlimit

import (
	"context"
	"time"

	"github.com/acronis/go-tokenlimit/log"
	"github.com/acronis/go-tokenlimit/service"
)

// NewCleanupWorker creates a worker which drops idle pools from the registry every interval.
func NewCleanupWorker(registry *Registry, interval time.Duration, logger log.FieldLogger) *service.PeriodicWorker {
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	sweep := service.WorkerFunc(func(ctx context.Context) error {
		if dropped := registry.DropIdle(); dropped > 0 {
			logger.Debug("idle credential pools are dropped",
				log.Int("dropped", dropped), log.Int("tracked", registry.Len()))
		}
		return nil
	})
	return service.NewPeriodicWorkerWithOpts(sweep, interval, service.PeriodicWorkerOpts{InitialDelay: interval, Logger: logger})
}

// NewCleanupUnit creates a service unit which runs the cleanup worker.
// It returns false if the interval is not positive. In this case idle pools are dropped only lazily, on access.
func NewCleanupUnit(registry *Registry, interval time.Duration, logger log.FieldLogger) (*service.WorkerUnit, bool) {
	if interval <= 0 {
		return nil, false
	}
	return service.NewWorkerUnit(NewCleanupWorker(registry, interval, logger)), true
}
