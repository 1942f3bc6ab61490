// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecloner/internal/clone"
	"github.com/JakeFAU/sitecloner/internal/worker"
)

// Janitor repairs jobs left behind by failed workers or ledger calls.
type Janitor interface {
	// FailStale fails processing jobs whose worker stopped checking in.
	FailStale(ctx context.Context, hungAfter time.Duration) (int, error)
	// SettleOutstanding settles reservations of finished jobs whose ledger
	// call failed.
	SettleOutstanding(ctx context.Context) (int, error)
}

// Config controls the periodic sweep. A zero HungAfter disables stale job
// detection; settlement retries always run.
type Config struct {
	HungAfter     time.Duration
	SweepInterval time.Duration
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   clone.Queue
	workers []*worker.Worker
	janitor Janitor
	cfg     Config
	logger  *zap.Logger
}

// New creates a Dispatcher. janitor may be nil.
func New(queue clone.Queue, workers []*worker.Worker, janitor Janitor, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		janitor: janitor,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	if d.janitor != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.watch(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item clone.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Sweep runs one maintenance pass and returns how many stale jobs it failed.
func (d *Dispatcher) Sweep(ctx context.Context) int {
	failed := 0
	if d.cfg.HungAfter > 0 {
		n, err := d.janitor.FailStale(ctx, d.cfg.HungAfter)
		if err != nil {
			d.logger.Error("stale job sweep failed", zap.Error(err))
		}
		if n > 0 {
			d.logger.Warn("failed unresponsive jobs", zap.Int("count", n), zap.Duration("hung_after", d.cfg.HungAfter))
		}
		failed = n
	}
	settled, err := d.janitor.SettleOutstanding(ctx)
	if err != nil {
		d.logger.Error("settle outstanding reservations", zap.Int("settled", settled), zap.Error(err))
	} else if settled > 0 {
		d.logger.Info("settled outstanding reservations", zap.Int("count", settled))
	}
	return failed
}

func (d *Dispatcher) watch(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}
