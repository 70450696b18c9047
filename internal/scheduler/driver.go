// Package scheduler drives command processing and batch finalization on a
// fixed interval under a fleet-wide lock.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pensionops/rebalancer/internal/metrics"
	"github.com/pensionops/rebalancer/internal/model"
	"github.com/pensionops/rebalancer/internal/store"
	"github.com/pensionops/rebalancer/internal/transaction"
)

// releaseTimeout bounds the lock release that follows every run.
const releaseTimeout = 5 * time.Second

// Processor runs the per-item work of a scheduler iteration.
type Processor interface {
	ProcessCommand(ctx context.Context, cmd *model.TransactionCommand) (*transaction.ProcessResult, error)
	FinalizeConfirmedBatch(ctx context.Context, batchID string) (*model.BatchFinalized, error)
}

// Options configures a Driver.
type Options struct {
	Interval    time.Duration
	LockName    string
	LockAtMost  time.Duration
	LockAtLeast time.Duration
}

// DefaultOptions runs every minute and holds the lock for 30s to 10m.
func DefaultOptions() Options {
	return Options{
		Interval:    time.Minute,
		LockName:    "transaction-command-job",
		LockAtMost:  10 * time.Minute,
		LockAtLeast: 30 * time.Second,
	}
}

// RunResult summarizes one scheduler iteration.
type RunResult struct {
	Skipped           bool `json:"skipped"`
	CommandsProcessed int  `json:"commands_processed"`
	CommandErrors     int  `json:"command_errors"`
	BatchesFinalized  int  `json:"batches_finalized"`
	BatchErrors       int  `json:"batch_errors"`
}

// Driver pulls pending commands and confirmed batches and hands them to
// the Processor.
type Driver struct {
	store     store.Store
	processor Processor
	lock      Lock
	opts      Options
}

// NewDriver creates a scheduler driver.
func NewDriver(st store.Store, processor Processor, lock Lock, opts Options) *Driver {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.LockName == "" {
		opts.LockName = def.LockName
	}
	if opts.LockAtMost <= 0 {
		opts.LockAtMost = def.LockAtMost
	}
	return &Driver{store: st, processor: processor, lock: lock, opts: opts}
}

// Run ticks until ctx is done. Run errors are logged; the loop keeps going.
func (d *Driver) Run(ctx context.Context) {
	slog.Info("scheduler starting", "interval", d.opts.Interval.String(), "lock", d.opts.LockName)
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			if _, err := d.RunOnce(ctx); err != nil {
				slog.Error("scheduler run failed", "err", err)
			}
		}
	}
}

// RunOnce performs one locked iteration. When another instance holds the
// lock the run is skipped and no error is returned.
//
// Per-command errors are logged and never abort the run. Per-batch
// finalize errors are logged, counted, and returned joined after every
// batch has been attempted.
func (d *Driver) RunOnce(ctx context.Context) (RunResult, error) {
	var res RunResult

	lease, ok, err := d.lock.TryAcquire(ctx, d.opts.LockName, d.opts.LockAtMost, d.opts.LockAtLeast)
	if err != nil {
		metrics.SchedulerRuns.WithLabelValues("error").Inc()
		return res, err
	}
	if !ok {
		res.Skipped = true
		metrics.SchedulerRuns.WithLabelValues("skipped").Inc()
		slog.Debug("scheduler lock held elsewhere, skipping run", "lock", d.opts.LockName)
		return res, nil
	}
	defer func() {
		// A cancelled run must still hand the lock back.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := lease.Release(relCtx); err != nil {
			slog.Error("scheduler lock release failed", "lock", d.opts.LockName, "err", err)
		}
	}()

	start := time.Now()
	runErr := d.processCommands(ctx, &res)
	if runErr == nil {
		runErr = d.finalizeBatches(ctx, &res)
	}
	metrics.SchedulerRunDuration.Observe(time.Since(start).Seconds())

	if runErr != nil {
		metrics.SchedulerRuns.WithLabelValues("error").Inc()
	} else {
		metrics.SchedulerRuns.WithLabelValues("ok").Inc()
	}
	slog.Info("scheduler run complete",
		"commands", res.CommandsProcessed,
		"command_errors", res.CommandErrors,
		"batches", res.BatchesFinalized,
		"batch_errors", res.BatchErrors,
	)
	return res, runErr
}

func (d *Driver) processCommands(ctx context.Context, res *RunResult) error {
	commands, err := d.store.CommandsByStatus(ctx, model.CommandPending)
	if err != nil {
		return fmt.Errorf("load pending commands: %w", err)
	}
	for i := range commands {
		cmd := &commands[i]
		if err := cmd.StartProcessing(); err != nil {
			res.CommandErrors++
			slog.Error("command start failed", "command_id", cmd.ID, "err", err)
			continue
		}
		if err := d.store.SaveCommand(ctx, cmd); err != nil {
			res.CommandErrors++
			slog.Error("command save failed", "command_id", cmd.ID, "err", err)
			continue
		}

		if _, err := d.processor.ProcessCommand(ctx, cmd); err != nil {
			res.CommandErrors++
			metrics.CommandsProcessed.WithLabelValues("error").Inc()
			slog.Error("command processing failed", "command_id", cmd.ID, "fund", cmd.Fund, "err", err)
			continue
		}
		res.CommandsProcessed++
	}
	return nil
}

func (d *Driver) finalizeBatches(ctx context.Context, res *RunResult) error {
	batches, err := d.store.BatchesByStatus(ctx, model.BatchConfirmed)
	if err != nil {
		return fmt.Errorf("load confirmed batches: %w", err)
	}
	var errs []error
	for _, b := range batches {
		if _, err := d.processor.FinalizeConfirmedBatch(ctx, b.ID); err != nil {
			res.BatchErrors++
			metrics.BatchFinalizeFailures.Inc()
			slog.Error("batch finalize failed", "batch_id", b.ID, "fund", b.Fund, "err", err)
			errs = append(errs, fmt.Errorf("finalize batch %s: %w", b.ID, err))
			continue
		}
		res.BatchesFinalized++
	}
	return errors.Join(errs...)
}

// HandleRun handles POST /api/v1/scheduler/run
func (d *Driver) HandleRun(w http.ResponseWriter, r *http.Request) {
	res, err := d.RunOnce(r.Context())

	body := struct {
		RunResult
		Error string `json:"error,omitempty"`
	}{RunResult: res}
	status := http.StatusOK
	if err != nil {
		body.Error = err.Error()
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
