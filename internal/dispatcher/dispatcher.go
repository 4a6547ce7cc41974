// Package dispatcher turns triggers into runs. It keeps at most one run in
// flight per source and, when started, triggers every source on its cadence.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/catalog"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/runner"
)

// ErrRunInProgress rejects a trigger while the source already has a run in flight.
var ErrRunInProgress = errors.New("run already in progress")

// ErrClosed rejects triggers once Close has been called.
var ErrClosed = errors.New("dispatcher closed")

// Runner executes one run for a source.
type Runner interface {
	Run(ctx context.Context, req runner.Request) (crawler.Summary, error)
}

// Config tunes the scheduler.
type Config struct {
	// RunOnStart triggers every scheduled source once when Run begins.
	RunOnStart bool
	// RunTimeout bounds background runs. Zero means no limit.
	RunTimeout time.Duration
}

// Dispatcher coordinates triggers from the API, the CLI, and the scheduler.
type Dispatcher struct {
	runner  Runner
	catalog *catalog.Catalog
	cfg     Config
	logger  *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool

	bg       sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// New creates a Dispatcher.
func New(r Runner, cat *catalog.Catalog, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		runner:   r,
		catalog:  cat,
		cfg:      cfg,
		logger:   logger,
		inflight: make(map[string]struct{}),
		bgCtx:    ctx,
		bgCancel: cancel,
	}
}

// Trigger runs source synchronously. runID is optional.
func (d *Dispatcher) Trigger(ctx context.Context, source, runID string) (crawler.Summary, error) {
	entry, err := d.catalog.Get(source)
	if err != nil {
		return crawler.Summary{}, err
	}
	if err := d.acquire(source, false); err != nil {
		return crawler.Summary{}, err
	}
	defer d.release(source)
	return d.run(ctx, entry, runID)
}

// Start launches a run in the background and returns once the source has
// been claimed. The run outlives the caller's context and stops on Close.
func (d *Dispatcher) Start(source, runID string) error {
	entry, err := d.catalog.Get(source)
	if err != nil {
		return err
	}
	if err := d.acquire(source, true); err != nil {
		return err
	}
	go func() {
		defer d.bg.Done()
		defer d.release(source)
		ctx := d.bgCtx
		if d.cfg.RunTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.cfg.RunTimeout)
			defer cancel()
		}
		if _, err := d.run(ctx, entry, runID); err != nil {
			d.logger.Warn("background run failed", zap.String("source", source), zap.Error(err))
		}
	}()
	return nil
}

// InFlight reports whether source has a run in progress.
func (d *Dispatcher) InFlight(source string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[source]
	return ok
}

// Run schedules every source with a positive cadence and blocks until ctx
// is done. Ticks that land while a run is still going are skipped.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, entry := range d.catalog.Entries() {
		if entry.Cadence <= 0 {
			continue
		}
		wg.Add(1)
		go func(e catalog.Entry) {
			defer wg.Done()
			d.schedule(ctx, e)
		}(entry)
	}
	<-ctx.Done()
	wg.Wait()
}

// Close stops background runs and waits for them to return. Later triggers
// fail with ErrClosed.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.bgCancel()
	done := make(chan struct{})
	go func() {
		d.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for background runs: %w", ctx.Err())
	}
}

func (d *Dispatcher) schedule(ctx context.Context, e catalog.Entry) {
	logger := d.logger.With(zap.String("source", e.Key), zap.Duration("cadence", e.Cadence))
	logger.Info("source scheduled")
	if d.cfg.RunOnStart {
		d.tick(e.Key, logger)
	}
	ticker := time.NewTicker(e.Cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(e.Key, logger)
		}
	}
}

func (d *Dispatcher) tick(source string, logger *zap.Logger) {
	err := d.Start(source, "")
	switch {
	case err == nil:
	case errors.Is(err, ErrRunInProgress):
		logger.Debug("skipping tick, run in progress")
	case errors.Is(err, ErrClosed):
		logger.Debug("skipping tick, dispatcher closed")
	default:
		logger.Error("scheduled trigger failed", zap.Error(err))
	}
}

func (d *Dispatcher) run(ctx context.Context, entry catalog.Entry, runID string) (crawler.Summary, error) {
	summary, err := d.runner.Run(ctx, runner.Request{Source: entry.Source, RunID: runID, Budget: entry.Budget})
	if err != nil {
		return summary, fmt.Errorf("run %s: %w", entry.Key, err)
	}
	return summary, nil
}

// acquire claims source. Background claims are counted on bg under the same
// lock that Close takes, so Close never misses a run it has to wait for.
func (d *Dispatcher) acquire(source string, background bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if _, busy := d.inflight[source]; busy {
		return fmt.Errorf("%w: %s", ErrRunInProgress, source)
	}
	d.inflight[source] = struct{}{}
	if background {
		d.bg.Add(1)
	}
	return nil
}

func (d *Dispatcher) release(source string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, source)
}
