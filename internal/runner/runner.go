// Package runner drives one logical run per invocation through the named
// steps discover, plan, execute and commit. Every step's first successful
// result is memoized in a StepStore, so re-invoking an interrupted run replays
// finished steps from storage and retries only the step that failed.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/events"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/executor"
)

// Step names, in execution order.
const (
	StepDiscover = "discover"
	StepPlan     = "plan"
	StepExecute  = "execute"
	StepCommit   = "commit"
)

const (
	defaultBatchSize  = 10
	defaultCallBudget = 50
)

// ErrRunAbandoned is returned when asked to continue a run that lost a
// progress write conflict or went stale.
var ErrRunAbandoned = errors.New("run abandoned")

// Budget bounds the work of one invocation for a source.
type Budget struct {
	// BatchSize caps items fetched per run.
	BatchSize int `mapstructure:"batch_size"`
	// Calls is the outbound call ceiling shared by discovery and execution.
	Calls     int           `mapstructure:"calls"`
	ItemDelay time.Duration `mapstructure:"item_delay"`
}

func (b Budget) withDefaults() Budget {
	if b.BatchSize <= 0 {
		b.BatchSize = defaultBatchSize
	}
	if b.Calls <= 0 {
		b.Calls = defaultCallBudget
	}
	return b
}

// CallCeiling is the effective call budget, after defaults.
func (b Budget) CallCeiling() int {
	return b.withDefaults().Calls
}

// Request identifies one invocation.
type Request struct {
	Source crawler.Source
	// RunID continues (or names) a specific logical run. When empty the
	// source's open run is resumed, or a new run is started.
	RunID  string
	Budget Budget
}

// Deps are the collaborators a Runner needs. Progress, Steps, Dedup, Clock
// and IDs are required.
type Deps struct {
	Progress crawler.ProgressStore
	Steps    crawler.StepStore
	Dedup    crawler.DedupIndex
	Clock    crawler.Clock
	IDs      crawler.IDGenerator
	Events   events.Emitter
	Logger   *zap.Logger
}

// Option customizes a Runner.
type Option func(*Runner)

// WithResumeWindow abandons open runs that have not been touched for longer
// than d instead of resuming them. Zero resumes open runs of any age.
func WithResumeWindow(d time.Duration) Option {
	return func(r *Runner) { r.resumeWindow = d }
}

// WithLookupChunk forwards the Dedup Index screening chunk to the executor.
func WithLookupChunk(n int) Option {
	return func(r *Runner) { r.lookupChunk = n }
}

// WithTracer overrides the tracer used for step spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) { r.tracer = t }
}

// Runner executes runs. It holds no per-run state and can serve several
// sources concurrently.
type Runner struct {
	progress     crawler.ProgressStore
	steps        crawler.StepStore
	dedup        crawler.DedupIndex
	clock        crawler.Clock
	ids          crawler.IDGenerator
	emitter      events.Emitter
	logger       *zap.Logger
	tracer       trace.Tracer
	resumeWindow time.Duration
	lookupChunk  int
}

// New validates deps and builds a Runner.
func New(deps Deps, opts ...Option) (*Runner, error) {
	switch {
	case deps.Progress == nil:
		return nil, errors.New("runner: progress store is required")
	case deps.Steps == nil:
		return nil, errors.New("runner: step store is required")
	case deps.Dedup == nil:
		return nil, errors.New("runner: dedup index is required")
	case deps.Clock == nil:
		return nil, errors.New("runner: clock is required")
	case deps.IDs == nil:
		return nil, errors.New("runner: id generator is required")
	}
	r := &Runner{
		progress: deps.Progress,
		steps:    deps.Steps,
		dedup:    deps.Dedup,
		clock:    deps.Clock,
		ids:      deps.IDs,
		emitter:  deps.Events,
		logger:   deps.Logger,
		tracer:   otel.Tracer("github.com/JakeFAU/xkcd-l10n-crawler/internal/runner"),
	}
	if r.emitter == nil {
		r.emitter = events.Discard
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("runner")
	return r, nil
}

// Run executes or resumes one logical run for req.Source. The Summary is
// always populated, including when an error is returned.
func (r *Runner) Run(ctx context.Context, req Request) (crawler.Summary, error) {
	if req.Source == nil {
		return crawler.Summary{}, errors.New("runner: source is required")
	}
	source := req.Source.Key()
	startedAt := r.clock.Now()
	summary := crawler.Summary{Source: source, ErrorIDs: []int{}, Steps: []crawler.StepReport{}, StartedAt: startedAt}

	ctx, span := r.tracer.Start(ctx, "runner.Run", trace.WithAttributes(sourceAttr(source)))
	defer span.End()

	run, err := r.identify(ctx, source, req.RunID)
	if err != nil {
		return r.seal(summary, fmt.Errorf("identify run: %w", err))
	}
	summary.RunID = run.ID
	span.SetAttributes(runAttr(run.ID))
	if run.State == crawler.RunAbandoned {
		summary.State = run.State
		return r.seal(summary, fmt.Errorf("%w: %s", ErrRunAbandoned, run.ID))
	}

	rc := &runCtx{
		Runner:  r,
		run:     run,
		src:     req.Source,
		budget:  req.Budget.withDefaults(),
		summary: &summary,
		log:     r.logger.With(zap.String("source", source), zap.String("run_id", run.ID)),
	}
	rc.emit(events.Event{Kind: events.KindRunStarted, Note: fmt.Sprintf("attempt %d", run.Attempts)})
	err = rc.pipeline(ctx)
	summary.State = rc.run.State
	return rc.finish(summary, err)
}

// identify resolves the logical run and records the new attempt.
func (r *Runner) identify(ctx context.Context, source, runID string) (crawler.Run, error) {
	now := r.clock.Now()
	var run crawler.Run
	switch {
	case runID != "":
		existing, err := r.steps.LoadRun(ctx, runID)
		switch {
		case err == nil:
			if existing.Source != source {
				return crawler.Run{}, fmt.Errorf("run %s belongs to source %q", runID, existing.Source)
			}
			run = existing
		case errors.Is(err, crawler.ErrRecordNotFound):
			run = crawler.Run{ID: runID, Source: source, State: crawler.RunPending, StartedAt: now}
		default:
			return crawler.Run{}, fmt.Errorf("load run %s: %w", runID, err)
		}
	default:
		open, ok, err := r.steps.OpenRun(ctx, source)
		if err != nil {
			return crawler.Run{}, fmt.Errorf("find open run: %w", err)
		}
		if ok && r.resumeWindow > 0 && now.Sub(open.UpdatedAt) > r.resumeWindow {
			r.logger.Warn("abandoning stale run",
				zap.String("source", source),
				zap.String("run_id", open.ID),
				zap.Time("updated_at", open.UpdatedAt),
			)
			open.State = crawler.RunAbandoned
			open.UpdatedAt = now
			if err := r.steps.SaveRun(ctx, open); err != nil {
				return crawler.Run{}, fmt.Errorf("abandon run %s: %w", open.ID, err)
			}
			ok = false
		}
		if ok {
			run = open
			break
		}
		id, err := r.ids.NewID()
		if err != nil {
			return crawler.Run{}, fmt.Errorf("new run id: %w", err)
		}
		run = crawler.Run{ID: id, Source: source, State: crawler.RunPending, StartedAt: now}
	}
	if run.State == crawler.RunAbandoned {
		return run, nil
	}
	run.Attempts++
	run.UpdatedAt = now
	if err := r.steps.SaveRun(ctx, run); err != nil {
		return crawler.Run{}, fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return run, nil
}

// seal stamps the finish time and derives Success.
func (r *Runner) seal(summary crawler.Summary, err error) (crawler.Summary, error) {
	summary.FinishedAt = r.clock.Now()
	if err != nil && summary.Error == "" {
		summary.Error = err.Error()
	}
	summary.Success = err == nil && summary.Errors == 0 && summary.FailedStep == ""
	return summary, err
}

// runCtx carries the state of one invocation.
type runCtx struct {
	*Runner
	run     crawler.Run
	src     crawler.Source
	budget  Budget
	summary *crawler.Summary
	log     *zap.Logger
}

func (rc *runCtx) pipeline(ctx context.Context) error {
	disc, err := memo(ctx, rc, StepDiscover, crawler.RunDiscovering, rc.discover)
	if err != nil {
		return err
	}
	rc.summary.Cursor = disc.Progress.BackfillCursor
	rc.summary.Complete = disc.Progress.BackfillComplete

	plan, err := memo(ctx, rc, StepPlan, crawler.RunPlanning, func(context.Context) (crawler.Plan, error) {
		return rc.plan(disc), nil
	})
	if err != nil {
		return err
	}
	rc.summary.Plan = plan

	res, err := memo(ctx, rc, StepExecute, crawler.RunExecuting, func(ctx context.Context) (executor.Result, error) {
		return rc.execute(ctx, disc, plan)
	})
	if err != nil {
		return err
	}
	rc.summary.Processed = res.Processed
	rc.summary.Added = res.Added
	rc.summary.Skipped = res.Skipped
	rc.summary.Errors = res.Errors
	rc.summary.ErrorIDs = append([]int{}, res.ErrorIDs...)

	committed, err := memo(ctx, rc, StepCommit, crawler.RunCommitting, func(ctx context.Context) (crawler.Progress, error) {
		return rc.commit(ctx, disc, plan, res)
	})
	if err != nil {
		return err
	}
	rc.summary.Cursor = committed.BackfillCursor
	rc.summary.Complete = committed.BackfillComplete

	rc.run.State = crawler.RunDone
	rc.run.UpdatedAt = rc.clock.Now()
	if err := rc.steps.SaveRun(ctx, rc.run); err != nil {
		return fmt.Errorf("save finished run: %w", err)
	}
	return nil
}

func (rc *runCtx) finish(summary crawler.Summary, err error) (crawler.Summary, error) {
	summary.FailedStep = rc.run.FailedStep
	summary, err = rc.seal(summary, err)
	rc.emit(events.Event{
		Kind:    events.KindRunFinished,
		Dur:     summary.FinishedAt.Sub(summary.StartedAt),
		Summary: &summary,
	})
	fields := []zap.Field{
		zap.Stringer("plan", summary.Plan),
		zap.Int("processed", summary.Processed),
		zap.Int("added", summary.Added),
		zap.Int("errors", summary.Errors),
		zap.Int("cursor", summary.Cursor),
		zap.Bool("complete", summary.Complete),
		zap.String("state", string(summary.State)),
	}
	if err != nil {
		rc.log.Error("run failed", append(fields, zap.String("failed_step", summary.FailedStep), zap.Error(err))...)
	} else {
		rc.log.Info("run finished", fields...)
	}
	return summary, err
}

func (rc *runCtx) emit(evt events.Event) {
	evt.RunID = rc.run.ID
	evt.Source = rc.src.Key()
	if evt.TS.IsZero() {
		evt.TS = rc.clock.Now()
	}
	rc.emitter.Emit(evt)
}
