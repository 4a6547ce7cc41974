package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/events"
)

// memo returns the stored result of step name when the run already finished
// it. Otherwise it runs fn, stores its result and advances the run state. A
// failing fn leaves the step unrecorded and marks the run failed at name.
func memo[T any](
	ctx context.Context,
	rc *runCtx,
	name string,
	state crawler.RunState,
	fn func(context.Context) (T, error),
) (T, error) {
	var out T
	raw, ok, err := rc.steps.LoadStep(ctx, rc.run.ID, name)
	if err != nil {
		return out, rc.fail(ctx, name, fmt.Errorf("load %s step: %w", name, err))
	}
	if ok {
		if err := json.Unmarshal(raw, &out); err != nil {
			return out, rc.fail(ctx, name, fmt.Errorf("decode %s step: %w", name, err))
		}
		rc.summary.Steps = append(rc.summary.Steps, crawler.StepReport{Name: name, Memoized: true})
		rc.emit(events.Event{Kind: events.KindStepDone, Step: name, Memoized: true})
		rc.log.Debug("step replayed", zap.String("step", name))
		return out, nil
	}

	rc.run.State = state
	rc.run.UpdatedAt = rc.clock.Now()
	if err := rc.steps.SaveRun(ctx, rc.run); err != nil {
		return out, rc.fail(ctx, name, fmt.Errorf("save run state: %w", err))
	}

	spanCtx, span := rc.tracer.Start(ctx, "runner.step."+name, trace.WithAttributes(
		sourceAttr(rc.src.Key()),
		runAttr(rc.run.ID),
	))
	started := rc.clock.Now()
	out, err = fn(spanCtx)
	dur := rc.clock.Now().Sub(started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return out, rc.fail(ctx, name, fmt.Errorf("%s: %w", name, err))
	}
	span.End()

	payload, err := json.Marshal(out)
	if err != nil {
		return out, rc.fail(ctx, name, fmt.Errorf("encode %s step: %w", name, err))
	}
	if err := rc.steps.SaveStep(ctx, rc.run.ID, name, payload); err != nil {
		return out, rc.fail(ctx, name, fmt.Errorf("save %s step: %w", name, err))
	}
	if rc.run.FailedStep == name {
		rc.run.FailedStep = ""
		rc.run.Error = ""
	}
	rc.summary.Steps = append(rc.summary.Steps, crawler.StepReport{Name: name})
	rc.emit(events.Event{Kind: events.KindStepDone, Step: name, Dur: max(dur, 0)})
	rc.log.Debug("step done", zap.String("step", name), zap.Duration("dur", dur))
	return out, nil
}

// fail records the failed step on the run. Runs that lost a progress write
// conflict are abandoned instead, since their snapshot can never commit.
func (rc *runCtx) fail(ctx context.Context, step string, err error) error {
	rc.run.State = crawler.RunFailed
	if abandoned(err) {
		rc.run.State = crawler.RunAbandoned
	}
	rc.run.FailedStep = step
	rc.run.Error = err.Error()
	rc.run.UpdatedAt = rc.clock.Now()
	rc.emit(events.Event{Kind: events.KindStepFailed, Step: step, Note: err.Error()})
	// The run record is best effort here; the step itself was not memoized,
	// so a retry re-runs it either way.
	if serr := rc.steps.SaveRun(context.WithoutCancel(ctx), rc.run); serr != nil {
		rc.log.Warn("save failed run", zap.String("step", step), zap.Error(serr))
	}
	return err
}

func sourceAttr(source string) attribute.KeyValue {
	return attribute.String("l10n.source", source)
}

func runAttr(id string) attribute.KeyValue {
	return attribute.String("l10n.run_id", id)
}
