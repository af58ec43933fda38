package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span and metric attributes stay bounded: strategy names, statuses and
// component names only. URLs, titles, paths and job ids go to the logs.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation runs fn inside a span named after the operation.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.Tracer().Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	span.SetAttributes(
		attribute.String("status", statusOf(err)),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	if err != nil {
		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	return err
}

// InstrumentJob wraps a whole download job: active gauge, span, and the
// finished-job counter and duration.
func (t *Telemetry) InstrumentJob(ctx context.Context, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	t.AddActiveJobs(1)
	defer t.AddActiveJobs(-1)

	err := t.InstrumentOperation(ctx, "download_job", "downloader", fn)

	t.RecordJob(statusOf(err), time.Since(start))

	return err
}

// InstrumentStrategy wraps one attempt of a named download strategy.
func (t *Telemetry) InstrumentStrategy(ctx context.Context, strategy string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "strategy_"+strategy, "downloader", fn)

	t.RecordStrategyAttempt(strategy, statusOf(err))

	return err
}

// InstrumentUpdate wraps a yt-dlp update run.
func (t *Telemetry) InstrumentUpdate(ctx context.Context, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "ytdlp_update", "updater", fn)

	t.RecordUpdate(statusOf(err))

	return err
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}
