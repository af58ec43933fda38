package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ripperfox/ripperfox/internal/jobs"
	"github.com/ripperfox/ripperfox/internal/logctx"
	"github.com/ripperfox/ripperfox/internal/settings"
	"github.com/ripperfox/ripperfox/internal/sitematch"
	"github.com/ripperfox/ripperfox/internal/telemetry"
)

const dirPerm = 0o755

// SettingsSource provides the current runtime settings.
type SettingsSource interface {
	Runtime() settings.Settings
}

// FinishFunc observes jobs once they reach a terminal status.
type FinishFunc func(ctx context.Context, job jobs.Job)

// Dispatcher turns download requests into tracked background jobs.
type Dispatcher struct {
	settings   SettingsSource
	tracker    *jobs.Tracker
	strategies []Strategy
	sem        *semaphore.Weighted
	tel        *telemetry.Telemetry
	onFinish   FinishFunc
	jobTimeout time.Duration

	// stopJobs cancels every running job once a shutdown runs out of time.
	stopCtx  context.Context
	stopJobs context.CancelFunc
	active   atomic.Int64

	wg sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithFinishHook registers fn to observe finished jobs.
func WithFinishHook(fn FinishFunc) Option {
	return func(d *Dispatcher) {
		d.onFinish = fn
	}
}

// WithJobTimeout bounds how long a single job may run across all
// strategies. Zero disables the limit.
func WithJobTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.jobTimeout = timeout
	}
}

// NewDispatcher creates a dispatcher that tries strategies in the given
// order and runs at most maxActive jobs at once.
func NewDispatcher(
	src SettingsSource,
	tracker *jobs.Tracker,
	strategies []Strategy,
	maxActive int64,
	tel *telemetry.Telemetry,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		settings:   src,
		tracker:    tracker,
		strategies: strategies,
		sem:        semaphore.NewWeighted(maxActive),
		tel:        tel,
	}
	d.stopCtx, d.stopJobs = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Dispatch validates the request, resolves where and how to download it,
// records a job and starts it in the background. It returns the job id
// without waiting for the download.
func (d *Dispatcher) Dispatch(ctx context.Context, rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", ErrInvalidRequest
	}

	logger := logctx.LoggerFromContext(ctx)
	target := sitematch.Resolve(rawURL, d.settings.Runtime())

	if target.Group != "" {
		logger.InfoContext(ctx, "using site settings", "site", target.Site, "pattern", target.Pattern)
	} else {
		logger.InfoContext(ctx, "using general settings", "site", target.Site)
	}

	if err := os.MkdirAll(target.Dir, dirPerm); err != nil {
		return "", fmt.Errorf("failed to create download directory %s: %w", target.Dir, err)
	}

	if !d.sem.TryAcquire(1) {
		d.tel.RecordJobRejected()
		return "", ErrTooManyJobs
	}

	id := d.tracker.Create(rawURL, target.Site, target.Dir)
	task := Task{JobID: id, URL: rawURL, Dir: target.Dir, Args: target.Args}

	d.wg.Add(1)
	d.active.Add(1)

	go d.run(logctx.WithJobID(context.WithoutCancel(ctx), id), task)

	logger.InfoContext(ctx, "download job started", "job_id", id, "dir", target.Dir)

	return id, nil
}

// Wait blocks until every dispatched job has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown waits for running jobs until ctx is done. Jobs still running at
// that point are cancelled, which kills their yt-dlp processes, and
// ctx.Err() is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "cancelling unfinished download jobs", "count", d.active.Load())
		d.stopJobs()

		return ctx.Err()
	}
}

func (d *Dispatcher) run(ctx context.Context, task Task) {
	defer d.wg.Done()
	defer d.sem.Release(1)
	defer d.active.Add(-1)

	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "download job panicked", "panic", r)
			d.tel.RecordSystemError("downloader", "panic")
			_ = d.tracker.SetStatus(task.JobID, jobs.ErrorStatus(fmt.Sprint(r)))
		}

		d.finish(ctx, task.JobID)
	}()

	jobCtx, cancel := d.jobContext(ctx)
	defer cancel()

	_ = d.tel.InstrumentJob(jobCtx, func(ctx context.Context) error {
		return d.execute(ctx, task)
	})
}

// jobContext derives the context a job runs under. It ends on the job
// timeout or when Shutdown gives up waiting; finish hooks keep using the
// parent so notifications still go out.
func (d *Dispatcher) jobContext(parent context.Context) (context.Context, context.CancelFunc) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)

	if d.jobTimeout > 0 {
		ctx, cancel = context.WithTimeout(parent, d.jobTimeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}

	stop := context.AfterFunc(d.stopCtx, cancel)

	return ctx, func() {
		stop()
		cancel()
	}
}

// execute walks the strategy chain. A non-zero exit is recorded on the job
// before the next strategy is tried; the first success completes the job.
func (d *Dispatcher) execute(ctx context.Context, task Task) error {
	logger := logctx.LoggerFromContext(ctx)

	if err := d.tracker.SetStatus(task.JobID, jobs.StatusRunning); err != nil {
		return err
	}

	lastErr := errors.New("no download strategy available")

	for _, s := range d.strategies {
		if ctx.Err() != nil {
			break
		}

		_ = d.tracker.SetStrategy(task.JobID, s.Name())

		err := d.tel.InstrumentStrategy(ctx, s.Name(), func(ctx context.Context) error {
			return s.Download(ctx, task)
		})
		if err == nil {
			_ = d.tracker.SetStatus(task.JobID, jobs.StatusCompleted)
			logger.InfoContext(ctx, "download job completed", "strategy", s.Name(), "url", task.URL)

			return nil
		}

		lastErr = err

		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			_ = d.tracker.SetStatus(task.JobID, jobs.ErrorStatus(failureDetail(err)))
			logger.ErrorContext(ctx, "download strategy exited with error", "strategy", s.Name(), "code", exitErr.Code, "err", err)

			continue
		}

		logger.ErrorContext(ctx, "download strategy failed", "strategy", s.Name(), "err", err)
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		lastErr = fmt.Errorf("download timed out after %s", d.jobTimeout)
	case ctx.Err() != nil:
		lastErr = errors.New("download cancelled by shutdown")
	}

	_ = d.tracker.SetStatus(task.JobID, jobs.ErrorStatus(failureDetail(lastErr)))

	return lastErr
}

func (d *Dispatcher) finish(ctx context.Context, id string) {
	job, ok := d.tracker.Get(id)

	if evicted := d.tracker.EvictIfOver(d.tracker.Limit()); evicted > 0 {
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "evicted old jobs", "count", evicted)
	}

	if ok && d.onFinish != nil {
		d.onFinish(ctx, job)
	}
}
