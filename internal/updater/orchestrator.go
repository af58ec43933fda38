package updater

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ripperfox/ripperfox/internal/logctx"
	"github.com/ripperfox/ripperfox/internal/telemetry"
)

// Status is the state of the update orchestrator.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// UpdateJob describes the last update run. Timestamps are unix seconds.
type UpdateJob struct {
	Status        Status   `json:"status"`
	Message       string   `json:"message"`
	StartedAt     *float64 `json:"started_at"`
	FinishedAt    *float64 `json:"finished_at"`
	LatestVersion *string  `json:"latest_version"`
}

// Installer fetches the yt-dlp binary and reports the installed version.
type Installer interface {
	DownloadLatest(ctx context.Context) (int64, error)
	Version(ctx context.Context) (string, error)
}

// FinishFunc is called once per update run with its terminal state.
type FinishFunc func(ctx context.Context, job UpdateJob)

// Orchestrator runs yt-dlp updates in the background, one at a time, and
// exposes the state of the last run for polling.
type Orchestrator struct {
	installer Installer
	tel       *telemetry.Telemetry
	onFinish  FinishFunc
	now       func() time.Time

	mu  sync.Mutex
	job UpdateJob
	wg  sync.WaitGroup

	stopCtx    context.Context
	stopUpdate context.CancelFunc
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithFinishHook registers fn to observe finished update runs.
func WithFinishHook(fn FinishFunc) OrchestratorOption {
	return func(o *Orchestrator) {
		o.onFinish = fn
	}
}

// NewOrchestrator creates an idle orchestrator.
func NewOrchestrator(installer Installer, tel *telemetry.Telemetry, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		installer: installer,
		tel:       tel,
		now:       time.Now,
		job:       UpdateJob{Status: StatusIdle, Message: "Idle"},
	}
	o.stopCtx, o.stopUpdate = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Trigger starts an update in the background. The state is running when
// Trigger returns. A trigger while another run is in flight is rejected
// with ErrUpdateInProgress and leaves the state untouched.
func (o *Orchestrator) Trigger(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.job.Status == StatusRunning {
		return ErrUpdateInProgress
	}

	o.job.Status = StatusRunning
	o.job.Message = "Starting update..."
	o.job.StartedAt = o.timestamp()
	o.job.FinishedAt = nil

	o.wg.Add(1)

	go o.run(context.WithoutCancel(ctx))

	return nil
}

// Status returns a snapshot of the current update job.
func (o *Orchestrator) Status() UpdateJob {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.job
}

// Wait blocks until no update is running.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown waits for a running update until ctx is done, then cancels it
// and returns ctx.Err().
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "cancelling unfinished yt-dlp update")
		o.stopUpdate()

		return ctx.Err()
	}
}

func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()

	logger := logctx.LoggerFromContext(ctx)
	logger.InfoContext(ctx, "starting yt-dlp update")

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "yt-dlp update panicked", "panic", r)
			o.tel.RecordSystemError("updater", "panic")
			o.finish(ctx, StatusFailed, fmt.Sprintf("update panicked: %v", r), "")
		}
	}()

	var installed string

	updateCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(o.stopCtx, cancel)
	defer stop()

	err := o.tel.InstrumentUpdate(updateCtx, func(spanCtx context.Context) error {
		// Finish hooks outlive a cancelled update so the failure is still reported.
		finishCtx := context.WithoutCancel(spanCtx)

		if _, err := o.installer.DownloadLatest(spanCtx); err != nil {
			o.finish(finishCtx, StatusFailed, "Download failed: "+err.Error(), "")
			return err
		}

		// Verify the downloaded file itself, not whatever Ensure resolves.
		v, err := o.installer.Version(spanCtx)
		if err != nil {
			o.finish(finishCtx, StatusFailed, "Verification failed: "+err.Error(), "")
			return err
		}

		installed = v
		o.finish(finishCtx, StatusSucceeded, "Updated to "+v, v)

		return nil
	})
	if err != nil {
		logger.ErrorContext(ctx, "yt-dlp update failed", "err", err)
		return
	}

	logger.InfoContext(ctx, "yt-dlp updated", "version", installed)
}

func (o *Orchestrator) finish(ctx context.Context, status Status, message, version string) {
	o.mu.Lock()
	o.job.Status = status
	o.job.Message = message
	o.job.FinishedAt = o.timestamp()

	if version != "" {
		o.job.LatestVersion = &version
	}

	job := o.job
	o.mu.Unlock()

	if o.onFinish != nil {
		o.onFinish(ctx, job)
	}
}

func (o *Orchestrator) timestamp() *float64 {
	ts := float64(o.now().UnixNano()) / float64(time.Second)
	return &ts
}
