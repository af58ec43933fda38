package updater

import (
	"context"
	"time"

	"github.com/ripperfox/ripperfox/internal/logctx"
	"github.com/ripperfox/ripperfox/internal/telemetry"
)

// VersionReader reports the version of the installed binary.
type VersionReader interface {
	Version(ctx context.Context) (string, error)
}

// RemoteChecker compares the installed version with the latest release.
type RemoteChecker interface {
	CheckRemote(ctx context.Context, current string) (Release, bool)
}

// AvailableFunc is called when a newer release than the installed one exists.
type AvailableFunc func(ctx context.Context, current string, latest Release)

// PeriodicChecker looks for new yt-dlp releases on a fixed interval. It only
// reports; installing is left to an explicit update trigger.
type PeriodicChecker struct {
	versions    VersionReader
	checker     RemoteChecker
	interval    time.Duration
	tel         *telemetry.Telemetry
	onAvailable AvailableFunc
}

// NewPeriodicChecker creates a checker. onAvailable may be nil.
func NewPeriodicChecker(
	versions VersionReader,
	checker RemoteChecker,
	interval time.Duration,
	tel *telemetry.Telemetry,
	onAvailable AvailableFunc,
) *PeriodicChecker {
	return &PeriodicChecker{
		versions:    versions,
		checker:     checker,
		interval:    interval,
		tel:         tel,
		onAvailable: onAvailable,
	}
}

// Run checks once immediately and then on every tick until ctx is done.
// No failure stops the loop.
func (p *PeriodicChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.CheckOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CheckOnce(ctx)
		}
	}
}

// CheckOnce performs a single advisory check.
func (p *PeriodicChecker) CheckOnce(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "yt-dlp update check panicked", "panic", r)
			p.tel.RecordSystemError("update_check", "panic")
		}
	}()

	current, err := p.versions.Version(ctx)
	if err != nil {
		logger.InfoContext(ctx, "yt-dlp update check skipped, no local version", "err", err)
		return
	}

	latest, ok := p.checker.CheckRemote(ctx, current)
	if !ok {
		logger.DebugContext(ctx, "yt-dlp is up to date", "version", current)
		return
	}

	logger.InfoContext(ctx, "yt-dlp update available", "current", current, "latest", latest.Version())

	if p.onAvailable != nil {
		p.onAvailable(ctx, current, latest)
	}
}
