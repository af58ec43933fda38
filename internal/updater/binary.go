package updater

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"github.com/ripperfox/ripperfox/internal/logctx"
	"github.com/ripperfox/ripperfox/internal/telemetry"
)

const (
	execPerm        = 0o755
	downloadTimeout = 5 * time.Minute
)

// BinaryName is the file name of the yt-dlp executable on this platform.
func BinaryName() string {
	if runtime.GOOS == "windows" {
		return "yt-dlp.exe"
	}

	return "yt-dlp"
}

// DefaultDownloadURL points at the latest yt-dlp release asset for this platform.
func DefaultDownloadURL() string {
	return "https://github.com/yt-dlp/yt-dlp/releases/latest/download/" + BinaryName()
}

// BinaryConfig configures a Binary.
type BinaryConfig struct {
	// Dir is where the managed executable lives.
	Dir string
	// BundleDir holds a fallback executable shipped with packaged builds.
	BundleDir      string
	DownloadURL    string
	VersionTimeout time.Duration
	// Retries is the number of extra attempts after a failed download.
	Retries       uint
	RetryInterval time.Duration
}

// Binary manages the local yt-dlp executable: probing its version,
// installing it from the bundle and downloading new releases.
type Binary struct {
	cfg    BinaryConfig
	path   string
	client *http.Client
	tel    *telemetry.Telemetry

	// mu serializes replacements of the executable.
	mu    sync.Mutex
	group singleflight.Group
}

// NewBinary creates a manager for <cfg.Dir>/yt-dlp.
func NewBinary(cfg BinaryConfig, client *http.Client, tel *telemetry.Telemetry) *Binary {
	if cfg.DownloadURL == "" {
		cfg.DownloadURL = DefaultDownloadURL()
	}

	if cfg.VersionTimeout <= 0 {
		cfg.VersionTimeout = 5 * time.Second
	}

	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}

	return &Binary{
		cfg:    cfg,
		path:   filepath.Join(cfg.Dir, BinaryName()),
		client: client,
		tel:    tel,
	}
}

// Path returns the location of the managed executable.
func (b *Binary) Path() string {
	return b.path
}

// Version runs "yt-dlp --version" and returns its trimmed output.
func (b *Binary) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.VersionTimeout)
	defer cancel()

	var stdout bytes.Buffer

	cmd := exec.CommandContext(ctx, b.path, "--version")
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("failed to read yt-dlp version: %w", err)
	}

	v := strings.TrimSpace(stdout.String())
	if v == "" {
		return "", errors.New("yt-dlp reported an empty version")
	}

	return v, nil
}

// DownloadLatest fetches the latest release into place, retrying transient
// failures with exponential backoff. It returns the number of bytes written.
func (b *Binary) DownloadLatest(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	logger := logctx.LoggerFromContext(ctx)
	logger.InfoContext(ctx, "downloading latest yt-dlp", "url", b.cfg.DownloadURL, "dest", b.path)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.cfg.RetryInterval

	attempt := 0

	n, err := backoff.Retry(ctx, func() (int64, error) {
		attempt++

		n, err := b.fetch(ctx)
		if err == nil {
			return n, nil
		}

		var netErr *NetworkError
		if errors.As(err, &netErr) && !netErr.Temporary() {
			return 0, backoff.Permanent(err)
		}

		logger.WarnContext(ctx, "yt-dlp download attempt failed", "attempt", attempt, "err", err)

		return 0, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(b.cfg.Retries+1))
	if err != nil {
		return 0, fmt.Errorf("failed to download yt-dlp: %w", err)
	}

	b.tel.RecordBinaryDownload(n)
	logger.InfoContext(ctx, "downloaded yt-dlp", "size", humanize.Bytes(uint64(n)), "attempts", attempt)

	return n, nil
}

func (b *Binary) fetch(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.DownloadURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, &NetworkError{Op: "GET", URL: b.cfg.DownloadURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &NetworkError{Op: "GET", URL: b.cfg.DownloadURL, StatusCode: resp.StatusCode}
	}

	return b.install(resp.Body)
}

// install writes r to a temp file next to the executable, marks it
// executable and moves it into place.
func (b *Binary) install(r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(b.path), execPerm); err != nil {
		return 0, fmt.Errorf("failed to create binary directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(b.path), ".yt-dlp-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp binary: %w", err)
	}

	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to write binary: %w", err)
	}

	if n == 0 {
		tmp.Close()
		return 0, errors.New("downloaded binary is empty")
	}

	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close temp binary: %w", err)
	}

	if err := os.Chmod(tmp.Name(), execPerm); err != nil {
		return 0, fmt.Errorf("failed to mark binary executable: %w", err)
	}

	if err := os.Rename(tmp.Name(), b.path); err != nil {
		return 0, fmt.Errorf("failed to move binary into place: %w", err)
	}

	return n, nil
}

// Ensure returns a working executable and its version, trying in order:
// the existing binary, a copy of the bundled one (packaged builds only) and
// a fresh download. Concurrent callers share one resolution.
func (b *Binary) Ensure(ctx context.Context) (string, string, error) {
	v, err, _ := b.group.Do("ensure", func() (any, error) {
		return b.ensure(ctx)
	})
	if err != nil {
		return "", "", err
	}

	return b.path, v.(string), nil
}

type binarySource struct {
	name    string
	prepare func(ctx context.Context) error
}

func (b *Binary) ensure(ctx context.Context) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	sources := []binarySource{{name: "existing", prepare: b.requireExisting}}

	if b.cfg.BundleDir != "" {
		sources = append(sources, binarySource{name: "bundled", prepare: b.copyBundled})
	}

	sources = append(sources, binarySource{name: "download", prepare: func(ctx context.Context) error {
		_, err := b.DownloadLatest(ctx)
		return err
	}})

	for _, src := range sources {
		if err := src.prepare(ctx); err != nil {
			logger.DebugContext(ctx, "yt-dlp source unavailable", "source", src.name, "err", err)
			continue
		}

		v, err := b.Version(ctx)
		if err != nil {
			logger.WarnContext(ctx, "yt-dlp binary not working", "source", src.name, "path", b.path, "err", err)
			continue
		}

		logger.DebugContext(ctx, "yt-dlp binary ready", "source", src.name, "version", v)

		return v, nil
	}

	return "", ErrBinaryUnavailable
}

func (b *Binary) requireExisting(context.Context) error {
	_, err := os.Stat(b.path)
	return err
}

func (b *Binary) copyBundled(context.Context) error {
	src, err := os.Open(filepath.Join(b.cfg.BundleDir, BinaryName()))
	if err != nil {
		return err
	}
	defer src.Close()

	b.mu.Lock()
	defer b.mu.Unlock()

	_, err = b.install(src)

	return err
}
