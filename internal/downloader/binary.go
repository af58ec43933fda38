package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/ripperfox/ripperfox/internal/logctx"
)

const outputTemplate = "%(title)s.%(ext)s"

// BinaryResolver provides a working yt-dlp executable.
type BinaryResolver interface {
	Ensure(ctx context.Context) (path, version string, err error)
}

// BinaryStrategy downloads by running the external yt-dlp executable.
type BinaryStrategy struct {
	resolver  BinaryResolver
	timeout   time.Duration
	bundleDir string
}

// NewBinaryStrategy creates a strategy that runs yt-dlp for at most timeout.
// When bundleDir is set it is put first on the child's PATH so bundled
// tools such as ffmpeg are found.
func NewBinaryStrategy(resolver BinaryResolver, timeout time.Duration, bundleDir string) *BinaryStrategy {
	return &BinaryStrategy{resolver: resolver, timeout: timeout, bundleDir: bundleDir}
}

func (s *BinaryStrategy) Name() string {
	return "binary"
}

// Download runs `yt-dlp -o <dir>/%(title)s.%(ext)s <args...> <url>`. A run
// that exits non-zero yields an *ExitError carrying its output.
func (s *BinaryStrategy) Download(ctx context.Context, task Task) error {
	logger := logctx.LoggerFromContext(ctx)

	args, err := shlex.Split(task.Args)
	if err != nil {
		return fmt.Errorf("invalid download arguments %q: %w", task.Args, err)
	}

	bin, version, err := s.resolver.Ensure(ctx)
	if err != nil {
		return fmt.Errorf("yt-dlp unavailable: %w", err)
	}

	argv := make([]string, 0, len(args)+3)
	argv = append(argv, "-o", filepath.Join(task.Dir, outputTemplate))
	argv = append(argv, args...)
	argv = append(argv, task.URL)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, bin, argv...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = s.env()

	logger.InfoContext(ctx, "running yt-dlp", "bin", bin, "version", version, "args", argv)

	start := time.Now()
	err = cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("yt-dlp timed out after %s", s.timeout)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode(), Stderr: stderr.String(), Stdout: stdout.String()}
	}

	if err != nil {
		return fmt.Errorf("failed to run yt-dlp: %w", err)
	}

	logger.InfoContext(ctx, "yt-dlp finished", "duration", time.Since(start).Round(time.Millisecond))

	return nil
}

func (s *BinaryStrategy) env() []string {
	env := os.Environ()
	if s.bundleDir == "" {
		return env
	}

	for i, kv := range env {
		if value, ok := strings.CutPrefix(kv, "PATH="); ok {
			env[i] = "PATH=" + s.bundleDir + string(os.PathListSeparator) + value
			return env
		}
	}

	return append(env, "PATH="+s.bundleDir)
}
