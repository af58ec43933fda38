package settings

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/ripperfox/ripperfox/internal/logctx"
)

const dirPerm = 0o755

// relativize rewrites p relative to base when p is absolute and lies under
// base. Any other value is returned unchanged.
func relativize(base, p string) string {
	if p == "" || !filepath.IsAbs(p) {
		return p
	}

	rel, err := filepath.Rel(base, filepath.Clean(p))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return p
	}

	return rel
}

// absolutize resolves a relative p against base.
func absolutize(base, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}

	return filepath.Join(base, p)
}

// toDisk returns the portable form of s: paths under base become relative.
func toDisk(base string, s Settings) Settings {
	out := s.Clone()
	out.DefaultDir = relativize(base, s.DefaultDir)
	out.DownloadDirs = s.DownloadDirs.mapDirs(func(dir string) string {
		return relativize(base, dir)
	})

	return out
}

// toRuntime returns the operational form of s: every non-empty path absolute.
func toRuntime(base string, s Settings) Settings {
	out := s.Clone()
	out.DefaultDir = absolutize(base, s.DefaultDir)
	out.DownloadDirs = s.DownloadDirs.mapDirs(func(dir string) string {
		if dir == "" {
			return ""
		}

		return absolutize(base, dir)
	})

	return out
}

// dirCandidate yields a directory to try, or an error when it cannot even
// name one (e.g. no home directory).
type dirCandidate struct {
	name string
	path func() (string, error)
}

// ensureDir walks candidates in order and returns the first directory it
// can create. Each failure is logged and the next candidate tried.
func ensureDir(ctx context.Context, mkdir func(string, os.FileMode) error, candidates []dirCandidate) (string, bool) {
	logger := logctx.LoggerFromContext(ctx)

	for _, c := range candidates {
		dir, err := c.path()
		if err != nil {
			logger.WarnContext(ctx, "skipping download directory candidate", "candidate", c.name, "err", err)
			continue
		}

		if err := mkdir(dir, dirPerm); err != nil {
			logger.WarnContext(ctx, "failed to create download directory", "candidate", c.name, "dir", dir, "err", err)
			continue
		}

		return dir, true
	}

	return "", false
}

func fixedDir(dir string) func() (string, error) {
	return func() (string, error) { return dir, nil }
}

func userDownloadsDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(home, "Downloads"), nil
}
