// Package cleanup removes leftovers of interrupted downloads and installs.
package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ripperfox/ripperfox/internal/downloader"
	"github.com/ripperfox/ripperfox/internal/logctx"
)

// DownloadLeftoverPatterns match partial files the library strategy leaves
// in download directories. Download directories are user folders, so only
// files carrying our own suffix are eligible; yt-dlp's own .part and .ytdl
// files are kept for it to resume.
var DownloadLeftoverPatterns = []string{
	"*" + downloader.PartSuffix,
}

// StateLeftoverPatterns match temp files of atomic settings and binary
// writes. They only ever appear in the base directory.
var StateLeftoverPatterns = []string{
	".yt-dlp-*",
	".settings-*.json",
}

// DeleteStaleFiles removes files in dirs matching patterns whose modification
// time is older than keepDuration. Subdirectories are not visited. A file
// that cannot be removed does not stop the sweep; all such errors are
// returned joined.
func DeleteStaleFiles(ctx context.Context, dirs, patterns []string, keepDuration time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	var (
		removed int
		errs    []error
	)

	seen := make(map[string]bool)

	for _, dir := range dirs {
		if dir == "" || seen[dir] {
			continue
		}

		seen[dir] = true

		for _, pattern := range patterns {
			matches, err := filepath.Glob(filepath.Join(dir, pattern))
			if err != nil {
				return removed, err
			}

			for _, path := range matches {
				info, err := os.Stat(path)
				if err != nil {
					if os.IsNotExist(err) {
						continue // already deleted
					}

					errs = append(errs, err)

					continue
				}

				if info.IsDir() || now.Sub(info.ModTime()) <= keepDuration {
					continue
				}

				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					logger.Error("failed to delete stale file", "file", path, "err", err)
					errs = append(errs, err)

					continue
				}

				removed++

				logger.Info("deleted stale file",
					"file", path,
					"size", humanize.Bytes(uint64(info.Size())),
					"modified", humanize.Time(info.ModTime()),
				)
			}
		}
	}

	return removed, errors.Join(errs...)
}
