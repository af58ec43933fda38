package downloader

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/shlex"
	"github.com/kkdai/youtube/v2"

	"github.com/ripperfox/ripperfox/internal/downloader/progress"
	"github.com/ripperfox/ripperfox/internal/logctx"
)

const (
	filePerm         = 0o644
	progressInterval = 25 * 1024 * 1024

	// PartSuffix marks in-progress library downloads. Only files with this
	// suffix are ever swept as leftovers.
	PartSuffix = ".ripperfox.part"

	defaultIdleTimeout = time.Minute
)

// ErrNoFormat is returned when a video offers no downloadable stream of the
// requested kind.
var ErrNoFormat = errors.New("no suitable format")

// videoClient is the part of youtube.Client the library strategy uses.
type videoClient interface {
	GetVideoContext(ctx context.Context, url string) (*youtube.Video, error)
	GetStreamContext(ctx context.Context, video *youtube.Video, format *youtube.Format) (io.ReadCloser, int64, error)
}

// LibraryStrategy downloads in-process without the external executable. It
// understands only the audio extraction flags of the argument string and
// otherwise fetches the best progressive mp4 stream.
type LibraryStrategy struct {
	client      videoClient
	idleTimeout time.Duration
}

// NewLibraryStrategy creates a library strategy using httpClient for all
// requests. A stream that delivers no data for idleTimeout is aborted.
func NewLibraryStrategy(httpClient *http.Client, idleTimeout time.Duration) *LibraryStrategy {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}

	return &LibraryStrategy{client: &youtube.Client{HTTPClient: httpClient}, idleTimeout: idleTimeout}
}

func (s *LibraryStrategy) Name() string {
	return "library"
}

func (s *LibraryStrategy) Download(ctx context.Context, task Task) error {
	logger := logctx.LoggerFromContext(ctx)

	video, err := s.client.GetVideoContext(ctx, task.URL)
	if err != nil {
		return fmt.Errorf("failed to resolve video: %w", err)
	}

	format, err := pickFormat(video.Formats, wantsAudioOnly(task.Args))
	if err != nil {
		return fmt.Errorf("%s: %w", video.ID, err)
	}

	stream, size, err := s.client.GetStreamContext(ctx, video, format)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	defer stream.Close()

	// Closing the stream unblocks a pending Read on cancellation or stall.
	stopOnCancel := context.AfterFunc(ctx, func() { stream.Close() })
	defer stopOnCancel()

	idleTimeout := cmp.Or(s.idleTimeout, defaultIdleTimeout)
	idle := newIdleReader(stream, idleTimeout, func() { stream.Close() })
	defer idle.stop()

	target := filepath.Join(task.Dir, sanitizeFilename(video.Title, video.ID)+"."+extensionFor(format.MimeType))

	logger.InfoContext(ctx, "downloading with library",
		"title", video.Title,
		"itag", format.ItagNo,
		"quality", format.QualityLabel,
		"size", humanize.Bytes(uint64(max(size, 0))),
		"target", target,
	)

	err = writeStream(ctx, idle, size, target)

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("download aborted: %w", ctx.Err())
	case idle.stalled.Load():
		return fmt.Errorf("stream stalled for %s: %w", idleTimeout, err)
	}

	return err
}

// idleReader calls onIdle when no Read completes within timeout.
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
	stalled atomic.Bool
}

func newIdleReader(r io.Reader, timeout time.Duration, onIdle func()) *idleReader {
	ir := &idleReader{r: r, timeout: timeout}
	ir.timer = time.AfterFunc(timeout, func() {
		ir.stalled.Store(true)
		onIdle()
	})

	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.timeout)
	}

	return n, err
}

func (ir *idleReader) stop() {
	ir.timer.Stop()
}

// writeStream copies r into target through a sibling PartSuffix file so
// that an interrupted download never leaves a truncated file under the
// final name.
func writeStream(ctx context.Context, r io.Reader, size int64, target string) error {
	logger := logctx.LoggerFromContext(ctx)
	part := target + PartSuffix

	out, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return fmt.Errorf("failed to create target file: %w", err)
	}

	pr := progress.NewReader(r, size, progressInterval, func(read, total int64) {
		if total > 0 {
			logger.DebugContext(ctx, "download progress",
				"downloaded", humanize.Bytes(uint64(read)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(read)*100/float64(total), 2),
			)

			return
		}

		logger.DebugContext(ctx, "download progress", "downloaded", humanize.Bytes(uint64(read)))
	})

	if _, err := io.Copy(out, pr); err != nil {
		out.Close()
		os.Remove(part)

		return fmt.Errorf("failed to copy stream: %w", err)
	}

	if err := out.Close(); err != nil {
		os.Remove(part)
		return fmt.Errorf("failed to close target file: %w", err)
	}

	if err := os.Rename(part, target); err != nil {
		return fmt.Errorf("failed to move download into place: %w", err)
	}

	logger.InfoContext(ctx, "downloaded and saved file", "target", target, "size", humanize.Bytes(uint64(pr.BytesRead())))

	return nil
}

func wantsAudioOnly(args string) bool {
	fields, err := shlex.Split(args)
	if err != nil {
		fields = strings.Fields(args)
	}

	return slices.Contains(fields, "-x") || slices.Contains(fields, "--extract-audio")
}

// pickFormat prefers progressive mp4 (video with audio) at the highest
// resolution, or the highest bitrate audio stream when audioOnly is set.
func pickFormat(formats youtube.FormatList, audioOnly bool) (*youtube.Format, error) {
	var candidates youtube.FormatList

	if audioOnly {
		candidates = formats.Type("audio/mp4")
		if len(candidates) == 0 {
			candidates = formats.Type("audio/")
		}
	} else {
		withAudio := formats.WithAudioChannels()

		candidates = withAudio.Type("video/mp4")
		if len(candidates) == 0 {
			candidates = withAudio.Type("video/")
		}
	}

	if len(candidates) == 0 {
		return nil, ErrNoFormat
	}

	best := &candidates[0]

	for i := range candidates[1:] {
		f := &candidates[i+1]

		if f.Height > best.Height || (f.Height == best.Height && f.Bitrate > best.Bitrate) {
			best = f
		}
	}

	return best, nil
}

func extensionFor(mimeType string) string {
	media, _, _ := strings.Cut(mimeType, ";")

	switch strings.TrimSpace(media) {
	case "audio/mp4":
		return "m4a"
	case "video/3gpp":
		return "3gp"
	}

	if _, sub, ok := strings.Cut(media, "/"); ok && sub != "" {
		return strings.TrimSpace(sub)
	}

	return "bin"
}

// sanitizeFilename makes title safe to use as a file name on every desktop
// platform, falling back to fallback when nothing usable remains.
func sanitizeFilename(title, fallback string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == 0x7f:
			return -1
		case strings.ContainsRune(`/\:*?"<>|`, r):
			return '_'
		}

		return r
	}, title)

	clean = strings.Trim(clean, " .")
	if clean == "" {
		clean = fallback
	}

	if len(clean) > 200 {
		clean = strings.ToValidUTF8(clean[:200], "")
	}

	return clean
}
