package downloader

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidRequest is returned for requests without a URL.
	ErrInvalidRequest = errors.New("no URL provided")

	// ErrTooManyJobs is returned when the in-flight job limit is reached.
	ErrTooManyJobs = errors.New("too many active downloads")
)

const maxDiagnosticBytes = 4096

// ExitError reports a downloader process that ran but exited non-zero.
type ExitError struct {
	Code   int
	Stderr string
	Stdout string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("yt-dlp exited with code %d: %s", e.Code, e.Diagnostic())
}

// Diagnostic returns the captured stderr, or stdout when stderr is empty,
// limited to its last few kilobytes.
func (e *ExitError) Diagnostic() string {
	out := strings.TrimSpace(e.Stderr)
	if out == "" {
		out = strings.TrimSpace(e.Stdout)
	}

	if len(out) > maxDiagnosticBytes {
		out = out[len(out)-maxDiagnosticBytes:]
	}

	return out
}

// failureDetail is the text recorded in a failed job's status.
func failureDetail(err error) string {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if d := exitErr.Diagnostic(); d != "" {
			return d
		}
	}

	return err.Error()
}
