package updater

import (
	"errors"
	"fmt"
)

var (
	// ErrUpdateInProgress is returned by Trigger while an update is running.
	ErrUpdateInProgress = errors.New("yt-dlp update already in progress")

	// ErrBinaryUnavailable is returned when no working yt-dlp binary could be
	// found, copied from the bundle or downloaded.
	ErrBinaryUnavailable = errors.New("yt-dlp binary unavailable")
)

// NetworkError describes a failed call to a remote endpoint.
type NetworkError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Op, e.URL, e.StatusCode)
	}

	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the call may succeed.
func (e *NetworkError) Temporary() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}
