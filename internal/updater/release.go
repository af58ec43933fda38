package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-version"

	"github.com/ripperfox/ripperfox/internal/logctx"
	"github.com/ripperfox/ripperfox/internal/telemetry"
)

const (
	// DefaultReleaseURL is the GitHub endpoint describing the latest yt-dlp release.
	DefaultReleaseURL = "https://api.github.com/repos/yt-dlp/yt-dlp/releases/latest"

	releaseTimeout  = 10 * time.Second
	maxReleaseBytes = 1 << 20
)

// Release is the subset of a GitHub release the updater needs.
type Release struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	HTMLURL     string    `json:"html_url"`
	PublishedAt time.Time `json:"published_at"`
}

// Version returns the tag without its "v" prefix.
func (r Release) Version() string {
	return strings.TrimPrefix(r.TagName, "v")
}

// ReleaseChecker looks up the latest published yt-dlp release.
type ReleaseChecker struct {
	client *http.Client
	url    string
	tel    *telemetry.Telemetry
}

// NewReleaseChecker creates a checker for the release endpoint at url.
func NewReleaseChecker(client *http.Client, url string, tel *telemetry.Telemetry) *ReleaseChecker {
	if url == "" {
		url = DefaultReleaseURL
	}

	return &ReleaseChecker{client: client, url: url, tel: tel}
}

// Latest fetches the latest release.
func (c *ReleaseChecker) Latest(ctx context.Context) (Release, error) {
	ctx, cancel := context.WithTimeout(ctx, releaseTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return Release{}, fmt.Errorf("failed to build release request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Release{}, &NetworkError{Op: "GET", URL: c.url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Release{}, &NetworkError{Op: "GET", URL: c.url, StatusCode: resp.StatusCode}
	}

	var rel Release
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxReleaseBytes)).Decode(&rel); err != nil {
		return Release{}, fmt.Errorf("failed to decode release payload: %w", err)
	}

	if rel.TagName == "" {
		return Release{}, fmt.Errorf("release payload has no tag_name")
	}

	return rel, nil
}

// CheckRemote reports whether the latest release is newer than current.
// Every failure (network, non-200, unparseable payload) is logged and
// reported as "no update": the check is advisory.
func (c *ReleaseChecker) CheckRemote(ctx context.Context, current string) (Release, bool) {
	logger := logctx.LoggerFromContext(ctx)

	rel, err := c.Latest(ctx)
	if err != nil {
		logger.InfoContext(ctx, "yt-dlp update check skipped", "err", err)
		c.tel.RecordUpdateCheck("error")

		return Release{}, false
	}

	if !IsNewer(rel.Version(), current) {
		c.tel.RecordUpdateCheck("up_to_date")
		return rel, false
	}

	c.tel.RecordUpdateCheck("update_available")

	return rel, true
}

// IsNewer reports whether latest is a strictly greater version than
// current. Unknown or unparseable versions never count as newer.
func IsNewer(latest, current string) bool {
	if latest == "" || current == "" {
		return false
	}

	lv, err := version.NewVersion(latest)
	if err != nil {
		return false
	}

	cv, err := version.NewVersion(current)
	if err != nil {
		return false
	}

	return lv.GreaterThan(cv)
}
