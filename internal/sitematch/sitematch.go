// Package sitematch resolves per-site download overrides from a URL's host.
package sitematch

import (
	"net/url"
	"path"
	"strings"

	"github.com/ripperfox/ripperfox/internal/settings"
)

// UnknownSite is reported for URLs without a parseable host.
const UnknownSite = "unknown"

// Result is the pattern group that matched a host.
type Result struct {
	Group   string
	Pattern string
	Config  settings.SiteConfig
}

// Target is where and how a URL should be downloaded.
type Target struct {
	Site    string
	Dir     string
	Args    string
	Group   string
	Pattern string
}

// Hostname returns the lowercase host of rawURL without port, or "" when
// there is none.
func Hostname(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}

	return strings.ToLower(u.Hostname())
}

// SplitPatterns splits a comma separated pattern group, trimming blanks and
// dropping empty entries.
func SplitPatterns(group string) []string {
	parts := strings.Split(group, ",")
	patterns := make([]string, 0, len(parts))

	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}

	return patterns
}

// MatchHost reports whether host matches pattern, either as a glob or, with
// the leading and trailing '*' removed, as a substring.
func MatchHost(pattern, host string) bool {
	pattern = strings.ToLower(pattern)

	// A malformed glob only disables the glob half.
	if ok, err := path.Match(pattern, host); err == nil && ok {
		return true
	}

	return strings.Contains(host, strings.Trim(pattern, "*"))
}

// Match returns the first group, in insertion order, with a pattern matching
// the host of rawURL.
func Match(rawURL string, dirs settings.SiteConfigs) (Result, bool) {
	host := Hostname(rawURL)

	var (
		res   Result
		found bool
	)

	dirs.Each(func(group string, cfg settings.SiteConfig) bool {
		for _, p := range SplitPatterns(group) {
			if MatchHost(p, host) {
				res, found = Result{Group: group, Pattern: p, Config: cfg}, true
				return false
			}
		}

		return true
	})

	return res, found
}

// Resolve picks the directory and arguments for rawURL from runtime
// settings. Empty override fields fall back to the defaults.
func Resolve(rawURL string, s settings.Settings) Target {
	t := Target{
		Site: Hostname(rawURL),
		Dir:  s.DefaultDir,
		Args: s.DefaultArgs,
	}

	if t.Site == "" {
		t.Site = UnknownSite
	}

	m, ok := Match(rawURL, s.DownloadDirs)
	if !ok {
		return t
	}

	t.Group, t.Pattern = m.Group, m.Pattern

	if m.Config.Dir != "" {
		t.Dir = m.Config.Dir
	}

	if m.Config.Args != "" {
		t.Args = m.Config.Args
	}

	return t
}
