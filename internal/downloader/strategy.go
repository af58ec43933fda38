package downloader

import "context"

// Task is one download handed to a strategy.
type Task struct {
	JobID string
	URL   string
	Dir   string
	Args  string
}

// Strategy is one way of downloading a URL. The dispatcher tries its
// strategies in order until one succeeds.
type Strategy interface {
	Name() string
	Download(ctx context.Context, task Task) error
}
