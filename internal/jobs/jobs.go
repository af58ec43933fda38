// Package jobs keeps the bounded, insertion-ordered history of download jobs.
package jobs

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ErrNotFound is returned for ids that were never created or were evicted.
var ErrNotFound = errors.New("job not found")

// Status is the lifecycle state of a job. Failed jobs carry their detail in
// the value itself, e.g. "error: HTTP Error 403".
type Status string

const (
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"

	errorPrefix = "error: "
)

// ErrorStatus formats a failure status.
func ErrorStatus(detail string) Status {
	return Status(errorPrefix + detail)
}

// IsError reports whether s is a failure status.
func (s Status) IsError() bool {
	return strings.HasPrefix(string(s), errorPrefix)
}

// Job is one tracked download request.
type Job struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Site      string    `json:"site"`
	Status    Status    `json:"status"`
	Dir       string    `json:"dir"`
	Strategy  string    `json:"strategy,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tracker records jobs in creation order. All methods are safe for
// concurrent use.
type Tracker struct {
	limit int
	now   func() time.Time

	mu     sync.Mutex
	jobs   *orderedmap.OrderedMap[string, *Job]
	lastID int64
}

// New returns a Tracker whose history is trimmed to limit entries by EvictIfOver.
func New(limit int) *Tracker {
	return &Tracker{
		limit: limit,
		now:   time.Now,
		jobs:  orderedmap.New[string, *Job](),
	}
}

// Limit returns the configured history limit.
func (t *Tracker) Limit() int {
	return t.limit
}

// Create inserts a job in the starting state and returns its id. Ids are
// millisecond timestamps, bumped past the previous id when two jobs land in
// the same millisecond, so they are unique and increasing.
func (t *Tracker) Create(url, site, dir string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	id := now.UnixMilli()
	if id <= t.lastID {
		id = t.lastID + 1
	}

	t.lastID = id

	job := &Job{
		ID:        strconv.FormatInt(id, 10),
		URL:       url,
		Site:      site,
		Status:    StatusStarting,
		Dir:       dir,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.jobs.Set(job.ID, job)

	return job.ID
}

// SetStatus overwrites the status of a job. Any value is accepted.
func (t *Tracker) SetStatus(id string, status Status) error {
	return t.update(id, func(j *Job) { j.Status = status })
}

// SetStrategy records which download strategy is handling a job.
func (t *Tracker) SetStrategy(id, strategy string) error {
	return t.update(id, func(j *Job) { j.Strategy = strategy })
}

func (t *Tracker) update(id string, fn func(*Job)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs.Get(id)
	if !ok {
		return ErrNotFound
	}

	fn(job)
	job.UpdatedAt = t.now()

	return nil
}

// Get returns a copy of the job with the given id.
func (t *Tracker) Get(id string) (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs.Get(id)
	if !ok {
		return Job{}, false
	}

	return *job, true
}

// Snapshot returns copies of the newest limit jobs, oldest first. A
// non-positive limit returns every job.
func (t *Tracker) Snapshot(limit int) []Job {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.jobs.Len()
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]Job, n)

	pair := t.jobs.Newest()
	for i := n - 1; i >= 0; i-- {
		out[i] = *pair.Value
		pair = pair.Prev()
	}

	return out
}

// EvictIfOver drops the oldest jobs until at most limit remain and returns
// how many were dropped.
func (t *Tracker) EvictIfOver(limit int) int {
	if limit < 0 {
		limit = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0

	for t.jobs.Len() > limit {
		t.jobs.Delete(t.jobs.Oldest().Key)
		evicted++
	}

	return evicted
}

// Clear removes every job and returns how many there were.
func (t *Tracker) Clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.jobs.Len()
	t.jobs = orderedmap.New[string, *Job]()

	return n
}

// Len returns the number of tracked jobs.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.jobs.Len()
}
