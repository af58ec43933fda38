package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/ripperfox/ripperfox/internal/logctx"
)

const bundledSettingsName = "settings.json"

// ErrNoDownloadDir is returned when neither the configured directory nor any
// fallback, including the OS temp directory, can be created.
var ErrNoDownloadDir = errors.New("no usable download directory")

// Store is the lock-guarded owner of the settings document. It keeps the
// on-disk (relative) form and a cached runtime (absolute) copy.
type Store struct {
	baseDir   string
	path      string
	bundleDir string

	mkdir         func(string, os.FileMode) error
	userDownloads func() (string, error)

	// writeMu serializes read-modify-write cycles; mu guards the fields.
	writeMu   sync.Mutex
	mu        sync.RWMutex
	persisted Settings
	runtime   Settings
}

// Option configures a Store.
type Option func(*Store)

// WithBundleDir seeds a missing settings file from <dir>/settings.json when
// the application runs from a packaged bundle.
func WithBundleDir(dir string) Option {
	return func(s *Store) {
		s.bundleDir = dir
	}
}

// Open creates a Store for the settings file at path and loads it.
func Open(ctx context.Context, baseDir, path string, opts ...Option) (*Store, error) {
	s := &Store{
		baseDir:       filepath.Clean(baseDir),
		path:          path,
		mkdir:         os.MkdirAll,
		userDownloads: userDownloadsDir,
	}

	for _, opt := range opts {
		opt(s)
	}

	if _, err := s.Load(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// Path returns the location of the settings file.
func (s *Store) Path() string {
	return s.path
}

// Load reads the settings file and returns the runtime copy. A missing file
// is seeded from the bundle or from defaults; a corrupt one is replaced by
// defaults. Both are persisted. Only a failure to find any usable download
// directory is returned as an error.
func (s *Store) Load(ctx context.Context) (Settings, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	logger := logctx.LoggerFromContext(ctx)

	doc, dirty, err := s.read(ctx)
	if err != nil {
		logger.WarnContext(ctx, "settings file unusable, regenerating defaults", "path", s.path, "err", err)

		doc, dirty = Defaults(), true
	}

	normalized := toDisk(s.baseDir, doc)
	if !dirty && !equalOnDisk(doc, normalized) {
		logger.InfoContext(ctx, "normalized stored paths to relative locations", "path", s.path)

		dirty = true
	}

	if dirty {
		if err := s.write(normalized); err != nil {
			logger.ErrorContext(ctx, "failed to persist settings", "path", s.path, "err", err)
		}
	}

	runtime, err := s.resolve(ctx, normalized)
	if err != nil {
		return Settings{}, err
	}

	s.mu.Lock()
	s.persisted = normalized
	s.runtime = runtime
	s.mu.Unlock()

	logger.InfoContext(ctx, "settings loaded",
		"path", s.path,
		"default_dir", runtime.DefaultDir,
		"site_groups", runtime.DownloadDirs.Len(),
	)

	return runtime.Clone(), nil
}

// Save persists doc and makes it the current document. Absolute paths under
// the base directory are stored relative to it.
func (s *Store) Save(ctx context.Context, doc Settings) (Settings, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.save(ctx, doc)
}

func (s *Store) save(ctx context.Context, doc Settings) (Settings, error) {
	normalized := toDisk(s.baseDir, doc)

	runtime, err := s.resolve(ctx, normalized)
	if err != nil {
		return Settings{}, err
	}

	if err := s.write(normalized); err != nil {
		return Settings{}, fmt.Errorf("failed to save settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.persisted = normalized
	s.runtime = runtime

	return runtime.Clone(), nil
}

// Update merges patch into the current document, persists it and returns
// the new runtime copy.
func (s *Store) Update(ctx context.Context, patch Patch) (Settings, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	runtime, err := s.save(ctx, patch.Apply(s.Persisted()))
	if err != nil {
		return Settings{}, err
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "settings updated", "path", s.path)

	return runtime, nil
}

// Runtime returns a copy of the settings with every path absolute.
func (s *Store) Runtime() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.runtime.Clone()
}

// Persisted returns a copy of the on-disk form.
func (s *Store) Persisted() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.persisted.Clone()
}

// read returns the document on disk. dirty reports that the file must be
// rewritten: it was missing, seeded, had legacy or missing keys.
func (s *Store) read(ctx context.Context) (Settings, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return s.seed(ctx), true, nil
	}

	if err != nil {
		return Settings{}, false, fmt.Errorf("failed to read settings: %w", err)
	}

	return decode(data)
}

// seed returns the bundled settings when packaged and present, else defaults.
func (s *Store) seed(ctx context.Context) Settings {
	logger := logctx.LoggerFromContext(ctx)

	if s.bundleDir != "" {
		bundled := filepath.Join(s.bundleDir, bundledSettingsName)

		if data, err := os.ReadFile(bundled); err == nil {
			if doc, _, err := decode(data); err == nil {
				logger.InfoContext(ctx, "seeded settings from bundle", "source", bundled)
				return doc
			}

			logger.WarnContext(ctx, "bundled settings unusable, using defaults", "source", bundled, "err", err)
		}
	}

	logger.InfoContext(ctx, "settings file missing, writing defaults", "path", s.path)

	return Defaults()
}

var knownKeys = map[string]struct{}{
	"default_dir":   {},
	"default_args":  {},
	"download_dirs": {},
	"show_toasts":   {},
}

func decode(data []byte) (Settings, bool, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Settings{}, false, fmt.Errorf("failed to parse settings: %w", err)
	}

	if raw == nil {
		return Settings{}, false, errors.New("settings document is empty")
	}

	dirty := len(raw) != len(knownKeys)
	for key := range raw {
		if _, ok := knownKeys[key]; !ok {
			dirty = true
		}
	}

	doc := Defaults()
	if err := json.Unmarshal(data, &doc); err != nil {
		return Settings{}, false, fmt.Errorf("failed to parse settings: %w", err)
	}

	return doc, dirty, nil
}

// write replaces the settings file atomically.
func (s *Store) write(doc Settings) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), dirPerm); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".settings-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp settings file: %w", err)
	}

	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp settings file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp settings file: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace settings file: %w", err)
	}

	return nil
}

// resolve builds the runtime copy and makes sure its default directory exists.
func (s *Store) resolve(ctx context.Context, doc Settings) (Settings, error) {
	runtime := toRuntime(s.baseDir, doc)

	dir, ok := ensureDir(ctx, s.mkdir, []dirCandidate{
		{name: "preferred", path: fixedDir(runtime.DefaultDir)},
		{name: "base", path: fixedDir(filepath.Join(s.baseDir, DefaultDir))},
		{name: "user_downloads", path: s.userDownloads},
		{name: "temp", path: fixedDir(os.TempDir())},
	})
	if !ok {
		return Settings{}, ErrNoDownloadDir
	}

	if dir != runtime.DefaultDir {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "using fallback download directory",
			"preferred", runtime.DefaultDir,
			"dir", dir,
		)
	}

	runtime.DefaultDir = dir

	return runtime, nil
}

func equalOnDisk(a, b Settings) bool {
	if a.DefaultDir != b.DefaultDir || a.DownloadDirs.Len() != b.DownloadDirs.Len() {
		return false
	}

	equal := true

	a.DownloadDirs.Each(func(group string, cfg SiteConfig) bool {
		other, ok := b.DownloadDirs.Get(group)
		equal = ok && other == cfg

		return equal
	})

	return equal
}
