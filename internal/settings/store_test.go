package settings

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withMkdir(fn func(string, os.FileMode) error) Option {
	return func(s *Store) { s.mkdir = fn }
}

func withHome(fn func() (string, error)) Option {
	return func(s *Store) { s.userDownloads = fn }
}

func readDisk(t *testing.T, path string) map[string]any {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))

	return doc
}

func TestOpen_MissingFileWritesDefaults(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "settings.json")

	store, err := Open(context.Background(), base, path)
	require.NoError(t, err)

	disk := readDisk(t, path)
	assert.Equal(t, "downloads", disk["default_dir"])
	assert.Equal(t, "--recode-video mp4 --embed-thumbnail --embed-metadata", disk["default_args"])
	assert.Equal(t, map[string]any{}, disk["download_dirs"])
	assert.Equal(t, true, disk["show_toasts"])

	rt := store.Runtime()
	assert.Equal(t, filepath.Join(base, "downloads"), rt.DefaultDir)
	assert.DirExists(t, rt.DefaultDir)
	assert.Equal(t, "downloads", store.Persisted().DefaultDir)
}

func TestOpen_CorruptFileRegeneratesDefaults(t *testing.T) {
	cases := map[string]string{
		"empty":      "",
		"garbage":    "{not json",
		"null":       "null",
		"array":      "[1,2]",
		"wrong type": `{"show_toasts": "yes"}`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			base := t.TempDir()
			path := filepath.Join(base, "settings.json")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

			store, err := Open(context.Background(), base, path)
			require.NoError(t, err)

			assert.Equal(t, Defaults().DefaultArgs, store.Persisted().DefaultArgs)
			assert.Equal(t, "downloads", readDisk(t, path)["default_dir"])
		})
	}
}

func TestOpen_DropsLegacyKeysAndFillsMissing(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"default_dir":"media","yt_dlp_path":"/opt/yt-dlp"}`), 0o600))

	store, err := Open(context.Background(), base, path)
	require.NoError(t, err)

	disk := readDisk(t, path)
	assert.NotContains(t, disk, "yt_dlp_path")
	assert.Equal(t, "media", disk["default_dir"])
	assert.Equal(t, DefaultArgs, disk["default_args"])
	assert.Equal(t, true, disk["show_toasts"])
	assert.Equal(t, filepath.Join(base, "media"), store.Runtime().DefaultDir)
}

func TestOpen_RelativizesAbsolutePathsUnderBase(t *testing.T) {
	base := t.TempDir()
	outside := t.TempDir()
	path := filepath.Join(base, "settings.json")

	doc := map[string]any{
		"default_dir":  filepath.Join(base, "videos"),
		"default_args": "",
		"download_dirs": map[string]any{
			"*youtube*": map[string]any{"dir": filepath.Join(base, "yt"), "args": "-x"},
			"*vimeo*":   map[string]any{"dir": outside, "args": ""},
		},
		"show_toasts": false,
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	store, err := Open(context.Background(), base, path)
	require.NoError(t, err)

	disk := readDisk(t, path)
	assert.Equal(t, "videos", disk["default_dir"])

	dirs := disk["download_dirs"].(map[string]any)
	assert.Equal(t, "yt", dirs["*youtube*"].(map[string]any)["dir"])
	assert.Equal(t, outside, dirs["*vimeo*"].(map[string]any)["dir"])

	rt := store.Runtime()
	assert.Equal(t, filepath.Join(base, "videos"), rt.DefaultDir)

	yt, ok := rt.DownloadDirs.Get("*youtube*")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(base, "yt"), yt.Dir)
	assert.Equal(t, "-x", yt.Args)
}

func TestSave_NeverDuplicatesPrefixes(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "settings.json")
	ctx := context.Background()

	store, err := Open(ctx, base, path)
	require.NoError(t, err)

	for range 3 {
		_, err := store.Save(ctx, store.Runtime())
		require.NoError(t, err)

		reloaded, err := store.Load(ctx)
		require.NoError(t, err)

		assert.True(t, filepath.IsAbs(reloaded.DefaultDir))
		assert.Equal(t, filepath.Join(base, "downloads"), reloaded.DefaultDir)
		assert.Equal(t, "downloads", store.Persisted().DefaultDir)
	}
}

func TestSiteConfigs_PreserveInsertionOrder(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "settings.json")
	ctx := context.Background()

	raw := `{"default_dir":"downloads","default_args":"","show_toasts":true,` +
		`"download_dirs":{"b":{"dir":"bdir","args":""},"a":{"dir":"adir","args":""}}}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	store, err := Open(ctx, base, path)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, store.Runtime().DownloadDirs.Groups())

	_, err = store.Save(ctx, store.Runtime())
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Less(t, strings.Index(string(data), `"b"`), strings.Index(string(data), `"a"`))
}

func TestUpdate_MergesPatch(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "settings.json")
	ctx := context.Background()

	store, err := Open(ctx, base, path)
	require.NoError(t, err)

	var patch Patch
	require.NoError(t, json.Unmarshal([]byte(
		`{"show_toasts": false, "download_dirs": {"*youtube*, *youtu.be*": {"dir": "yt", "args": "-x"}}}`,
	), &patch))

	rt, err := store.Update(ctx, patch)
	require.NoError(t, err)

	assert.False(t, rt.ShowToasts)
	assert.Equal(t, DefaultArgs, rt.DefaultArgs)

	yt, ok := rt.DownloadDirs.Get("*youtube*, *youtu.be*")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(base, "yt"), yt.Dir)

	disk := readDisk(t, path)
	assert.Equal(t, false, disk["show_toasts"])
	assert.Equal(t, "yt", disk["download_dirs"].(map[string]any)["*youtube*, *youtu.be*"].(map[string]any)["dir"])
}

func TestRuntime_ReturnsIndependentCopy(t *testing.T) {
	base := t.TempDir()

	store, err := Open(context.Background(), base, filepath.Join(base, "settings.json"))
	require.NoError(t, err)

	rt := store.Runtime()
	rt.DownloadDirs.Set("*example*", SiteConfig{Dir: "x"})

	assert.Equal(t, 0, store.Runtime().DownloadDirs.Len())
}

func TestOpen_SeedsFromBundle(t *testing.T) {
	base := t.TempDir()
	bundle := t.TempDir()
	path := filepath.Join(base, "settings.json")

	require.NoError(t, os.WriteFile(filepath.Join(bundle, "settings.json"),
		[]byte(`{"default_dir":"bundled","default_args":"-f best","download_dirs":{},"show_toasts":false}`), 0o600))

	store, err := Open(context.Background(), base, path, WithBundleDir(bundle))
	require.NoError(t, err)

	assert.Equal(t, "-f best", store.Persisted().DefaultArgs)
	assert.Equal(t, "bundled", readDisk(t, path)["default_dir"])
}

func TestResolve_FallbackChain(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "settings.json")
	home := filepath.Join(base, "home", "Downloads")

	failFor := func(dirs ...string) func(string, os.FileMode) error {
		return func(dir string, perm os.FileMode) error {
			for _, d := range dirs {
				if dir == d {
					return errors.New("permission denied")
				}
			}

			return os.MkdirAll(dir, perm)
		}
	}

	homeFn := func() (string, error) { return home, nil }

	t.Run("base downloads", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte(`{"default_dir":"locked"}`), 0o600))

		store, err := Open(context.Background(), base, path,
			withMkdir(failFor(filepath.Join(base, "locked"))), withHome(homeFn))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(base, "downloads"), store.Runtime().DefaultDir)
		assert.Equal(t, "locked", store.Persisted().DefaultDir)
	})

	t.Run("user downloads", func(t *testing.T) {
		store, err := Open(context.Background(), base, path,
			withMkdir(failFor(filepath.Join(base, "locked"), filepath.Join(base, "downloads"))), withHome(homeFn))
		require.NoError(t, err)
		assert.Equal(t, home, store.Runtime().DefaultDir)
	})

	t.Run("temp", func(t *testing.T) {
		noHome := func() (string, error) { return "", errors.New("no home") }

		store, err := Open(context.Background(), base, path,
			withMkdir(failFor(filepath.Join(base, "locked"), filepath.Join(base, "downloads"))), withHome(noHome))
		require.NoError(t, err)
		assert.Equal(t, os.TempDir(), store.Runtime().DefaultDir)
	})

	t.Run("nothing usable", func(t *testing.T) {
		alwaysFail := func(string, os.FileMode) error { return errors.New("read-only") }

		_, err := Open(context.Background(), base, path, withMkdir(alwaysFail), withHome(homeFn))
		require.ErrorIs(t, err, ErrNoDownloadDir)
	})
}

func TestRelativize(t *testing.T) {
	base := filepath.Join(string(filepath.Separator), "srv", "ripperfox")

	cases := []struct {
		in, want string
	}{
		{filepath.Join(base, "downloads"), "downloads"},
		{filepath.Join(base, "a", "b"), filepath.Join("a", "b")},
		{base, "."},
		{filepath.Join(string(filepath.Separator), "srv", "ripperfox-other"), filepath.Join(string(filepath.Separator), "srv", "ripperfox-other")},
		{filepath.Join(string(filepath.Separator), "media"), filepath.Join(string(filepath.Separator), "media")},
		{"relative", "relative"},
		{"", ""},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, relativize(base, tc.in), "input %q", tc.in)
		assert.Equal(t, absolutize(base, tc.want), absolutize(base, relativize(base, absolutize(base, tc.want))))
	}
}
