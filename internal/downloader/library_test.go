package downloader

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kkdai/youtube/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVideoClient struct {
	video     *youtube.Video
	videoErr  error
	body      string
	stream    io.ReadCloser
	streamErr error

	picked *youtube.Format
}

func (c *fakeVideoClient) GetVideoContext(context.Context, string) (*youtube.Video, error) {
	return c.video, c.videoErr
}

func (c *fakeVideoClient) GetStreamContext(_ context.Context, _ *youtube.Video, format *youtube.Format) (io.ReadCloser, int64, error) {
	if c.streamErr != nil {
		return nil, 0, c.streamErr
	}

	c.picked = format

	if c.stream != nil {
		return c.stream, -1, nil
	}

	return io.NopCloser(strings.NewReader(c.body)), int64(len(c.body)), nil
}

var testFormats = youtube.FormatList{
	{ItagNo: 18, MimeType: `video/mp4; codecs="avc1.42001E, mp4a.40.2"`, Height: 360, Bitrate: 500, AudioChannels: 2},
	{ItagNo: 22, MimeType: `video/mp4; codecs="avc1.64001F, mp4a.40.2"`, Height: 720, Bitrate: 1500, AudioChannels: 2},
	{ItagNo: 137, MimeType: `video/mp4; codecs="avc1.640028"`, Height: 1080, Bitrate: 4000},
	{ItagNo: 140, MimeType: `audio/mp4; codecs="mp4a.40.2"`, Bitrate: 128, AudioChannels: 2},
	{ItagNo: 141, MimeType: `audio/mp4; codecs="mp4a.40.2"`, Bitrate: 256, AudioChannels: 2},
	{ItagNo: 251, MimeType: `audio/webm; codecs="opus"`, Bitrate: 160, AudioChannels: 2},
}

func TestLibraryStrategy_WritesVideo(t *testing.T) {
	dir := t.TempDir()
	client := &fakeVideoClient{
		video: &youtube.Video{ID: "abc", Title: "My: Video?", Formats: testFormats},
		body:  "video-bytes",
	}

	s := &LibraryStrategy{client: client}
	require.NoError(t, s.Download(context.Background(), Task{URL: "https://youtu.be/abc", Dir: dir}))

	require.NotNil(t, client.picked)
	assert.Equal(t, 22, client.picked.ItagNo)

	data, err := os.ReadFile(filepath.Join(dir, "My_ Video_.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "video-bytes", string(data))

	_, err = os.Stat(filepath.Join(dir, "My_ Video_.mp4"+PartSuffix))
	assert.True(t, os.IsNotExist(err))
}

func TestLibraryStrategy_AudioOnly(t *testing.T) {
	dir := t.TempDir()
	client := &fakeVideoClient{
		video: &youtube.Video{ID: "abc", Title: "Song", Formats: testFormats},
		body:  "audio",
	}

	s := &LibraryStrategy{client: client}
	require.NoError(t, s.Download(context.Background(), Task{URL: "https://youtu.be/abc", Dir: dir, Args: "-x --audio-format mp3"}))

	assert.Equal(t, 141, client.picked.ItagNo)
	assert.FileExists(t, filepath.Join(dir, "Song.m4a"))
}

func TestLibraryStrategy_Errors(t *testing.T) {
	s := &LibraryStrategy{client: &fakeVideoClient{videoErr: errors.New("video is private")}}
	err := s.Download(context.Background(), Task{URL: "https://youtu.be/x", Dir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "video is private")

	s = &LibraryStrategy{client: &fakeVideoClient{video: &youtube.Video{ID: "x"}}}
	err = s.Download(context.Background(), Task{URL: "https://youtu.be/x", Dir: t.TempDir()})
	require.ErrorIs(t, err, ErrNoFormat)

	s = &LibraryStrategy{client: &fakeVideoClient{
		video:     &youtube.Video{ID: "x", Formats: testFormats},
		streamErr: errors.New("403"),
	}}
	err = s.Download(context.Background(), Task{URL: "https://youtu.be/x", Dir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open stream")
}

func TestPickFormat_FallsBackToAnyAudio(t *testing.T) {
	formats := youtube.FormatList{
		{ItagNo: 250, MimeType: `audio/webm; codecs="opus"`, Bitrate: 70, AudioChannels: 2},
		{ItagNo: 251, MimeType: `audio/webm; codecs="opus"`, Bitrate: 160, AudioChannels: 2},
	}

	f, err := pickFormat(formats, true)
	require.NoError(t, err)
	assert.Equal(t, 251, f.ItagNo)

	_, err = pickFormat(formats, false)
	assert.ErrorIs(t, err, ErrNoFormat)
}

func TestWantsAudioOnly(t *testing.T) {
	assert.True(t, wantsAudioOnly("-x --audio-format mp3"))
	assert.True(t, wantsAudioOnly("--embed-metadata --extract-audio"))
	assert.False(t, wantsAudioOnly("--recode-video mp4"))
	assert.False(t, wantsAudioOnly(""))
}

func TestExtensionFor(t *testing.T) {
	tests := map[string]string{
		`video/mp4; codecs="avc1"`:  "mp4",
		`audio/mp4; codecs="mp4a"`:  "m4a",
		`audio/webm; codecs="opus"`: "webm",
		"video/3gpp":                "3gp",
		"":                          "bin",
	}

	for mime, want := range tests {
		assert.Equal(t, want, extensionFor(mime), mime)
	}
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "a_b_c", sanitizeFilename("a/b\\c", "id"))
	assert.Equal(t, "id", sanitizeFilename(" ... ", "id"))
	assert.Equal(t, "tab", sanitizeFilename("t\tab", "id"))
	assert.Len(t, sanitizeFilename(strings.Repeat("x", 300), "id"), 200)
}

// stalledStream never delivers data. Close unblocks a pending Read the way
// closing an HTTP response body does.
func stalledStream() io.ReadCloser {
	r, _ := io.Pipe()
	return r
}

func TestLibraryStrategy_AbortsStalledStream(t *testing.T) {
	dir := t.TempDir()
	client := &fakeVideoClient{
		video:  &youtube.Video{ID: "abc", Title: "Stuck", Formats: testFormats},
		stream: stalledStream(),
	}

	s := &LibraryStrategy{client: client, idleTimeout: 50 * time.Millisecond}

	done := make(chan error, 1)
	go func() { done <- s.Download(context.Background(), Task{URL: "https://youtu.be/abc", Dir: dir}) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stream stalled")
	case <-time.After(5 * time.Second):
		t.Fatal("stalled stream was not aborted")
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLibraryStrategy_AbortsOnCancel(t *testing.T) {
	dir := t.TempDir()
	client := &fakeVideoClient{
		video:  &youtube.Video{ID: "abc", Title: "Stuck", Formats: testFormats},
		stream: stalledStream(),
	}

	s := &LibraryStrategy{client: client, idleTimeout: time.Hour}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Download(ctx, Task{URL: "https://youtu.be/abc", Dir: dir}) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("download ignored cancellation")
	}
}
