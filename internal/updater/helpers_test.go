package updater

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeScript returns a shell script printing version, used as a stand-in
// for the yt-dlp executable.
func fakeScript(version string) string {
	return "#!/bin/sh\necho " + version + "\n"
}

func writeExecutable(t *testing.T, dir, content string) string {
	t.Helper()

	path := filepath.Join(dir, BinaryName())
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))

	return path
}

func skipOnWindows(t *testing.T) {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("shell script fakes need a unix shell")
	}
}
