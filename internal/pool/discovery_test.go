package pool

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindChromeExecutableCustomPath(t *testing.T) {
	dir := t.TempDir()
	fake := filepath.Join(dir, "fake-chrome")
	require.NoError(t, os.WriteFile(fake, []byte("#!/bin/sh\n"), 0o755))

	exe, err := FindChromeExecutable(fake)
	require.NoError(t, err)
	require.Equal(t, BrowserCustom, exe.Kind)
	require.Equal(t, fake, exe.Path)
}

func TestFindChromeExecutableCustomPathMissing(t *testing.T) {
	_, err := FindChromeExecutable(filepath.Join(t.TempDir(), "does-not-exist"))
	require.Error(t, err)
}
