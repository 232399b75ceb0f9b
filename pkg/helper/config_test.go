package helper

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetCfgPathAbsolute(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "relay.yaml")
	assert.Equal(t, abs, GetCfgPath(abs))
}

func TestGetCfgPathCurrentDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "relay.yaml"), []byte("port: 1"), 0644))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	got := GetCfgPath("relay.yaml")
	assert.Equal(t, "relay.yaml", filepath.Base(got))
	assert.True(t, filepath.IsAbs(got))
}

func TestGetCfgPathFallback(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	assert.Equal(t, "/etc/relay/missing.yaml", GetCfgPath("missing.yaml"))
}

func TestGetCfgPathEmptyPanics(t *testing.T) {
	assert.Panics(t, func() { GetCfgPath("") })
}

func TestGetPIDPath(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "relay.pid")
	assert.Equal(t, abs, GetPIDPath(abs))
	assert.Equal(t, "/var/run/relay.pid", GetPIDPath(""))
}
