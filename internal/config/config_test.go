package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadReturnsZeroValueConfigWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, &AppConfig{}, cfg)
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fastclonerc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cacheRoot: /var/cache/fastclone\nlockTimeoutSeconds: 30\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/cache/fastclone", cfg.CacheRoot)
	assert.Equal(t, 30, cfg.LockTimeoutSeconds)
}

func TestResolveAppliesBuiltinDefaultsWhenNothingElseIsSet(t *testing.T) {
	r := Resolve(&AppConfig{}, Overrides{})
	assert.Equal(t, DefaultAllowedProtocols, r.AllowedProtocols)
	assert.True(t, r.PrefetchEnabled)
	assert.Equal(t, 0, r.SubmoduleConcurrency)
}

func TestResolvePrecedenceFlagBeatsEnvBeatsFile(t *testing.T) {
	t.Setenv("REFERENCE_REPO_DIR", "/env/cache")

	file := &AppConfig{CacheRoot: "/file/cache"}
	r := Resolve(file, Overrides{})
	assert.Equal(t, "/env/cache", r.CacheRoot, "env beats file")

	r = Resolve(file, Overrides{CacheRoot: "/flag/cache"})
	assert.Equal(t, "/flag/cache", r.CacheRoot, "flag beats env")
}

func TestResolvePrefetchDisabledOverride(t *testing.T) {
	disabled := false
	r := Resolve(&AppConfig{}, Overrides{PrefetchEnabled: &disabled})
	assert.False(t, r.PrefetchEnabled)
}
