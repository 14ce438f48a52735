package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
listen: 0.0.0.0:9000
data_dir: /srv/siteward
nginx:
  sudo: false
  enable_command: [/usr/local/bin/enable-site]
probe:
  timeout: 5s
cloudflare:
  enabled: true
  zone_id: abc
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, "/srv/siteward/sites.json", cfg.SitesFile())
	assert.False(t, cfg.Nginx.Sudo)
	assert.Equal(t, []string{"/usr/local/bin/enable-site"}, cfg.Nginx.EnableCommand)
	assert.Equal(t, 5*time.Second, cfg.Probe.Timeout)
	assert.True(t, cfg.Cloudflare.Enabled)

	// Unset fields keep their defaults.
	assert.Equal(t, "/var/log/siteward", cfg.LogDir)
	assert.Equal(t, "/etc/nginx/sites-enabled", cfg.Nginx.EnabledDir)
	assert.Equal(t, "main", cfg.Git.Branch)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SITEWARD_LISTEN", ":8088")
	t.Setenv("SITEWARD_SUDO", "false")
	t.Setenv("SITEWARD_GIT_BRANCH", "production")
	t.Setenv("SITEWARD_PROBE_TIMEOUT", "750ms")
	t.Setenv("SITEWARD_ENABLE_COMMAND", "/opt/bin/enable --reload")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: 127.0.0.1:1\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8088", cfg.Listen)
	assert.False(t, cfg.Nginx.Sudo)
	assert.Equal(t, "production", cfg.Git.Branch)
	assert.Equal(t, 750*time.Millisecond, cfg.Probe.Timeout)
	assert.Equal(t, []string{"/opt/bin/enable", "--reload"}, cfg.Nginx.EnableCommand)
}

func TestLoadExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [\n"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.DataDir = "relative/dir"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Probe.Timeout = 0
	assert.Error(t, cfg.Validate())
}
