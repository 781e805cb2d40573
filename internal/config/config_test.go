package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, filepath.Join("data", "fiscalsync.db"), cfg.DatabasePath())
	assert.Equal(t, filepath.Join("data", "tmp"), cfg.TempDir())
}

func TestNormalizeExtensions(t *testing.T) {
	got := normalizeExtensions([]string{"XML", ".pdf", "xml", "  .ZIP", ""})
	assert.Equal(t, []string{".xml", ".pdf", ".zip"}, got)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "not_exists.yml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Remote, cfg.Remote)

	_, err = Load("")
	assert.Error(t, err)
}

func TestLoadReadsDurationsAndNestedSections(t *testing.T) {
	path := writeConfig(t, `
port: 9090
data_dir: /var/lib/fiscalsync
secret_key: s3cret
log:
  level: DEBUG
remote:
  base_url: https://upload.example.com/api
  origin: https://app.example.com
  timeout: 45s
  requests_per_second: 2
  burst: 1
auth:
  token_lifetime: 2h
  refresh_margin: 10m
  sign_in_attempts: 3
  sign_in_delay: 1s
retry:
  max_attempts: 5
  initial_delay: 500ms
  multiplier: 3
  max_delay: 1m
jobs:
  pause_poll_interval: 250ms
  resume_limit: 2
discovery:
  document_extensions: [XML, pdf]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 45*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, 2*time.Hour, cfg.Auth.TokenLifetime)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, 250*time.Millisecond, cfg.Jobs.PausePollInterval)
	assert.Equal(t, 2, cfg.Jobs.ResumeLimit)
	assert.Equal(t, []string{".xml", ".pdf"}, cfg.Discovery.DocumentExtensions)
	assert.Equal(t, []string{".pfx"}, cfg.Discovery.CertificateExtensions)
	assert.Equal(t, "/var/lib/fiscalsync/fiscalsync.db", cfg.DatabasePath())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"attempts":     "retry:\n  max_attempts: 0\n",
		"margin":       "auth:\n  token_lifetime: 1m\n  refresh_margin: 2m\n",
		"level":        "log:\n  level: loud\n",
		"url":          "remote:\n  base_url: not a url\n",
		"max delay":    "retry:\n  initial_delay: 10s\n  max_delay: 1s\n",
		"yaml":         "port: [\n",
		"extensions":   "discovery:\n  certificate_extensions: []\n",
		"resume limit": "jobs:\n  resume_limit: -1\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"FISCALSYNC_SECRET_KEY":       "from-env",
		"FISCALSYNC_PROVIDER_API_KEY": "key",
		"FISCALSYNC_PORT":             "7070",
	}
	cfg := Default()
	require.NoError(t, applyEnv(&cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	assert.Equal(t, "from-env", cfg.SecretKey)
	assert.Equal(t, "key", cfg.Provider.APIKey)
	assert.Equal(t, 7070, cfg.Port)

	bad := Default()
	err := applyEnv(&bad, func(k string) (string, bool) {
		if k == "FISCALSYNC_PORT" {
			return "eighty", true
		}
		return "", false
	})
	assert.Error(t, err)
}

func TestLoadUsesProcessEnv(t *testing.T) {
	t.Setenv("FISCALSYNC_SECRET_KEY", "process-env")
	cfg, err := Load(writeConfig(t, "port: 8081\n"))
	require.NoError(t, err)
	assert.Equal(t, "process-env", cfg.SecretKey)
	assert.Equal(t, 8081, cfg.Port)
}
