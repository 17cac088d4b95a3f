package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8787", cfg.Addr)
	assert.Equal(t, 15*time.Minute, cfg.AccessTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.RefreshTTL)
	assert.Equal(t, "world-assets", cfg.S3Bucket)
	assert.Equal(t, "gemini-2.5-flash", cfg.GeminiModel)
	assert.Empty(t, cfg.RedisURL)
	assert.False(t, cfg.StorageConfigured())
	assert.Equal(t, "./data/repos", cfg.ReposDir)
	assert.Equal(t, "587", cfg.SMTPPort)
}

func TestLoadSMTPAndReposFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("REALMFORGE_REPOS_DIR", "/var/lib/realmforge/repos")
	t.Setenv("REALMFORGE_SMTP_USERNAME", "mailer")
	t.Setenv("REALMFORGE_SMTP_FROM_NAME", "RealmForge Studio")
	t.Setenv("REALMFORGE_MEILI_MASTER_KEY", "meili-key")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/realmforge/repos", cfg.ReposDir)
	assert.Equal(t, "mailer", cfg.SMTPUsername)
	assert.Equal(t, "RealmForge Studio", cfg.SMTPFromName)
	assert.Equal(t, "meili-key", cfg.MeiliMasterKey)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("REALMFORGE_ADDR", ":9999")
	t.Setenv("REALMFORGE_ACCESS_TTL", "5m")
	t.Setenv("REALMFORGE_PUBLIC_BASE_URL", "https://example.test/")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, 5*time.Minute, cfg.AccessTTL)
	assert.Equal(t, "https://example.test", cfg.PublicBaseURL)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "realmforge.yaml")
	contents := "addr: \":7000\"\ns3_endpoint: minio:9000\ns3_access_key: key\ns3_secret_key: secret\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Addr)
	assert.True(t, cfg.StorageConfigured())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsShortRefreshTTL(t *testing.T) {
	cfg := Config{JWTSecret: "s", AccessTTL: time.Hour, RefreshTTL: time.Minute}
	require.Error(t, cfg.Validate())

	cfg.RefreshTTL = 2 * time.Hour
	require.NoError(t, cfg.Validate())
}
