package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir moves into an empty directory so no stray .env or config.yaml is read.
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t)
	t.Setenv("GOOGLE_API_KEY", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, int64(10<<20), cfg.Upload.MaxFileBytes)
	assert.Equal(t, 100, cfg.Upload.BatchSize)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, AuthHeader, cfg.Auth.Mode)
	assert.Equal(t, "X-Principal-ID", cfg.Auth.Header)
	assert.False(t, cfg.Insights.Enabled())
	assert.Equal(t, 3, cfg.Jobs.MaxRetries)
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdir(t)
	t.Setenv("SMEI_UPLOAD_BATCH_SIZE", "25")
	t.Setenv("SMEI_STORE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/db")
	t.Setenv("SMEI_JOBS_RETRY_DELAY", "250ms")
	t.Setenv("SMEI_INSIGHTS_API_KEY", "k")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Upload.BatchSize)
	assert.Equal(t, BackendPostgres, cfg.Store.Backend)
	assert.Equal(t, "postgres://u:p@localhost/db", cfg.Store.Postgres.DSN)
	assert.Equal(t, 250*time.Millisecond, cfg.Jobs.RetryDelay)
	assert.True(t, cfg.Insights.Enabled())
}

func TestLoad_FileAndDotEnv(t *testing.T) {
	dir := chdir(t)

	yaml := "store:\n  backend: sqlite\n  sqlite:\n    path: /tmp/x.db\nlog:\n  level: debug\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SMEI_LOG_FORMAT=json\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("SMEI_LOG_FORMAT") })

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, "/tmp/x.db", cfg.Store.SQLite.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_ExplicitFileMissing(t *testing.T) {
	chdir(t)
	_, err := Load("does-not-exist.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	chdir(t)

	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "unknown backend", env: map[string]string{"SMEI_STORE_BACKEND": "mongo"}},
		{name: "postgres without dsn", env: map[string]string{"SMEI_STORE_BACKEND": "postgres"}},
		{name: "bigquery without project", env: map[string]string{"SMEI_STORE_BACKEND": "bigquery"}},
		{name: "tokens mode without tokens", env: map[string]string{"SMEI_AUTH_MODE": "tokens"}},
		{name: "bad batch size", env: map[string]string{"SMEI_UPLOAD_BATCH_SIZE": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestTokenMap(t *testing.T) {
	m, err := AuthConfig{Tokens: " abc=user-1, def = user-2 ,"}.TokenMap()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"abc": "user-1", "def": "user-2"}, m)

	_, err = AuthConfig{Tokens: "abc"}.TokenMap()
	assert.Error(t, err)
}
