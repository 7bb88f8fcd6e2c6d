package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestFromLookup_Defaults(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(nil))
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.DBHost)
	assert.Equal(t, "postgres", cfg.DBUser)
	assert.Equal(t, "", cfg.DBPassword)
	assert.Equal(t, "machine_data", cfg.DBName)
	assert.Equal(t, "127.0.0.1", cfg.ServerHost)
	assert.Equal(t, uint16(8080), cfg.ServerPort)
	assert.Equal(t, uint16(5432), cfg.DBPort)
	assert.Equal(t, int32(16), cfg.MaxConns)
	assert.Zero(t, cfg.AcquireTimeout)
	assert.Zero(t, cfg.QueryTimeout)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, []string{"power", "state_change", "error"}, cfg.Export.SignalTypes)
	assert.Equal(t, DefaultExportLimit, cfg.Export.Limit)
	assert.False(t, cfg.Export.Enabled())
}

func TestFromLookup_Overrides(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(map[string]string{
		"DB_HOST":              "db.internal",
		"DB_PORT":              "6543",
		"DB_USER":              "reader",
		"DB_PASSWORD":          "s3cr3t",
		"DB_NAME":              "plant",
		"SERVER_HOST":          "0.0.0.0",
		"SERVER_PORT":          "9000",
		"DB_MAX_CONNS":         "4",
		"DB_ACQUIRE_TIMEOUT":   "250ms",
		"DB_QUERY_TIMEOUT":     "2s",
		"LOG_LEVEL":            "debug",
		"R2_ENDPOINT":          "https://r2.example.com",
		"R2_ACCESS_KEY_ID":     "id",
		"R2_SECRET_ACCESS_KEY": "key",
		"R2_BUCKET":            "plant-archive",
		"EXPORT_SIGNAL_TYPES":  " power , ,temp",
		"EXPORT_LIMIT":         "50",
	}))
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.DBHost)
	assert.Equal(t, uint16(6543), cfg.DBPort)
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr())
	assert.Equal(t, int32(4), cfg.MaxConns)
	assert.Equal(t, 250*time.Millisecond, cfg.AcquireTimeout)
	assert.Equal(t, 2*time.Second, cfg.QueryTimeout)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.True(t, cfg.Export.Enabled())
	assert.Equal(t, "plant-archive", cfg.Export.Bucket)
	assert.Equal(t, []string{"power", "temp"}, cfg.Export.SignalTypes)
	assert.Equal(t, 50, cfg.Export.Limit)
}

func TestFromLookup_InvalidServerPort(t *testing.T) {
	tests := []string{"", "http", "-1", "65536", "80.5"}
	for _, raw := range tests {
		t.Run(raw, func(t *testing.T) {
			_, err := FromLookup(lookupFrom(map[string]string{"SERVER_PORT": raw}))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid port number")
			assert.Contains(t, err.Error(), "SERVER_PORT")
		})
	}
}

func TestFromLookup_PortBounds(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(map[string]string{"SERVER_PORT": "65535"}))
	require.NoError(t, err)
	assert.Equal(t, uint16(65535), cfg.ServerPort)

	cfg, err = FromLookup(lookupFrom(map[string]string{"SERVER_PORT": "0"}))
	require.NoError(t, err)
	assert.Equal(t, uint16(0), cfg.ServerPort)
}

func TestFromLookup_InvalidExtensions(t *testing.T) {
	tests := map[string]map[string]string{
		"max conns zero":   {"DB_MAX_CONNS": "0"},
		"max conns text":   {"DB_MAX_CONNS": "many"},
		"max conns wraps":  {"DB_MAX_CONNS": "4294967297"},
		"max conns int32":  {"DB_MAX_CONNS": "2147483648"},
		"export limit big": {"EXPORT_LIMIT": "99999999999"},
		"acquire timeout":  {"DB_ACQUIRE_TIMEOUT": "soon"},
		"negative timeout": {"DB_QUERY_TIMEOUT": "-1s"},
		"log level":        {"LOG_LEVEL": "chatty"},
		"db port":          {"DB_PORT": "99999"},
		"export limit":     {"EXPORT_LIMIT": "-3"},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := FromLookup(lookupFrom(env))
			assert.Error(t, err)
		})
	}
}

func TestDatabaseURL(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(map[string]string{
		"DB_HOST":     "db",
		"DB_USER":     "reader",
		"DB_PASSWORD": "p@ss/word",
		"DB_NAME":     "machine_data",
	}))
	require.NoError(t, err)

	assert.Equal(t, "postgres://reader:p%40ss%2Fword@db:5432/machine_data", cfg.DatabaseURL())
	assert.Equal(t, "postgres://reader:xxxxx@db:5432/machine_data", cfg.RedactedDatabaseURL())
}

func TestDatabaseURL_NoPassword(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(nil))
	require.NoError(t, err)
	assert.Equal(t, "postgres://postgres@localhost:5432/machine_data", cfg.DatabaseURL())
}

func TestDatabaseURL_UnixSocket(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(map[string]string{
		"DB_HOST":     "/var/run/postgresql",
		"DB_PASSWORD": "secret",
	}))
	require.NoError(t, err)

	parsed, err := pgx.ParseConfig(cfg.DatabaseURL())
	require.NoError(t, err)
	assert.Equal(t, "/var/run/postgresql", parsed.Host)
	assert.Equal(t, uint16(5432), parsed.Port)
	assert.Equal(t, "postgres", parsed.User)
	assert.Equal(t, "secret", parsed.Password)
	assert.Equal(t, "machine_data", parsed.Database)
	assert.NotContains(t, cfg.RedactedDatabaseURL(), "secret")
}

func TestDatabaseURL_ParsesAsPgxConfig(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(map[string]string{"DB_HOST": "db.internal", "DB_PORT": "6543"}))
	require.NoError(t, err)

	parsed, err := pgx.ParseConfig(cfg.DatabaseURL())
	require.NoError(t, err)
	assert.Equal(t, "db.internal", parsed.Host)
	assert.Equal(t, uint16(6543), parsed.Port)
}

func TestFromLookup_MaxConnsUpperBound(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(map[string]string{"DB_MAX_CONNS": "2147483647"}))
	require.NoError(t, err)
	assert.Equal(t, int32(2147483647), cfg.MaxConns)
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("DB_NAME=from_file\nSERVER_PORT=9191\n"), 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	// The real environment wins over the file.
	t.Setenv("SERVER_PORT", "9292")
	t.Setenv("DB_NAME", "")
	require.NoError(t, os.Unsetenv("DB_NAME"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from_file", cfg.DBName)
	assert.Equal(t, uint16(9292), cfg.ServerPort)
}

func TestLoad_NoDotEnvFile(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	t.Setenv("SERVER_PORT", "8181")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, uint16(8181), cfg.ServerPort)
}
