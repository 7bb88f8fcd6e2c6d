// Package config resolves the accessor's settings from the environment.
// Every variable is optional; unset variables fall back to fixed defaults.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Default values, applied when the matching variable is unset.
const (
	DefaultDBHost        = "localhost"
	DefaultDBPort        = 5432
	DefaultDBUser        = "postgres"
	DefaultDBPassword    = ""
	DefaultDBName        = "machine_data"
	DefaultServerHost    = "127.0.0.1"
	DefaultServerPort    = 8080
	DefaultMaxConns      = 16
	DefaultR2Bucket      = "machine-signals"
	DefaultExportLimit   = 1000
	DefaultExportSignals = "power,state_change,error"
)

// Config holds everything the accessor reads from the environment.
type Config struct {
	DBHost     string
	DBPort     uint16
	DBUser     string
	DBPassword string
	DBName     string

	ServerHost string
	ServerPort uint16

	// MaxConns caps the number of concurrently open database sessions.
	MaxConns int32

	// AcquireTimeout and QueryTimeout bound waiting for a pooled session and
	// running the query. Zero leaves them unbounded, which is the default:
	// operators are expected to put their own limits in front of the service.
	AcquireTimeout time.Duration
	QueryTimeout   time.Duration

	LogLevel slog.Level

	Export ExportConfig
}

// ExportConfig controls the Parquet snapshot export to R2/S3.
type ExportConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	SignalTypes     []string
	Limit           int
}

// Enabled reports whether object storage credentials are present.
func (e ExportConfig) Enabled() bool {
	return e.Endpoint != "" && e.AccessKeyID != "" && e.SecretAccessKey != ""
}

// Load reads an optional .env file from the working directory and then
// resolves the configuration from the process environment. Variables already
// set in the environment take precedence over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup resolves the configuration through lookup, which has the
// signature of os.LookupEnv.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok {
			return v
		}
		return def
	}

	cfg := &Config{
		DBHost:     get("DB_HOST", DefaultDBHost),
		DBUser:     get("DB_USER", DefaultDBUser),
		DBPassword: get("DB_PASSWORD", DefaultDBPassword),
		DBName:     get("DB_NAME", DefaultDBName),
		ServerHost: get("SERVER_HOST", DefaultServerHost),
		Export: ExportConfig{
			Endpoint:        get("R2_ENDPOINT", ""),
			AccessKeyID:     get("R2_ACCESS_KEY_ID", ""),
			SecretAccessKey: get("R2_SECRET_ACCESS_KEY", ""),
			Bucket:          get("R2_BUCKET", DefaultR2Bucket),
			SignalTypes:     splitList(get("EXPORT_SIGNAL_TYPES", DefaultExportSignals)),
		},
	}

	var err error
	if cfg.ServerPort, err = parsePort("SERVER_PORT", get("SERVER_PORT", strconv.Itoa(DefaultServerPort))); err != nil {
		return nil, err
	}
	if cfg.DBPort, err = parsePort("DB_PORT", get("DB_PORT", strconv.Itoa(DefaultDBPort))); err != nil {
		return nil, err
	}

	if cfg.MaxConns, err = parsePositive("DB_MAX_CONNS", get("DB_MAX_CONNS", strconv.Itoa(DefaultMaxConns))); err != nil {
		return nil, err
	}
	exportLimit, err := parsePositive("EXPORT_LIMIT", get("EXPORT_LIMIT", strconv.Itoa(DefaultExportLimit)))
	if err != nil {
		return nil, err
	}
	cfg.Export.Limit = int(exportLimit)
	if cfg.AcquireTimeout, err = parseDuration("DB_ACQUIRE_TIMEOUT", get("DB_ACQUIRE_TIMEOUT", "0")); err != nil {
		return nil, err
	}
	if cfg.QueryTimeout, err = parseDuration("DB_QUERY_TIMEOUT", get("DB_QUERY_TIMEOUT", "0")); err != nil {
		return nil, err
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(get("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}

	return cfg, nil
}

// ListenAddr is the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ServerHost, strconv.Itoa(int(c.ServerPort)))
}

// DatabaseURL is the postgres:// URL for the configured database.
func (c *Config) DatabaseURL() string {
	return c.databaseURL().String()
}

// RedactedDatabaseURL is DatabaseURL with the password masked, for logs.
func (c *Config) RedactedDatabaseURL() string {
	return c.databaseURL().Redacted()
}

// databaseURL puts a Unix socket directory (DB_HOST starting with "/") in
// the host query parameter, where the URL authority cannot carry it.
func (c *Config) databaseURL() *url.URL {
	u := &url.URL{
		Scheme: "postgres",
		Path:   "/" + c.DBName,
	}
	port := strconv.Itoa(int(c.DBPort))
	if strings.HasPrefix(c.DBHost, "/") {
		u.RawQuery = url.Values{"host": {c.DBHost}, "port": {port}}.Encode()
	} else {
		u.Host = net.JoinHostPort(c.DBHost, port)
	}
	if c.DBPassword != "" {
		u.User = url.UserPassword(c.DBUser, c.DBPassword)
	} else {
		u.User = url.User(c.DBUser)
	}
	return u
}

func parsePort(key, raw string) (uint16, error) {
	port, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("config: invalid port number %s=%q: %w", key, raw, err)
	}
	return uint16(port), nil
}

// parsePositive accepts a positive integer that fits in int32.
func parsePositive(key, raw string) (int32, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q: %w", key, raw, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("config: %s=%d must be positive", key, n)
	}
	return int32(n), nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q: %w", key, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: %s must not be negative", key)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
