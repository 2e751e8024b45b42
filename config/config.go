package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendS3       = "s3"

	minFrameSize = 1024
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // "stderr", "stdout", "syslog", or a file path
	Format string `toml:"format"` // "json" or "console"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// ServerConfig configures the chat protocol listener.
type ServerConfig struct {
	Addr                string   `toml:"addr"`
	MaxFrameSize        int      `toml:"max_frame_size"` // Largest accepted frame body in bytes
	IdleTimeout         string   `toml:"idle_timeout"`   // Deadline for reading one whole frame
	WriteTimeout        string   `toml:"write_timeout"`
	MaxConnections      int      `toml:"max_connections"`
	MaxConnectionsPerIP int      `toml:"max_connections_per_ip"`
	TrustedNetworks     []string `toml:"trusted_networks"` // CIDRs exempt from the per-IP limit
	ListenBacklog       int      `toml:"listen_backlog"`
	TLS                 bool     `toml:"tls"`
	TLSCertFile         string   `toml:"tls_cert_file"`
	TLSKeyFile          string   `toml:"tls_key_file"`
}

func (s *ServerConfig) GetIdleTimeout() (time.Duration, error) {
	if s.IdleTimeout == "" {
		return 5 * time.Minute, nil
	}
	return time.ParseDuration(s.IdleTimeout)
}

func (s *ServerConfig) GetWriteTimeout() (time.Duration, error) {
	if s.WriteTimeout == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(s.WriteTimeout)
}

type FileStorageConfig struct {
	Path string `toml:"path"`
}

type SQLiteStorageConfig struct {
	Path string `toml:"path"`
}

// PostgresStorageConfig describes the snapshot database.
type PostgresStorageConfig struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	User        string `toml:"user"`
	Password    string `toml:"password"`
	Name        string `toml:"name"`
	TLS         bool   `toml:"tls"`
	MaxConns    int    `toml:"max_conns"`
	AutoMigrate bool   `toml:"auto_migrate"` // Apply embedded migrations when the backend opens
}

// DSN builds a postgres connection string usable by pgx and golang-migrate.
func (p *PostgresStorageConfig) DSN() string {
	sslMode := "disable"
	if p.TLS {
		sslMode = "require"
	}
	port := p.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, port, p.Name, sslMode)
}

// S3StorageConfig holds S3 configuration.
type S3StorageConfig struct {
	Endpoint   string `toml:"endpoint"`
	DisableTLS bool   `toml:"disable_tls"`
	AccessKey  string `toml:"access_key"`
	SecretKey  string `toml:"secret_key"`
	Bucket     string `toml:"bucket"`
	Object     string `toml:"object"` // Object key holding the snapshot
}

// StorageConfig selects where snapshots are kept.
type StorageConfig struct {
	Backend       string                `toml:"backend"`
	FlushInterval string                `toml:"flush_interval"`
	FlushDebounce string                `toml:"flush_debounce"`
	File          FileStorageConfig     `toml:"file"`
	SQLite        SQLiteStorageConfig   `toml:"sqlite"`
	Postgres      PostgresStorageConfig `toml:"postgres"`
	S3            S3StorageConfig       `toml:"s3"`
}

func (s *StorageConfig) GetFlushInterval() (time.Duration, error) {
	if s.FlushInterval == "" {
		return 5 * time.Second, nil
	}
	return time.ParseDuration(s.FlushInterval)
}

func (s *StorageConfig) GetFlushDebounce() (time.Duration, error) {
	if s.FlushDebounce == "" {
		return 250 * time.Millisecond, nil
	}
	return time.ParseDuration(s.FlushDebounce)
}

// SMTPConfig configures the mail-to-chat gateway.
type SMTPConfig struct {
	Start          bool   `toml:"start"`
	Addr           string `toml:"addr"`
	Domain         string `toml:"domain"`
	RequireAuth    bool   `toml:"require_auth"`
	MaxMessageSize string `toml:"max_message_size"` // e.g. "1mb"
	MaxRecipients  int    `toml:"max_recipients"`
}

// GetMaxMessageSize parses sizes like "512kb" or "2mb". A bare number is
// taken as bytes.
func (s *SMTPConfig) GetMaxMessageSize() (int64, error) {
	if s.MaxMessageSize == "" {
		return 1 << 20, nil
	}
	return ParseSize(s.MaxMessageSize)
}

// AdminAPIConfig configures the JSON admin API.
type AdminAPIConfig struct {
	Start          bool     `toml:"start"`
	Addr           string   `toml:"addr"`
	APIKey         string   `toml:"api_key"`
	AllowedHosts   []string `toml:"allowed_hosts"`   // Client IPs or CIDRs; empty allows all
	TrustedProxies []string `toml:"trusted_proxies"` // Peers whose X-Forwarded-For and X-Real-IP are honored
	TLS            bool     `toml:"tls"`
	TLSCertFile    string   `toml:"tls_cert_file"`
	TLSKeyFile     string   `toml:"tls_key_file"`
}

type MetricsConfig struct {
	Start bool   `toml:"start"`
	Addr  string `toml:"addr"`
	Path  string `toml:"path"`
}

// Config holds all configuration for the application.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Server   ServerConfig   `toml:"server"`
	Storage  StorageConfig  `toml:"storage"`
	SMTP     SMTPConfig     `toml:"smtp"`
	AdminAPI AdminAPIConfig `toml:"admin_api"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Server: ServerConfig{
			Addr:                ":5050",
			MaxFrameSize:        1 << 20,
			IdleTimeout:         "5m",
			WriteTimeout:        "30s",
			MaxConnections:      1000,
			MaxConnectionsPerIP: 20,
			TrustedNetworks:     []string{"127.0.0.0/8", "::1/128"},
			ListenBacklog:       1024,
		},
		Storage: StorageConfig{
			Backend:       BackendFile,
			FlushInterval: "5s",
			FlushDebounce: "250ms",
			File:          FileStorageConfig{Path: "chatd.json"},
			SQLite:        SQLiteStorageConfig{Path: "chatd.db"},
			Postgres: PostgresStorageConfig{
				Host:        "localhost",
				Port:        5432,
				User:        "postgres",
				Name:        "chatd",
				MaxConns:    10,
				AutoMigrate: true,
			},
			S3: S3StorageConfig{Object: "snapshot.json"},
		},
		SMTP: SMTPConfig{
			Addr:           ":2525",
			Domain:         "localhost",
			MaxMessageSize: "1mb",
			MaxRecipients:  50,
		},
		AdminAPI: AdminAPIConfig{
			Addr: "127.0.0.1:8080",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
			Path: "/metrics",
		},
	}
}

// Validate reports settings the daemon cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendFile, BackendSQLite, BackendPostgres, BackendS3:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == BackendS3 && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
	}
	if c.Server.MaxFrameSize < minFrameSize {
		return fmt.Errorf("server.max_frame_size must be at least %d bytes, got %d", minFrameSize, c.Server.MaxFrameSize)
	}
	if c.Server.TLS && (c.Server.TLSCertFile == "" || c.Server.TLSKeyFile == "") {
		return fmt.Errorf("server.tls requires tls_cert_file and tls_key_file")
	}
	if c.AdminAPI.Start && c.AdminAPI.APIKey == "" {
		return fmt.Errorf("admin_api.api_key is required when the admin API is started")
	}
	if c.AdminAPI.TLS && (c.AdminAPI.TLSCertFile == "" || c.AdminAPI.TLSKeyFile == "") {
		return fmt.Errorf("admin_api.tls requires tls_cert_file and tls_key_file")
	}
	for name, get := range map[string]func() (time.Duration, error){
		"server.idle_timeout":    c.Server.GetIdleTimeout,
		"server.write_timeout":   c.Server.GetWriteTimeout,
		"storage.flush_interval": c.Storage.GetFlushInterval,
		"storage.flush_debounce": c.Storage.GetFlushDebounce,
	} {
		if _, err := get(); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if _, err := c.SMTP.GetMaxMessageSize(); err != nil {
		return fmt.Errorf("invalid smtp.max_message_size: %w", err)
	}
	return nil
}

// ApplyEnv overrides selected settings from CHATD_* environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv("CHATD_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := getenv("CHATD_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := getenv("CHATD_ADMIN_API_KEY"); v != "" {
		c.AdminAPI.APIKey = v
	}
	if v := getenv("CHATD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// ParseSize accepts a byte count with an optional kb, mb or gb suffix.
func ParseSize(s string) (int64, error) {
	str := strings.ToLower(strings.TrimSpace(s))
	mult := int64(1)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{{"gb", 1 << 30}, {"mb", 1 << 20}, {"kb", 1 << 10}, {"b", 1}} {
		if strings.HasSuffix(str, u.suffix) {
			str = strings.TrimSpace(strings.TrimSuffix(str, u.suffix))
			mult = u.mult
			break
		}
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}

// LoadConfigFromFile decodes the TOML file at configPath over cfg. Unknown
// keys are logged and ignored; a duplicated key keeps its first value.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		if !strings.Contains(err.Error(), "has already been defined") {
			return enhanceConfigError(err)
		}
		log.Printf("WARNING: Configuration file '%s' contains duplicate keys: %v", configPath, err)
		metadata, err = toml.Decode(removeDuplicateKeys(string(content)), cfg)
		if err != nil {
			return enhanceConfigError(err)
		}
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// removeDuplicateKeys comments out every repeat of a section.key pair.
func removeDuplicateKeys(content string) string {
	lines := strings.Split(content, "\n")
	seen := make(map[string]int)
	section := ""

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "" || strings.HasPrefix(trimmed, "#"):
			continue
		case strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"):
			section = strings.Trim(trimmed, "[] ")
			continue
		}
		key, _, ok := strings.Cut(trimmed, "=")
		if !ok {
			continue
		}
		full := section + "." + strings.TrimSpace(key)
		if first, dup := seen[full]; dup {
			log.Printf("WARNING: Duplicate key '%s' at line %d (first at line %d). Ignoring duplicate.", full, i+1, first+1)
			lines[i] = "# DUPLICATE IGNORED: " + line
			continue
		}
		seen[full] = i
	}
	return strings.Join(lines, "\n")
}

func enhanceConfigError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "expected value but found \"f\"") || strings.Contains(msg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: boolean values must be exactly 'true' or 'false'", err)
	}
	if strings.Contains(msg, "expected") || strings.Contains(msg, "invalid") {
		return fmt.Errorf("%w\n\nHINT: there is a syntax error in the configuration file; check quoting and section headers", err)
	}
	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
