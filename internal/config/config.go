package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/kenneth/etcr-vault/internal/container"
	cryptoutil "github.com/kenneth/etcr-vault/internal/crypto"
)

// Config holds the complete application configuration.
type Config struct {
	ListenAddr string   `yaml:"listen_addr" env:"ETCR_LISTEN_ADDR"`
	LogLevel   string   `yaml:"log_level" env:"ETCR_LOG_LEVEL"`
	LogFormat  string   `yaml:"log_format" env:"ETCR_LOG_FORMAT"` // json or text
	Policies   []string `yaml:"policies" env:"ETCR_POLICIES"`     // glob patterns for policy files

	Vault     VaultConfig     `yaml:"vault"`
	Keystore  KeystoreConfig  `yaml:"keystore"`
	Remote    RemoteConfig    `yaml:"remote"`
	Audit     AuditConfig     `yaml:"audit"`
	TLS       TLSConfig       `yaml:"tls"`
	Server    ServerConfig    `yaml:"server"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// VaultConfig holds the local container store configuration.
type VaultConfig struct {
	Dir              string `yaml:"dir" env:"ETCR_VAULT_DIR"`
	DefaultAlgorithm string `yaml:"default_algorithm" env:"ETCR_VAULT_DEFAULT_ALGORITHM"`
	DeleteOriginals  bool   `yaml:"delete_originals" env:"ETCR_VAULT_DELETE_ORIGINALS"` // Remove source files after the container is verified on disk
	BackupDir        string `yaml:"backup_dir" env:"ETCR_VAULT_BACKUP_DIR"`             // User-visible container copies land here when set
}

// KeystoreConfig holds DEK store configuration.
type KeystoreConfig struct {
	Dir            string `yaml:"dir" env:"ETCR_KEYSTORE_DIR"`
	Watch          bool   `yaml:"watch" env:"ETCR_KEYSTORE_WATCH"`                     // Reload key records when the directory changes
	KDFConcurrency int    `yaml:"kdf_concurrency" env:"ETCR_KEYSTORE_KDF_CONCURRENCY"` // Concurrent passphrase derivations; 0 uses the store default
}

// RemoteConfig holds replication configuration.
type RemoteConfig struct {
	Enabled       bool   `yaml:"enabled" env:"ETCR_REMOTE_ENABLED"`
	Backend       string `yaml:"backend" env:"ETCR_REMOTE_BACKEND"` // s3 or drive
	UserID        string `yaml:"user_id" env:"ETCR_REMOTE_USER_ID"` // Generated and persisted on first use when empty
	KeyPassphrase string `yaml:"key_passphrase" env:"ETCR_REMOTE_KEY_PASSPHRASE"`
	Workers       int    `yaml:"workers" env:"ETCR_REMOTE_WORKERS"`
	QueueSize     int    `yaml:"queue_size" env:"ETCR_REMOTE_QUEUE_SIZE"`

	S3    S3Config    `yaml:"s3"`
	Drive DriveConfig `yaml:"drive"`
}

// S3Config holds the S3 replication backend configuration.
type S3Config struct {
	Bucket       string `yaml:"bucket" env:"ETCR_REMOTE_S3_BUCKET"`
	Region       string `yaml:"region" env:"ETCR_REMOTE_S3_REGION"`
	Endpoint     string `yaml:"endpoint" env:"ETCR_REMOTE_S3_ENDPOINT"` // Leave empty for AWS, set for any S3-compatible endpoint
	AccessKey    string `yaml:"access_key" env:"ETCR_REMOTE_S3_ACCESS_KEY"`
	SecretKey    string `yaml:"secret_key" env:"ETCR_REMOTE_S3_SECRET_KEY"`
	UsePathStyle bool   `yaml:"use_path_style" env:"ETCR_REMOTE_S3_USE_PATH_STYLE"`
}

// DriveConfig holds the Google Drive replication backend configuration.
type DriveConfig struct {
	CredentialsFile string        `yaml:"credentials_file" env:"ETCR_REMOTE_DRIVE_CREDENTIALS_FILE"`
	TokenFile       string        `yaml:"token_file" env:"ETCR_REMOTE_DRIVE_TOKEN_FILE"` // OAuth token JSON for user-account access; empty means service account
	RootFolderID    string        `yaml:"root_folder_id" env:"ETCR_REMOTE_DRIVE_ROOT_FOLDER_ID"`
	FolderCacheTTL  time.Duration `yaml:"folder_cache_ttl" env:"ETCR_REMOTE_DRIVE_FOLDER_CACHE_TTL"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool `yaml:"enabled" env:"ETCR_AUDIT_ENABLED"`
	MaxEvents int  `yaml:"max_events" env:"ETCR_AUDIT_MAX_EVENTS"` // Max events to keep in memory
}

// TLSConfig holds TLS configuration.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ETCR_TLS_ENABLED"`
	CertFile string `yaml:"cert_file" env:"ETCR_TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"ETCR_TLS_KEY_FILE"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"ETCR_SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"ETCR_SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"ETCR_SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"ETCR_SERVER_READ_HEADER_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"ETCR_SERVER_MAX_HEADER_BYTES"`
	MaxUploadBytes    int64         `yaml:"max_upload_bytes" env:"ETCR_SERVER_MAX_UPLOAD_BYTES"` // Largest file accepted over the API
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"ETCR_RATE_LIMIT_ENABLED"`
	Limit   int           `yaml:"limit" env:"ETCR_RATE_LIMIT_REQUESTS"`
	Window  time.Duration `yaml:"window" env:"ETCR_RATE_LIMIT_WINDOW"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled         bool    `yaml:"enabled" env:"ETCR_TRACING_ENABLED"`
	ServiceName     string  `yaml:"service_name" env:"ETCR_TRACING_SERVICE_NAME"`
	ServiceVersion  string  `yaml:"service_version" env:"ETCR_TRACING_SERVICE_VERSION"`
	Exporter        string  `yaml:"exporter" env:"ETCR_TRACING_EXPORTER"` // stdout or otlp
	OTLPEndpoint    string  `yaml:"otlp_endpoint" env:"ETCR_TRACING_OTLP_ENDPOINT"`
	SamplingRatio   float64 `yaml:"sampling_ratio" env:"ETCR_TRACING_SAMPLING_RATIO"` // 0.0-1.0
	RedactSensitive bool    `yaml:"redact_sensitive" env:"ETCR_TRACING_REDACT_SENSITIVE"`
}

// DefaultConfig returns the built-in defaults. Vault and key directories
// land under the user's home directory.
func DefaultConfig() *Config {
	base := ".etcr"
	if home, err := os.UserHomeDir(); err == nil {
		base = filepath.Join(home, ".etcr")
	}

	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		LogFormat:  "json",
		Vault: VaultConfig{
			Dir:              filepath.Join(base, "vault"),
			DefaultAlgorithm: "AES-256-GCM",
		},
		Keystore: KeystoreConfig{
			Dir:   filepath.Join(base, "keys"),
			Watch: true,
		},
		Remote: RemoteConfig{
			Backend:   "s3",
			Workers:   2,
			QueueSize: 64,
			S3: S3Config{
				Region: "us-east-1",
			},
			Drive: DriveConfig{
				FolderCacheTTL: 5 * time.Minute,
			},
		},
		Audit: AuditConfig{
			Enabled:   true,
			MaxEvents: 10000,
		},
		Server: ServerConfig{
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1MB
			MaxUploadBytes:    256 << 20,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Limit:   100,
			Window:  60 * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:         false,
			ServiceName:     "etcr-vaultd",
			ServiceVersion:  "dev",
			Exporter:        "stdout",
			SamplingRatio:   1.0,
			RedactSensitive: true,
		},
	}
}

// LoadConfig loads configuration from a file and environment variables.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	// Load from file if provided
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	loadFromEnv(config)

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	if v := os.Getenv("ETCR_LISTEN_ADDR"); v != "" {
		config.ListenAddr = v
	}
	if v := os.Getenv("ETCR_LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	if v := os.Getenv("ETCR_LOG_FORMAT"); v != "" {
		config.LogFormat = v
	}
	if v := os.Getenv("ETCR_POLICIES"); v != "" {
		// Comma-separated list of policy file patterns
		config.Policies = strings.Split(v, ",")
		for i := range config.Policies {
			config.Policies[i] = strings.TrimSpace(config.Policies[i])
		}
	}
	if v := os.Getenv("ETCR_VAULT_DIR"); v != "" {
		config.Vault.Dir = v
	}
	if v := os.Getenv("ETCR_VAULT_DEFAULT_ALGORITHM"); v != "" {
		config.Vault.DefaultAlgorithm = v
	}
	if v := os.Getenv("ETCR_VAULT_DELETE_ORIGINALS"); v != "" {
		config.Vault.DeleteOriginals = v == "true" || v == "1"
	}
	if v := os.Getenv("ETCR_VAULT_BACKUP_DIR"); v != "" {
		config.Vault.BackupDir = v
	}
	if v := os.Getenv("ETCR_KEYSTORE_DIR"); v != "" {
		config.Keystore.Dir = v
	}
	if v := os.Getenv("ETCR_KEYSTORE_WATCH"); v != "" {
		config.Keystore.Watch = v == "true" || v == "1"
	}
	if v := os.Getenv("ETCR_KEYSTORE_KDF_CONCURRENCY"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			config.Keystore.KDFConcurrency = n
		}
	}
	if v := os.Getenv("ETCR_REMOTE_ENABLED"); v != "" {
		config.Remote.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ETCR_REMOTE_BACKEND"); v != "" {
		config.Remote.Backend = v
	}
	if v := os.Getenv("ETCR_REMOTE_USER_ID"); v != "" {
		config.Remote.UserID = v
	}
	if v := os.Getenv("ETCR_REMOTE_KEY_PASSPHRASE"); v != "" {
		config.Remote.KeyPassphrase = v
	}
	if v := os.Getenv("ETCR_REMOTE_WORKERS"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			config.Remote.Workers = n
		}
	}
	if v := os.Getenv("ETCR_REMOTE_QUEUE_SIZE"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			config.Remote.QueueSize = n
		}
	}
	if v := os.Getenv("ETCR_REMOTE_S3_BUCKET"); v != "" {
		config.Remote.S3.Bucket = v
	}
	if v := os.Getenv("ETCR_REMOTE_S3_REGION"); v != "" {
		config.Remote.S3.Region = v
	}
	if v := os.Getenv("ETCR_REMOTE_S3_ENDPOINT"); v != "" {
		config.Remote.S3.Endpoint = v
	}
	if v := os.Getenv("ETCR_REMOTE_S3_ACCESS_KEY"); v != "" {
		config.Remote.S3.AccessKey = v
	}
	if v := os.Getenv("ETCR_REMOTE_S3_SECRET_KEY"); v != "" {
		config.Remote.S3.SecretKey = v
	}
	if v := os.Getenv("ETCR_REMOTE_S3_USE_PATH_STYLE"); v != "" {
		config.Remote.S3.UsePathStyle = v == "true" || v == "1"
	}
	if v := os.Getenv("ETCR_REMOTE_DRIVE_CREDENTIALS_FILE"); v != "" {
		config.Remote.Drive.CredentialsFile = v
	}
	if v := os.Getenv("ETCR_REMOTE_DRIVE_TOKEN_FILE"); v != "" {
		config.Remote.Drive.TokenFile = v
	}
	if v := os.Getenv("ETCR_REMOTE_DRIVE_ROOT_FOLDER_ID"); v != "" {
		config.Remote.Drive.RootFolderID = v
	}
	if v := os.Getenv("ETCR_REMOTE_DRIVE_FOLDER_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Remote.Drive.FolderCacheTTL = d
		}
	}
	if v := os.Getenv("ETCR_AUDIT_ENABLED"); v != "" {
		config.Audit.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ETCR_AUDIT_MAX_EVENTS"); v != "" {
		var maxEvents int
		if _, err := fmt.Sscanf(v, "%d", &maxEvents); err == nil && maxEvents > 0 {
			config.Audit.MaxEvents = maxEvents
		}
	}
	if v := os.Getenv("ETCR_TLS_ENABLED"); v != "" {
		config.TLS.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ETCR_TLS_CERT_FILE"); v != "" {
		config.TLS.CertFile = v
	}
	if v := os.Getenv("ETCR_TLS_KEY_FILE"); v != "" {
		config.TLS.KeyFile = v
	}
	if v := os.Getenv("ETCR_SERVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.ReadTimeout = d
		}
	}
	if v := os.Getenv("ETCR_SERVER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.WriteTimeout = d
		}
	}
	if v := os.Getenv("ETCR_SERVER_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.IdleTimeout = d
		}
	}
	if v := os.Getenv("ETCR_SERVER_READ_HEADER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.ReadHeaderTimeout = d
		}
	}
	if v := os.Getenv("ETCR_SERVER_MAX_HEADER_BYTES"); v != "" {
		var maxBytes int
		if _, err := fmt.Sscanf(v, "%d", &maxBytes); err == nil && maxBytes > 0 {
			config.Server.MaxHeaderBytes = maxBytes
		}
	}
	if v := os.Getenv("ETCR_SERVER_MAX_UPLOAD_BYTES"); v != "" {
		var maxBytes int64
		if _, err := fmt.Sscanf(v, "%d", &maxBytes); err == nil && maxBytes > 0 {
			config.Server.MaxUploadBytes = maxBytes
		}
	}
	if v := os.Getenv("ETCR_RATE_LIMIT_ENABLED"); v != "" {
		config.RateLimit.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ETCR_RATE_LIMIT_REQUESTS"); v != "" {
		var limit int
		if _, err := fmt.Sscanf(v, "%d", &limit); err == nil && limit > 0 {
			config.RateLimit.Limit = limit
		}
	}
	if v := os.Getenv("ETCR_RATE_LIMIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.RateLimit.Window = d
		}
	}
	if v := os.Getenv("ETCR_TRACING_ENABLED"); v != "" {
		config.Tracing.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ETCR_TRACING_SERVICE_NAME"); v != "" {
		config.Tracing.ServiceName = v
	}
	if v := os.Getenv("ETCR_TRACING_SERVICE_VERSION"); v != "" {
		config.Tracing.ServiceVersion = v
	}
	if v := os.Getenv("ETCR_TRACING_EXPORTER"); v != "" {
		config.Tracing.Exporter = v
	}
	if v := os.Getenv("ETCR_TRACING_OTLP_ENDPOINT"); v != "" {
		config.Tracing.OTLPEndpoint = v
	}
	if v := os.Getenv("ETCR_TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}
	if v := os.Getenv("ETCR_TRACING_REDACT_SENSITIVE"); v != "" {
		config.Tracing.RedactSensitive = v == "true" || v == "1"
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	if c.LogFormat != "" && c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("invalid log_format: %s (must be json or text)", c.LogFormat)
	}

	if c.Vault.Dir == "" {
		return fmt.Errorf("vault.dir is required")
	}
	if c.Keystore.Dir == "" {
		return fmt.Errorf("keystore.dir is required")
	}

	if name := strings.TrimSpace(c.Vault.DefaultAlgorithm); name != "" {
		alg, err := container.ParseAlgorithm(name)
		if err != nil {
			return fmt.Errorf("invalid vault.default_algorithm: %s", name)
		}
		if !alg.Encryptable() {
			return fmt.Errorf("vault.default_algorithm %s is decrypt-only", name)
		}
	}

	if c.Remote.Enabled {
		switch c.Remote.Backend {
		case "s3":
			if c.Remote.S3.Bucket == "" {
				return fmt.Errorf("remote.s3.bucket is required when the s3 backend is enabled")
			}
		case "drive":
			if c.Remote.Drive.CredentialsFile == "" {
				return fmt.Errorf("remote.drive.credentials_file is required when the drive backend is enabled")
			}
		default:
			return fmt.Errorf("invalid remote.backend: %s (must be s3 or drive)", c.Remote.Backend)
		}
		if c.Remote.KeyPassphrase != "" {
			if err := cryptoutil.CheckPassphrase(c.Remote.KeyPassphrase); err != nil {
				return fmt.Errorf("remote.key_passphrase: %w", err)
			}
		}
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		validExporters := map[string]bool{
			"stdout": true,
			"otlp":   true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
		}
	}

	return nil
}

// EnsureUserID returns the remote user id, minting a fresh one and
// persisting it under the vault directory on first use.
func EnsureUserID(c *Config) (string, error) {
	if c.Remote.UserID != "" {
		return c.Remote.UserID, nil
	}

	idPath := filepath.Join(c.Vault.Dir, "user.id")
	data, err := os.ReadFile(idPath)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			c.Remote.UserID = id
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read user id file %s: %w", idPath, err)
	}

	raw := uuid.New()
	id := hex.EncodeToString(raw[:])
	if err := os.MkdirAll(c.Vault.Dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create vault directory %s: %w", c.Vault.Dir, err)
	}
	if err := os.WriteFile(idPath, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist user id %s: %w", idPath, err)
	}
	c.Remote.UserID = id
	return id, nil
}
