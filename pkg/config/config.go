// Package config provides configuration handling for runstream.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "RUNSTREAM_"

// Config represents the application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `json:"server" yaml:"server"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Broker configuration
	Broker BrokerConfig `json:"broker" yaml:"broker"`

	// Auth configuration
	Auth AuthConfig `json:"auth" yaml:"auth"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Redaction configuration
	Redaction RedactionConfig `json:"redaction" yaml:"redaction"`

	// Scheduler configuration
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`

	// Stream gateway configuration
	Stream StreamConfig `json:"stream" yaml:"stream"`

	// Executor configuration
	Executor ExecutorConfig `json:"executor" yaml:"executor"`

	// Credentials available to nodes, keyed by workspace then credential id.
	// Workspace "*" is shared by every workspace.
	Credentials map[string]map[string]CredentialConfig `json:"credentials,omitempty" yaml:"credentials,omitempty"`
}

// Duration is a time.Duration that reads "15s"-style strings or a number of seconds
type Duration time.Duration

// Std returns the standard library duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v interface{}
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v interface{}) error {
	switch t := v.(type) {
	case float64:
		*d = Duration(t * float64(time.Second))
	case int:
		*d = Duration(time.Duration(t) * time.Second)
	case string:
		parsed, err := parseDuration(t)
		if err != nil {
			return err
		}
		*d = parsed
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

func parseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return Duration(secs * float64(time.Second)), nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return Duration(parsed), nil
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Host to bind to
	Host string `json:"host" yaml:"host"`

	// Port to listen on
	Port int `json:"port" yaml:"port"`

	// TLS configuration
	TLS TLSConfig `json:"tls" yaml:"tls"`

	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TLSConfig contains TLS settings
type TLSConfig struct {
	// Enabled indicates whether TLS is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`

	// CertFile is the path to the certificate file
	CertFile string `json:"cert_file" yaml:"cert_file"`

	// KeyFile is the path to the key file
	KeyFile string `json:"key_file" yaml:"key_file"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	// Type of storage to use
	Type string `json:"type" yaml:"type"` // "memory", "sqlite", "postgres", "dynamodb"

	// SQLite configuration
	SQLite SQLiteConfig `json:"sqlite" yaml:"sqlite"`

	// DynamoDB configuration
	DynamoDB DynamoDBConfig `json:"dynamodb" yaml:"dynamodb"`

	// PostgreSQL configuration
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
}

// SQLiteConfig contains SQLite settings
type SQLiteConfig struct {
	// Path is the database file, or ":memory:"
	Path string `json:"path" yaml:"path"`
}

// DynamoDBConfig contains DynamoDB settings
type DynamoDBConfig struct {
	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the DynamoDB endpoint (for local development)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// TablePrefix is the prefix for all tables
	TablePrefix string `json:"table_prefix" yaml:"table_prefix"`
}

// PostgresConfig contains PostgreSQL settings
type PostgresConfig struct {
	// Host is the database host
	Host string `json:"host" yaml:"host"`

	// Port is the database port
	Port int `json:"port" yaml:"port"`

	// Database is the database name
	Database string `json:"database" yaml:"database"`

	// User is the database user
	User string `json:"user" yaml:"user"`

	// Password is the database password
	Password string `json:"password" yaml:"password"`

	// SSLMode is the SSL mode
	SSLMode string `json:"ssl_mode" yaml:"ssl_mode"`
}

// BrokerConfig selects the pub/sub transport
type BrokerConfig struct {
	// Type is "memory", "redis" or "none"
	Type string `json:"type" yaml:"type"`

	// BufferSize is the per-subscriber buffer of the memory broker
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`

	// Redis configuration
	Redis RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig contains Redis settings
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// AuthConfig contains authentication settings
type AuthConfig struct {
	// JWTSecret is the secret for signing JWT tokens
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`

	// TokenExpiration is the token expiration time in hours
	TokenExpiration int `json:"token_expiration" yaml:"token_expiration"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	// Level is the logging level
	Level string `json:"level" yaml:"level"` // "debug", "info", "warn", "error"

	// Format is the log format
	Format string `json:"format" yaml:"format"` // "json", "text"

	// Output is the log output
	Output string `json:"output" yaml:"output"` // "stdout", "stderr", "file"

	// FilePath is the path to the log file
	FilePath string `json:"file_path" yaml:"file_path"`
}

// RedactionConfig controls the vendor pattern set
type RedactionConfig struct {
	VendorPatternsEnabled bool `json:"vendor_patterns_enabled" yaml:"vendor_patterns_enabled"`

	// PatternTimeoutMS bounds one vendor pattern on one string
	PatternTimeoutMS int `json:"pattern_timeout_ms" yaml:"pattern_timeout_ms"`

	// BudgetMS bounds all vendor patterns within one redaction call
	BudgetMS int `json:"budget_ms" yaml:"budget_ms"`

	// VendorPatterns is a JSON array of {name, pattern} or "name:pattern" lines
	VendorPatterns string `json:"vendor_patterns,omitempty" yaml:"vendor_patterns,omitempty"`

	// VendorPatternsFile is read when VendorPatterns is empty
	VendorPatternsFile string `json:"vendor_patterns_file,omitempty" yaml:"vendor_patterns_file,omitempty"`
}

// PatternTimeout returns the per-pattern timeout
func (r RedactionConfig) PatternTimeout() time.Duration {
	return time.Duration(r.PatternTimeoutMS) * time.Millisecond
}

// Budget returns the aggregate vendor budget
func (r RedactionConfig) Budget() time.Duration {
	return time.Duration(r.BudgetMS) * time.Millisecond
}

// LoadVendorPatterns returns the inline patterns, or the file contents when only a file is set
func (r RedactionConfig) LoadVendorPatterns() (string, error) {
	if r.VendorPatterns != "" || r.VendorPatternsFile == "" {
		return r.VendorPatterns, nil
	}
	data, err := os.ReadFile(r.VendorPatternsFile)
	if err != nil {
		return "", fmt.Errorf("failed to read vendor patterns file: %w", err)
	}
	return string(data), nil
}

// SchedulerConfig contains schedule poller settings
type SchedulerConfig struct {
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	TickInterval Duration `json:"tick_interval" yaml:"tick_interval"`
}

// StreamConfig contains stream gateway settings
type StreamConfig struct {
	HeartbeatInterval   Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	PollInterval        Duration `json:"poll_interval" yaml:"poll_interval"`
	ReconnectMaxBackoff Duration `json:"reconnect_max_backoff" yaml:"reconnect_max_backoff"`

	// ReadinessTimeout bounds how long a trigger waits for a subscriber
	ReadinessTimeout Duration `json:"readiness_timeout" yaml:"readiness_timeout"`
}

// ExecutorConfig contains run execution settings
type ExecutorConfig struct {
	// Workers is the size of the run dispatch pool; 0 executes runs inline
	Workers int `json:"workers" yaml:"workers"`

	// QueueSize is the dispatch queue capacity
	QueueSize int `json:"queue_size" yaml:"queue_size"`

	// MaxParallelism bounds concurrent chunks of a parallel split
	MaxParallelism int `json:"max_parallelism" yaml:"max_parallelism"`

	// MaxDepth bounds nested workflow execution
	MaxDepth int `json:"max_depth" yaml:"max_depth"`

	HTTPTimeout   Duration `json:"http_timeout" yaml:"http_timeout"`
	LLMTimeout    Duration `json:"llm_timeout" yaml:"llm_timeout"`
	ScriptTimeout Duration `json:"script_timeout" yaml:"script_timeout"`
}

// CredentialConfig is a credential nodes may reference by id
type CredentialConfig struct {
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`
	APIKey   string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL  string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model    string `json:"model,omitempty" yaml:"model,omitempty"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Storage: StorageConfig{
			Type: "memory",
			SQLite: SQLiteConfig{
				Path: "runstream.db",
			},
			DynamoDB: DynamoDBConfig{
				Region:      "us-west-2",
				TablePrefix: "runstream_",
			},
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "runstream",
				User:     "runstream",
				SSLMode:  "disable",
			},
		},
		Broker: BrokerConfig{
			Type:       "memory",
			BufferSize: 256,
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Auth: AuthConfig{
			TokenExpiration: 24,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Redaction: RedactionConfig{
			PatternTimeoutMS: 50,
			BudgetMS:         200,
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			TickInterval: Duration(time.Second),
		},
		Stream: StreamConfig{
			HeartbeatInterval:   Duration(15 * time.Second),
			PollInterval:        Duration(time.Second),
			ReconnectMaxBackoff: Duration(5 * time.Second),
			ReadinessTimeout:    Duration(5 * time.Second),
		},
		Executor: ExecutorConfig{
			Workers:        4,
			QueueSize:      256,
			MaxParallelism: 4,
			MaxDepth:       8,
			HTTPTimeout:    Duration(30 * time.Second),
			LLMTimeout:     Duration(60 * time.Second),
			ScriptTimeout:  Duration(5 * time.Second),
		},
	}
}

// LoadConfig loads the configuration from a JSON or YAML file over the defaults
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Load reads .env files, the optional config file and RUNSTREAM_* overrides, in that order
func Load(path string, envFiles ...string) (*Config, error) {
	// a missing .env is normal
	_ = godotenv.Load(envFiles...)

	cfg := DefaultConfig()
	if path != "" {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// SaveConfig saves the configuration to a file, as YAML for .yaml/.yml paths
func SaveConfig(config *Config, path string) error {
	// Create the directory if it doesn't exist
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	default:
		data, err = json.MarshalIndent(config, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks values that would otherwise fail later at startup
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "memory", "sqlite", "postgres", "postgresql", "dynamodb":
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	switch c.Broker.Type {
	case "memory", "redis", "none":
	default:
		return fmt.Errorf("unknown broker type %q", c.Broker.Type)
	}
	if c.Executor.Workers < 0 {
		return fmt.Errorf("executor.workers must not be negative")
	}
	if c.Executor.MaxDepth < 1 {
		return fmt.Errorf("executor.max_depth must be at least 1")
	}
	return nil
}

type envBinding struct {
	key string
	set func(string) error
}

func stringVar(p *string) func(string) error {
	return func(v string) error {
		*p = v
		return nil
	}
}

func intVar(p *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*p = n
		return nil
	}
}

func boolVar(p *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*p = b
		return nil
	}
}

func durationVar(p *Duration) func(string) error {
	return func(v string) error {
		d, err := parseDuration(v)
		if err != nil {
			return err
		}
		*p = d
		return nil
	}
}

// ApplyEnv overrides configuration values from RUNSTREAM_* variables
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	bindings := []envBinding{
		{"SERVER_HOST", stringVar(&cfg.Server.Host)},
		{"SERVER_PORT", intVar(&cfg.Server.Port)},

		{"STORAGE_TYPE", stringVar(&cfg.Storage.Type)},
		{"SQLITE_PATH", stringVar(&cfg.Storage.SQLite.Path)},
		{"DYNAMODB_REGION", stringVar(&cfg.Storage.DynamoDB.Region)},
		{"DYNAMODB_ENDPOINT", stringVar(&cfg.Storage.DynamoDB.Endpoint)},
		{"DYNAMODB_TABLE_PREFIX", stringVar(&cfg.Storage.DynamoDB.TablePrefix)},
		{"POSTGRES_HOST", stringVar(&cfg.Storage.Postgres.Host)},
		{"POSTGRES_PORT", intVar(&cfg.Storage.Postgres.Port)},
		{"POSTGRES_DATABASE", stringVar(&cfg.Storage.Postgres.Database)},
		{"POSTGRES_USER", stringVar(&cfg.Storage.Postgres.User)},
		{"POSTGRES_PASSWORD", stringVar(&cfg.Storage.Postgres.Password)},
		{"POSTGRES_SSL_MODE", stringVar(&cfg.Storage.Postgres.SSLMode)},

		{"BROKER_TYPE", stringVar(&cfg.Broker.Type)},
		{"REDIS_ADDR", stringVar(&cfg.Broker.Redis.Addr)},
		{"REDIS_PASSWORD", stringVar(&cfg.Broker.Redis.Password)},
		{"REDIS_DB", intVar(&cfg.Broker.Redis.DB)},

		{"JWT_SECRET", stringVar(&cfg.Auth.JWTSecret)},
		{"TOKEN_EXPIRATION", intVar(&cfg.Auth.TokenExpiration)},

		{"LOG_LEVEL", stringVar(&cfg.Logging.Level)},
		{"LOG_FORMAT", stringVar(&cfg.Logging.Format)},

		{"REDACTION_VENDOR_PATTERNS_ENABLED", boolVar(&cfg.Redaction.VendorPatternsEnabled)},
		{"REDACTION_PATTERN_TIMEOUT_MS", intVar(&cfg.Redaction.PatternTimeoutMS)},
		{"REDACTION_BUDGET_MS", intVar(&cfg.Redaction.BudgetMS)},
		{"REDACTION_VENDOR_PATTERNS", stringVar(&cfg.Redaction.VendorPatterns)},
		{"REDACTION_VENDOR_PATTERNS_FILE", stringVar(&cfg.Redaction.VendorPatternsFile)},

		{"SCHEDULER_ENABLED", boolVar(&cfg.Scheduler.Enabled)},
		{"SCHEDULER_TICK_INTERVAL", durationVar(&cfg.Scheduler.TickInterval)},

		{"STREAM_HEARTBEAT_INTERVAL", durationVar(&cfg.Stream.HeartbeatInterval)},
		{"STREAM_POLL_INTERVAL", durationVar(&cfg.Stream.PollInterval)},
		{"STREAM_RECONNECT_MAX_BACKOFF", durationVar(&cfg.Stream.ReconnectMaxBackoff)},
		{"STREAM_READINESS_TIMEOUT", durationVar(&cfg.Stream.ReadinessTimeout)},

		{"EXECUTOR_WORKERS", intVar(&cfg.Executor.Workers)},
		{"EXECUTOR_MAX_PARALLELISM", intVar(&cfg.Executor.MaxParallelism)},
		{"EXECUTOR_MAX_DEPTH", intVar(&cfg.Executor.MaxDepth)},
		{"EXECUTOR_HTTP_TIMEOUT", durationVar(&cfg.Executor.HTTPTimeout)},
		{"EXECUTOR_LLM_TIMEOUT", durationVar(&cfg.Executor.LLMTimeout)},
	}

	for _, b := range bindings {
		v, ok := lookup(EnvPrefix + b.key)
		if !ok || v == "" {
			continue
		}
		if err := b.set(v); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, b.key, err)
		}
	}
	return nil
}
