package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for taskweaved.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Broker   BrokerConfig   `yaml:"broker"`
	S3       S3Config       `yaml:"s3"`
	LLM      LLMConfig      `yaml:"llm"`
	Buffer   BufferConfig   `yaml:"buffer"`
	Agent    AgentConfig    `yaml:"agent"`
	Lock     LockConfig     `yaml:"lock"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// FlushTimeout bounds the blocking flush endpoint, lock wait included.
	FlushTimeout time.Duration `yaml:"flush_timeout"`
}

// Addr is the host:port the HTTP listener binds.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	PoolSize int    `yaml:"pool_size"`
}

type BrokerConfig struct {
	URL            string        `yaml:"url"`
	ConnectionName string        `yaml:"connection_name"`
	Prefetch       int           `yaml:"prefetch"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
}

type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

type LLMConfig struct {
	APIKey    string        `yaml:"api_key"`
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxTokens int           `yaml:"max_tokens"`
}

// BufferConfig holds the per-session buffering tunables.
type BufferConfig struct {
	// MaxTurns is the pending-message count that triggers an immediate flush.
	MaxTurns int `yaml:"max_turns"`

	// MaxOverflow caps how far producers may outrun a flush; a claim takes
	// at most MaxTurns+MaxOverflow messages and the remainder is re-driven
	// through the retry queue.
	MaxOverflow int `yaml:"max_overflow"`

	// TTL is the idle delay before a sub-threshold batch is flushed.
	TTL time.Duration `yaml:"ttl"`

	// PreviousMessagesTurns is the prior-context window fed to the agent.
	PreviousMessagesTurns int `yaml:"previous_messages_turns"`
}

type AgentConfig struct {
	MaxIterations int `yaml:"max_iterations"`
}

type LockConfig struct {
	// SessionLockWait is how long a contended notification parks before it
	// is re-driven, and the spin interval of the blocking flush primitive.
	SessionLockWait time.Duration `yaml:"session_lock_wait"`

	// ProcessingTimeout is the session lock TTL; a crashed worker's lock
	// expires after this long.
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`
}

// Load reads and parses the configuration file. Environment variables in
// the file are expanded, unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes configuration bytes and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with every tunable at its default.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 5 * time.Minute
	}
	if cfg.Server.FlushTimeout == 0 {
		cfg.Server.FlushTimeout = 4 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 64
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 8
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 10 * time.Minute
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = 10 * time.Second
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 32
	}
	if cfg.Broker.ConnectionName == "" {
		cfg.Broker.ConnectionName = "taskweaved"
	}
	if cfg.Broker.Prefetch == 0 {
		cfg.Broker.Prefetch = 32
	}
	if cfg.Broker.HandlerTimeout == 0 {
		cfg.Broker.HandlerTimeout = 96 * time.Second
	}
	if cfg.Broker.MaxRetries == 0 {
		cfg.Broker.MaxRetries = 1
	}
	if cfg.Broker.RetryDelay == 0 {
		cfg.Broker.RetryDelay = time.Second
	}
	if cfg.S3.Region == "" {
		cfg.S3.Region = "auto"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4.1"
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 60 * time.Second
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 1024
	}
	if cfg.Buffer.MaxTurns == 0 {
		cfg.Buffer.MaxTurns = 16
	}
	if cfg.Buffer.MaxOverflow == 0 {
		cfg.Buffer.MaxOverflow = 16
	}
	if cfg.Buffer.TTL == 0 {
		cfg.Buffer.TTL = 8 * time.Second
	}
	if cfg.Buffer.PreviousMessagesTurns == 0 {
		cfg.Buffer.PreviousMessagesTurns = 3
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 4
	}
	if cfg.Lock.SessionLockWait == 0 {
		cfg.Lock.SessionLockWait = time.Second
	}
	if cfg.Lock.ProcessingTimeout == 0 {
		cfg.Lock.ProcessingTimeout = 60 * time.Second
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Buffer.MaxTurns < 1 {
		return fmt.Errorf("buffer.max_turns must be >= 1")
	}
	if c.Buffer.MaxOverflow < 0 {
		return fmt.Errorf("buffer.max_overflow must be >= 0")
	}
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be >= 1")
	}
	if c.Lock.ProcessingTimeout < c.Lock.SessionLockWait {
		return fmt.Errorf("lock.processing_timeout must be >= lock.session_lock_wait")
	}
	return nil
}
