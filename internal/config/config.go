package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" envconfig:"SERVER"`
	Security     SecurityConfig     `yaml:"security" envconfig:"SECURITY"`
	Logging      LoggingConfig      `yaml:"logging" envconfig:"LOGGING"`
	Paths        PathsConfig        `yaml:"paths" envconfig:"PATHS"`
	WebSocket    WebSocketConfig    `yaml:"websocket" envconfig:"WEBSOCKET"`
	Broker       BrokerConfig       `yaml:"broker" envconfig:"BROKER"`
	Pipeline     PipelineConfig     `yaml:"pipeline" envconfig:"PIPELINE"`
	Quality      QualityConfig      `yaml:"quality" envconfig:"QUALITY"`
	ControlPoint ControlPointConfig `yaml:"control_point" envconfig:"CONTROL_POINT"`
	Ingest       IngestConfig       `yaml:"ingest" envconfig:"INGEST"`
	Staging      StagingConfig      `yaml:"staging" envconfig:"STAGING"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" validate:"gte=0"`
	Burst   int     `yaml:"burst" envconfig:"BURST" validate:"gte=0"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn error"`
	Format   string `yaml:"format" envconfig:"FORMAT" validate:"oneof=json text"`
	Output   string `yaml:"output" envconfig:"OUTPUT" validate:"oneof=console file both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// PathsConfig contains file system paths configuration
type PathsConfig struct {
	DataDir    string `yaml:"data_dir" envconfig:"DATA_DIR" validate:"required"`
	InboxDir   string `yaml:"inbox_dir" envconfig:"INBOX_DIR"`
	StagingDir string `yaml:"staging_dir" envconfig:"STAGING_DIR"`
	ExportsDir string `yaml:"exports_dir" envconfig:"EXPORTS_DIR"`
	LogsDir    string `yaml:"logs_dir" envconfig:"LOGS_DIR"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT"`
}

// BrokerConfig contains message broker configuration
type BrokerConfig struct {
	// Buffered messages held per subscriber before the oldest is dropped
	SubscriberBuffer int `yaml:"subscriber_buffer" envconfig:"SUBSCRIBER_BUFFER" validate:"gt=0"`
}

// PipelineConfig contains pipeline execution configuration
type PipelineConfig struct {
	Workers         int           `yaml:"workers" envconfig:"WORKERS" validate:"gt=0"`
	StageTimeout    time.Duration `yaml:"stage_timeout" envconfig:"STAGE_TIMEOUT"`
	RetryAttempts   int           `yaml:"retry_attempts" envconfig:"RETRY_ATTEMPTS" validate:"gte=1"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay" envconfig:"RETRY_BASE_DELAY"`
	RetryMaxDelay   time.Duration `yaml:"retry_max_delay" envconfig:"RETRY_MAX_DELAY"`
	ContinueOnError bool          `yaml:"continue_on_error" envconfig:"CONTINUE_ON_ERROR"`
}

// QualityConfig contains quality detection configuration
type QualityConfig struct {
	SampleSize    int     `yaml:"sample_size" envconfig:"SAMPLE_SIZE" validate:"gt=0"`
	PassThreshold float64 `yaml:"pass_threshold" envconfig:"PASS_THRESHOLD" validate:"gte=0,lte=1"`
	WarnThreshold float64 `yaml:"warn_threshold" envconfig:"WARN_THRESHOLD" validate:"gte=0,lte=1"`
	MaxNullRate   float64 `yaml:"max_null_rate" envconfig:"MAX_NULL_RATE" validate:"gte=0,lte=1"`
}

// ControlPointConfig contains control point gating configuration
type ControlPointConfig struct {
	DecisionTimeout time.Duration `yaml:"decision_timeout" envconfig:"DECISION_TIMEOUT"`
	DefaultAction   string        `yaml:"default_action" envconfig:"DEFAULT_ACTION" validate:"oneof=approve reject skip"`
	AutoApproveMin  float64       `yaml:"auto_approve_min" envconfig:"AUTO_APPROVE_MIN" validate:"gte=0,lte=1"`
}

// IngestConfig contains inbox watcher configuration
type IngestConfig struct {
	Enabled     bool          `yaml:"enabled" envconfig:"ENABLED"`
	SettleDelay time.Duration `yaml:"settle_delay" envconfig:"SETTLE_DELAY"`
}

// StagingConfig contains staging area configuration
type StagingConfig struct {
	Retention time.Duration `yaml:"retention" envconfig:"RETENTION"`
}

// defaultConfig returns the baseline configuration. File values override
// these, explicit environment variables override both.
func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: "logs/datapulse.log",
		},
		Paths: PathsConfig{
			DataDir:    "data",
			InboxDir:   "data/inbox",
			StagingDir: "data/staging",
			ExportsDir: "data/exports",
			LogsDir:    "logs",
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingPeriod:      30 * time.Second,
			PongWait:        60 * time.Second,
		},
		Broker: BrokerConfig{
			SubscriberBuffer: 256,
		},
		Pipeline: PipelineConfig{
			Workers:        4,
			StageTimeout:   10 * time.Minute,
			RetryAttempts:  3,
			RetryBaseDelay: 1 * time.Second,
			RetryMaxDelay:  30 * time.Second,
		},
		Quality: QualityConfig{
			SampleSize:    1000,
			PassThreshold: 0.9,
			WarnThreshold: 0.7,
			MaxNullRate:   0.2,
		},
		ControlPoint: ControlPointConfig{
			DecisionTimeout: 30 * time.Minute,
			DefaultAction:   "reject",
			AutoApproveMin:  0.95,
		},
		Ingest: IngestConfig{
			Enabled:     true,
			SettleDelay: 2 * time.Second,
		},
		Staging: StagingConfig{
			Retention: 168 * time.Hour,
		},
	}
}

// Load loads the configuration. Defaults come first, the optional YAML file
// overrides them, explicit environment variables override both.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configFile := configFilePath()
	if _, err := os.Stat(configFile); err == nil {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Without default tags envconfig only touches fields whose variable is
	// actually set, so file values survive the pass.
	if err := envconfig.Process("DATAPULSE", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return err
	}
	if c.Quality.WarnThreshold > c.Quality.PassThreshold {
		return fmt.Errorf("quality warn threshold %.2f exceeds pass threshold %.2f",
			c.Quality.WarnThreshold, c.Quality.PassThreshold)
	}
	return nil
}

func configFilePath() string {
	if path := os.Getenv("DATAPULSE_CONFIG"); path != "" {
		return path
	}
	return "datapulse.yaml"
}
