package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"tidechat/cmd/internal/realtime"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config contains the runtime configuration.
//
// Precedence (lowest to highest): defaults, YAML file, .env file, process environment.
// A .env file never overrides variables already set in the environment.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json | text | pretty
	LogColor  bool   `yaml:"log_color"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`

	// LogURL is the durable message log location, see chatlog.ParseLocation.
	LogURL     string `yaml:"log_url"`
	DBMaxConns int32  `yaml:"db_max_conns"`
	DBMinConns int32  `yaml:"db_min_conns"`

	// If true, /readyz returns 503 unless the message log survives restarts.
	ReadinessRequireDurable bool `yaml:"readiness_require_durable"`

	MetricsEnabled     bool `yaml:"metrics_enabled"`
	MetricsGoCollector bool `yaml:"metrics_go_collector"`

	ResyncBacklog   int `yaml:"resync_backlog"`
	MaxMessageChars int `yaml:"max_message_chars"`

	WS realtime.GatewayConfig `yaml:"ws"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr: "0.0.0.0:8080",

		LogLevel:  "info",
		LogFormat: "json",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		MaxHeaderBytes:    1 << 20,

		LogURL:     "memory:",
		DBMaxConns: 10,
		DBMinConns: 0,

		MetricsEnabled:     true,
		MetricsGoCollector: true,

		ResyncBacklog:   1024,
		MaxMessageChars: 4000,

		WS: realtime.DefaultGatewayConfig(),
	}
}

// LoadConfig builds a Config. path names an optional YAML file; when empty,
// TIDE_CONFIG is consulted. TIDE_ENV_FILE (default ".env") names an optional
// dotenv file. Missing files are not an error; malformed ones are.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if strings.TrimSpace(path) == "" {
		path = EnvString("TIDE_CONFIG", "")
	}
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	envFile := EnvString("TIDE_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: env file %s: %w", envFile, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	env := newEnvSource()

	env.String("TIDE_HTTP_ADDR", &cfg.HTTPAddr)

	env.String("TIDE_LOG_LEVEL", &cfg.LogLevel)
	env.String("TIDE_LOG_FORMAT", &cfg.LogFormat)
	env.Bool("TIDE_LOG_COLOR", &cfg.LogColor)

	env.Duration("TIDE_HTTP_READ_HEADER_TIMEOUT", &cfg.ReadHeaderTimeout)
	env.Duration("TIDE_HTTP_READ_TIMEOUT", &cfg.ReadTimeout)
	env.Duration("TIDE_HTTP_WRITE_TIMEOUT", &cfg.WriteTimeout)
	env.Duration("TIDE_HTTP_IDLE_TIMEOUT", &cfg.IdleTimeout)
	env.Duration("TIDE_HTTP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	env.Int("TIDE_HTTP_MAX_HEADER_BYTES", &cfg.MaxHeaderBytes)

	env.String("TIDE_LOG_URL", &cfg.LogURL)
	env.Int32("TIDE_DB_MAX_CONNS", &cfg.DBMaxConns)
	env.Int32("TIDE_DB_MIN_CONNS", &cfg.DBMinConns)

	env.Bool("TIDE_READINESS_REQUIRE_DURABLE", &cfg.ReadinessRequireDurable)

	env.Bool("TIDE_METRICS_ENABLED", &cfg.MetricsEnabled)
	env.Bool("TIDE_METRICS_GO_COLLECTOR", &cfg.MetricsGoCollector)

	env.Int("TIDE_RESYNC_BACKLOG", &cfg.ResyncBacklog)
	env.Int("TIDE_MAX_MESSAGE_CHARS", &cfg.MaxMessageChars)

	ws := &cfg.WS
	env.Bool("TIDE_WS_ORIGIN_REQUIRED", &ws.OriginRequired)
	env.String("TIDE_WS_ALLOWED_ORIGINS", &ws.AllowedOrigins)
	env.Bool("TIDE_WS_DEV_INSECURE", &ws.DevInsecure)
	env.Duration("TIDE_WS_WRITE_TIMEOUT", &ws.WriteTimeout)
	env.Duration("TIDE_WS_READ_IDLE_TIMEOUT", &ws.ReadIdleTimeout)
	env.Duration("TIDE_WS_HELLO_TIMEOUT", &ws.HelloTimeout)
	env.Int("TIDE_WS_SEND_QUEUE", &ws.SendQueue)
	env.Duration("TIDE_WS_HEARTBEAT_INTERVAL", &ws.HeartbeatInterval)
	env.Duration("TIDE_WS_HEARTBEAT_TIMEOUT", &ws.HeartbeatTimeout)
	env.Int("TIDE_WS_RATE_EVENTS", &ws.RateEvents)
	env.Duration("TIDE_WS_RATE_WINDOW", &ws.RateWindow)
	env.Bool("TIDE_WS_RECOVERY_ENABLED", &ws.RecoveryEnabled)
	env.Duration("TIDE_WS_RECOVERY_WINDOW", &ws.RecoveryWindow)
	env.Int("TIDE_WS_RECOVERY_MAILBOX", &ws.RecoveryMailbox)

	return env.Err()
}

// Validate rejects settings the runtime cannot start with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("config: http_addr is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "text", "pretty":
	default:
		return fmt.Errorf("config: unknown log_format %q", c.LogFormat)
	}
	if c.DBMinConns > c.DBMaxConns && c.DBMaxConns > 0 {
		return fmt.Errorf("config: db_min_conns (%d) exceeds db_max_conns (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
