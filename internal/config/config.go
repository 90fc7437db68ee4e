package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Environment
	GoEnv string `env:"GO_ENV" default:"development"`

	// Listeners
	XAppListenHost string `env:"XAPP_LISTEN_HOST" default:"0.0.0.0"`
	XAppPort       int    `env:"XAPP_LISTEN_PORT" default:"5000"`
	CommandPort    int    `env:"CMD_INTERFACE_PORT" default:"5002"`

	// AI engine uplink
	ExternalAIHost   string        `env:"EXTERNAL_AI_HOST" default:"127.0.0.1"`
	ExternalAIPort   int           `env:"EXTERNAL_AI_PORT" default:"6000"`
	ReconnectBackoff time.Duration `env:"UPLINK_RECONNECT_BACKOFF" default:"5s"`
	DialTimeout      time.Duration `env:"UPLINK_DIAL_TIMEOUT" default:"5s"`
	ReplyTimeout     time.Duration `env:"RECOMMENDATION_TIMEOUT" default:"10s"`

	// Socket timeouts
	WriteTimeout       time.Duration `env:"WRITE_TIMEOUT" default:"5s"`
	CommandReadTimeout time.Duration `env:"COMMAND_READ_TIMEOUT" default:"5s"`

	// Admin HTTP (health + prometheus)
	AdminEnabled bool `env:"ADMIN_ENABLED" default:"true"`
	AdminPort    int  `env:"ADMIN_PORT" default:"5003"`

	// KPI sinks
	CSVEnabled     bool          `env:"CSV_ENABLED" default:"true"`
	CSVCellFile    string        `env:"CSV_GNB_FILE" default:"gnb_kpis.csv"`
	CSVUEFile      string        `env:"CSV_UE_FILE" default:"ue_kpis.csv"`
	RedisURL       string        `env:"REDIS_URL"`
	RedisPassword  string        `env:"REDIS_PASSWORD"`
	KPICacheTTL    time.Duration `env:"KPI_CACHE_TTL" default:"24h"`
	DatabaseURL    string        `env:"KPI_DATABASE_URL"`
	SinkQueueSize  int           `env:"SINK_QUEUE_SIZE" default:"10000"`
	KPITrackerSize int           `env:"KPI_TRACKER_SIZE" default:"1024"`

	// Dummy AI engine
	AIDummyPort int `env:"AI_DUMMY_PORT" default:"6000"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"json"`
}

// LoadConfig loads configuration from a .env file (if any) and the environment
func LoadConfig() (*Config, error) {
	// a missing .env is fine, system env vars still apply
	_ = godotenv.Load(".env")

	config := &Config{}

	if err := loadEnvString(&config.GoEnv, "GO_ENV", "development"); err != nil {
		return nil, err
	}

	// Listeners
	if err := loadEnvString(&config.XAppListenHost, "XAPP_LISTEN_HOST", "0.0.0.0"); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.XAppPort, "XAPP_LISTEN_PORT", 5000); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.CommandPort, "CMD_INTERFACE_PORT", 5002); err != nil {
		return nil, err
	}

	// Uplink
	if err := loadEnvString(&config.ExternalAIHost, "EXTERNAL_AI_HOST", "127.0.0.1"); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.ExternalAIPort, "EXTERNAL_AI_PORT", 6000); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.ReconnectBackoff, "UPLINK_RECONNECT_BACKOFF", 5*time.Second); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.DialTimeout, "UPLINK_DIAL_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.ReplyTimeout, "RECOMMENDATION_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	// Socket timeouts
	if err := loadEnvDuration(&config.WriteTimeout, "WRITE_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.CommandReadTimeout, "COMMAND_READ_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}

	// Admin
	if err := loadEnvBool(&config.AdminEnabled, "ADMIN_ENABLED", true); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.AdminPort, "ADMIN_PORT", 5003); err != nil {
		return nil, err
	}

	// KPI sinks
	if err := loadEnvBool(&config.CSVEnabled, "CSV_ENABLED", true); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.CSVCellFile, "CSV_GNB_FILE", "gnb_kpis.csv"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.CSVUEFile, "CSV_UE_FILE", "ue_kpis.csv"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.RedisURL, "REDIS_URL", ""); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.RedisPassword, "REDIS_PASSWORD", ""); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.KPICacheTTL, "KPI_CACHE_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.DatabaseURL, "KPI_DATABASE_URL", ""); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.SinkQueueSize, "SINK_QUEUE_SIZE", 10000); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.KPITrackerSize, "KPI_TRACKER_SIZE", 1024); err != nil {
		return nil, err
	}

	if err := loadEnvInt(&config.AIDummyPort, "AI_DUMMY_PORT", 6000); err != nil {
		return nil, err
	}

	// Logging
	if err := loadEnvString(&config.LogLevel, "LOG_LEVEL", "info"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.LogFormat, "LOG_FORMAT", "json"); err != nil {
		return nil, err
	}
	return config, nil
}

// Helper functions for type conversion and validation
func loadEnvString(target *string, key, defaultValue string) error {
	if value := os.Getenv(key); value != "" {
		*target = value
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvInt(target *int, key string, defaultValue int) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvBool(target *bool, key string, defaultValue bool) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvDuration(target *time.Duration, key string, defaultValue time.Duration) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

// Validate performs validation on the loaded configuration
func (c *Config) Validate() error {
	var errors []string

	ports := map[string]int{
		"XAPP_LISTEN_PORT":   c.XAppPort,
		"CMD_INTERFACE_PORT": c.CommandPort,
		"EXTERNAL_AI_PORT":   c.ExternalAIPort,
		"ADMIN_PORT":         c.AdminPort,
		"AI_DUMMY_PORT":      c.AIDummyPort,
	}
	for _, key := range []string{"XAPP_LISTEN_PORT", "CMD_INTERFACE_PORT", "EXTERNAL_AI_PORT", "ADMIN_PORT", "AI_DUMMY_PORT"} {
		if p := ports[key]; p < 1 || p > 65535 {
			errors = append(errors, key+" must be between 1 and 65535")
		}
	}
	if c.XAppPort == c.CommandPort {
		errors = append(errors, "XAPP_LISTEN_PORT and CMD_INTERFACE_PORT must differ")
	}
	if c.AdminEnabled && (c.AdminPort == c.XAppPort || c.AdminPort == c.CommandPort) {
		errors = append(errors, "ADMIN_PORT must differ from the relay listener ports")
	}

	durations := []struct {
		key   string
		value time.Duration
	}{
		{"UPLINK_RECONNECT_BACKOFF", c.ReconnectBackoff},
		{"UPLINK_DIAL_TIMEOUT", c.DialTimeout},
		{"RECOMMENDATION_TIMEOUT", c.ReplyTimeout},
		{"WRITE_TIMEOUT", c.WriteTimeout},
		{"COMMAND_READ_TIMEOUT", c.CommandReadTimeout},
		{"KPI_CACHE_TTL", c.KPICacheTTL},
	}
	for _, d := range durations {
		if d.value <= 0 {
			errors = append(errors, d.key+" must be positive")
		}
	}

	if c.SinkQueueSize < 1 {
		errors = append(errors, "SINK_QUEUE_SIZE must be at least 1")
	}
	if c.KPITrackerSize < 1 {
		errors = append(errors, "KPI_TRACKER_SIZE must be at least 1")
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, c.LogLevel) {
		errors = append(errors, fmt.Sprintf("LOG_LEVEL must be one of: %s", strings.Join(validLogLevels, ", ")))
	}

	validLogFormats := []string{"text", "json"}
	if !contains(validLogFormats, c.LogFormat) {
		errors = append(errors, fmt.Sprintf("LOG_FORMAT must be one of: %s", strings.Join(validLogFormats, ", ")))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}

	return nil
}

// XAppAddr is the listen address for xApp ingress
func (c *Config) XAppAddr() string {
	return fmt.Sprintf("%s:%d", c.XAppListenHost, c.XAppPort)
}

// CommandAddr is the listen address for the command interface
func (c *Config) CommandAddr() string {
	return fmt.Sprintf("%s:%d", c.XAppListenHost, c.CommandPort)
}

// AdminAddr is the listen address for the admin HTTP server
func (c *Config) AdminAddr() string {
	return fmt.Sprintf("%s:%d", c.XAppListenHost, c.AdminPort)
}

// UplinkAddr is the AI engine address
func (c *Config) UplinkAddr() string {
	return fmt.Sprintf("%s:%d", c.ExternalAIHost, c.ExternalAIPort)
}

// IsDevelopment returns true if the application is running in development mode
func (c *Config) IsDevelopment() bool {
	return c.GoEnv == "development"
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT
func (c *Config) NewLogger() *slog.Logger {
	level := slog.LevelInfo
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// Helper function to check if slice contains a string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
