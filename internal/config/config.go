// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Security SecurityConfig `mapstructure:"security"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Serial   SerialConfig   `mapstructure:"serial"`
	Upload   UploadConfig   `mapstructure:"upload"`
	App      AppConfig      `mapstructure:"app"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host" validate:"required"`
	Port         string        `mapstructure:"port" validate:"required"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"required"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// SerialConfig holds the default line parameters applied to every connect.
type SerialConfig struct {
	BaudRate     int           `mapstructure:"baud_rate"`
	DataBits     int           `mapstructure:"data_bits"`
	StopBits     int           `mapstructure:"stop_bits"`
	Parity       string        `mapstructure:"parity"`
	FlowControl  string        `mapstructure:"flow_control"`
	ReadInterval time.Duration `mapstructure:"read_interval"`
}

// UploadConfig holds the fixed pauses of the raw REPL upload sequence and
// of the simulated firmware path.
type UploadConfig struct {
	InterruptGap     time.Duration `mapstructure:"interrupt_gap"`
	InterruptSettle  time.Duration `mapstructure:"interrupt_settle"`
	RawModeSettle    time.Duration `mapstructure:"raw_mode_settle"`
	LineDelay        time.Duration `mapstructure:"line_delay"`
	ExecuteSettle    time.Duration `mapstructure:"execute_settle"`
	RestoreSettle    time.Duration `mapstructure:"restore_settle"`
	ResetSettle      time.Duration `mapstructure:"reset_settle"`
	FirmwareTransfer time.Duration `mapstructure:"firmware_transfer"`
	FirmwareVerify   time.Duration `mapstructure:"firmware_verify"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Version     string `mapstructure:"version" validate:"required"`
	Environment string `mapstructure:"environment" validate:"required"`
	Debug       bool   `mapstructure:"debug"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	return LoadWith(viper.GetViper())
}

// LoadWith loads configuration into v. Callers that bind command line flags
// pass their own instance.
func LoadWith(v *viper.Viper) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/board-service")

	// Environment variable support
	v.SetEnvPrefix("BOARD_SERVICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	// The config file is optional; defaults cover every key.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", "8085")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")

	// Security defaults
	v.SetDefault("security.allowed_origins", []string{})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// Serial line defaults
	v.SetDefault("serial.baud_rate", 115200)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.parity", "none")
	v.SetDefault("serial.flow_control", "none")
	v.SetDefault("serial.read_interval", "100ms")

	// Upload pauses
	v.SetDefault("upload.interrupt_gap", "100ms")
	v.SetDefault("upload.interrupt_settle", "500ms")
	v.SetDefault("upload.raw_mode_settle", "300ms")
	v.SetDefault("upload.line_delay", "50ms")
	v.SetDefault("upload.execute_settle", "500ms")
	v.SetDefault("upload.restore_settle", "300ms")
	v.SetDefault("upload.reset_settle", "100ms")
	v.SetDefault("upload.firmware_transfer", "2s")
	v.SetDefault("upload.firmware_verify", "1s")

	// App defaults
	v.SetDefault("app.name", "board-service")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if config.Serial.BaudRate <= 0 {
		return fmt.Errorf("serial.baud_rate must be positive")
	}

	validParity := []string{"none", "even", "odd"}
	if !slices.Contains(validParity, config.Serial.Parity) {
		return fmt.Errorf("serial.parity must be one of: %v", validParity)
	}

	validFlow := []string{"none", "hardware"}
	if !slices.Contains(validFlow, config.Serial.FlowControl) {
		return fmt.Errorf("serial.flow_control must be one of: %v", validFlow)
	}

	pauses := map[string]time.Duration{
		"upload.interrupt_gap":     config.Upload.InterruptGap,
		"upload.interrupt_settle":  config.Upload.InterruptSettle,
		"upload.raw_mode_settle":   config.Upload.RawModeSettle,
		"upload.line_delay":        config.Upload.LineDelay,
		"upload.execute_settle":    config.Upload.ExecuteSettle,
		"upload.restore_settle":    config.Upload.RestoreSettle,
		"upload.reset_settle":      config.Upload.ResetSettle,
		"upload.firmware_transfer": config.Upload.FirmwareTransfer,
		"upload.firmware_verify":   config.Upload.FirmwareVerify,
	}
	for key, d := range pauses {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
	}

	validEnvs := []string{"development", "staging", "production", "test"}
	if !slices.Contains(validEnvs, config.App.Environment) {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !slices.Contains(validLevels, config.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment checks if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.IsDevelopment()
}
