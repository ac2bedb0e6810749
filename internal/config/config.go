package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Device
	Host    string `mapstructure:"host"`
	TCPPort int    `mapstructure:"tcp-port"`

	// Firmware
	Image        string `mapstructure:"image"`
	MaxImageSize int64  `mapstructure:"max-image-size"`

	// Local HTTP server
	HTTPPort    int    `mapstructure:"http-port"`
	Path        string `mapstructure:"path"`
	LocalIP     string `mapstructure:"local-ip"`
	BindAddress string `mapstructure:"bind-address"`

	// Timeouts
	InviteTimeout    time.Duration `mapstructure:"invite-timeout"`
	SessionTimeout   time.Duration `mapstructure:"session-timeout"`
	PollInterval     time.Duration `mapstructure:"poll-interval"`
	ProgressInterval time.Duration `mapstructure:"progress-interval"`
	GracePeriod      time.Duration `mapstructure:"grace-period"`

	// State
	HistoryDB string `mapstructure:"history-db"`
	FSMDBPath string `mapstructure:"fsm-db-path"`
	WorkDir   string `mapstructure:"work-dir"`

	// Remote images
	S3Region    string `mapstructure:"s3-region"`
	S3Anonymous bool   `mapstructure:"s3-anonymous"`

	// Output
	MetricsTextfile string `mapstructure:"metrics-textfile"`
	LogLevel        string `mapstructure:"log-level"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`
}

// Defaults shared by flags and viper.
const (
	DefaultTCPPort  = 3232
	DefaultHTTPPort = 8266
	DefaultPath     = "/firmware.bin"
)

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	viper.SetDefault("host", "")
	viper.SetDefault("image", "")
	viper.SetDefault("local-ip", "")
	viper.SetDefault("bind-address", "")
	viper.SetDefault("metrics-textfile", "")
	viper.SetDefault("tcp-port", DefaultTCPPort)
	viper.SetDefault("http-port", DefaultHTTPPort)
	viper.SetDefault("path", DefaultPath)
	viper.SetDefault("max-image-size", 4*1024*1024)
	viper.SetDefault("invite-timeout", 10*time.Second)
	viper.SetDefault("session-timeout", 300*time.Second)
	viper.SetDefault("poll-interval", time.Second)
	viper.SetDefault("progress-interval", 5*time.Second)
	viper.SetDefault("grace-period", time.Second)
	viper.SetDefault("history-db", ".artifacts/history.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm")
	viper.SetDefault("work-dir", "/tmp/myrtio-ota")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("s3-anonymous", false)
	viper.SetDefault("log-level", "info")
	viper.SetDefault("fsm-max-retries", 3)

	// Environment variables (MYRTIO_OTA_HOST, MYRTIO_OTA_HTTP_PORT, etc.)
	viper.SetEnvPrefix("MYRTIO_OTA")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("ota")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.myrtio")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the settings needed for a push
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.Image == "" {
		return fmt.Errorf("image cannot be empty")
	}
	if c.MaxImageSize <= 0 {
		return fmt.Errorf("max-image-size must be positive")
	}
	for name, d := range map[string]time.Duration{
		"invite-timeout":  c.InviteTimeout,
		"session-timeout": c.SessionTimeout,
		"poll-interval":   c.PollInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.ProgressInterval < 0 || c.GracePeriod < 0 {
		return fmt.Errorf("progress-interval and grace-period must be non-negative")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.FSMMaxRetries < 1 {
		return fmt.Errorf("fsm-max-retries must be at least 1")
	}
	return nil
}

// ListenAddr is the address the firmware server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.HTTPPort)
}

// MaxServe bounds the firmware server: the invite exchange plus the
// session timeout, so the server never quits before the orchestrator.
func (c *Config) MaxServe() time.Duration {
	return c.SessionTimeout + 2*c.InviteTimeout
}
