// Package config loads and validates the agent's immutable runtime configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the agent's immutable configuration record. It is loaded once at
// startup from a YAML file (if present) and environment variables, and never
// mutated afterward — the device-side agent does not support hot reload.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" validate:"required"`
	Paths   PathsConfig   `mapstructure:"paths" validate:"required"`
	Backup  BackupConfig  `mapstructure:"backup"`
	Log     LogConfig     `mapstructure:"log"`
	Device  DeviceConfig  `mapstructure:"device"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ServerConfig describes the control-plane connection.
type ServerConfig struct {
	URL                 string        `mapstructure:"url" validate:"required,url"`
	Timeout             time.Duration `mapstructure:"timeout" validate:"required,gt=0"`
	ReconnectBaseDelay  time.Duration `mapstructure:"reconnect_base_delay" validate:"required,gt=0"`
	ReconnectMaxDelay   time.Duration `mapstructure:"reconnect_max_delay" validate:"required,gt=0"`
	ReconnectMaxAttempt int           `mapstructure:"reconnect_max_attempts" validate:"required,gt=0"`
	ReconnectJitter     time.Duration `mapstructure:"reconnect_jitter" validate:"gte=0"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval" validate:"required,gt=0"`
}

// PathsConfig describes the agent's on-disk layout.
type PathsConfig struct {
	TempDir        string `mapstructure:"temp_dir" validate:"required"`
	PackageDir     string `mapstructure:"package_dir" validate:"required"`
	FrontendDeploy string `mapstructure:"frontend_deploy" validate:"required"`
	BackendDeploy  string `mapstructure:"backend_deploy" validate:"required"`
	BackupRoot     string `mapstructure:"backup_root" validate:"required"`
	ConfigDir      string `mapstructure:"config_dir" validate:"required"`
}

// BackupConfig bounds the versioned-snapshot history.
type BackupConfig struct {
	MaxHistoricalBackups int `mapstructure:"max_historical_backups" validate:"gte=0"`
}

// LogConfig mirrors pkg/logger.Config, expressed as mapstructure tags so it
// loads straight out of viper.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// DeviceConfig controls device-identity and registration-name resolution.
type DeviceConfig struct {
	IDOverride       string `mapstructure:"id_override"`
	Name             string `mapstructure:"name"`
	PreferConfigName bool   `mapstructure:"prefer_config_name"`
	InstanceID       string `mapstructure:"instance_id"`
}

// MetricsConfig controls the local diagnostics listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port"`
}

var validate = validator.New()

// Load loads configuration from an optional YAML file and the process
// environment. configPath may be empty, in which case only defaults and
// environment variables apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnv(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// bindEnv wires the §6 environment variables onto their configuration keys,
// since their names don't follow the SERVER_RECONNECT_BASE_DELAY-style
// mechanical mapping viper's replacer would otherwise produce.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("server.url", "SERVER_URL")
	_ = v.BindEnv("device.id_override", "DEVICE_ID")
	_ = v.BindEnv("device.name", "DEVICE_NAME")
	_ = v.BindEnv("device.prefer_config_name", "PREFER_CONFIG_NAME")
	_ = v.BindEnv("device.instance_id", "AGENT_INSTANCE_ID")
	_ = v.BindEnv("log.level", "LOG_LEVEL")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "http://localhost:3000")
	v.SetDefault("server.timeout", "30s")
	v.SetDefault("server.reconnect_base_delay", "1s")
	v.SetDefault("server.reconnect_max_delay", "60s")
	v.SetDefault("server.reconnect_max_attempts", 10)
	v.SetDefault("server.reconnect_jitter", "1s")
	v.SetDefault("server.heartbeat_interval", "30s")

	v.SetDefault("paths.temp_dir", "downloads/temp")
	v.SetDefault("paths.package_dir", "downloads/packages")
	v.SetDefault("paths.frontend_deploy", "deployed/frontend")
	v.SetDefault("paths.backend_deploy", "deployed/backend")
	v.SetDefault("paths.backup_root", "backup")
	v.SetDefault("paths.config_dir", "config")

	v.SetDefault("backup.max_historical_backups", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.filename", "")
	v.SetDefault("log.max_size", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 14)
	v.SetDefault("log.compress", true)

	v.SetDefault("device.prefer_config_name", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.port", 9090)
}

// Validate checks field-level constraints via struct tags plus the
// cross-field rules that validator tags can't express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Server.ReconnectMaxDelay < c.Server.ReconnectBaseDelay {
		return fmt.Errorf("server.reconnect_max_delay must be >= server.reconnect_base_delay")
	}
	return nil
}

// DeployRoot returns the configured deploy root for a project tag.
func (c *Config) DeployRoot(project string) (string, error) {
	switch project {
	case "frontend":
		return c.Paths.FrontendDeploy, nil
	case "backend":
		return c.Paths.BackendDeploy, nil
	default:
		return "", fmt.Errorf("unknown project %q", project)
	}
}

// DeployPathsFile returns the path of the authoritative deploy-paths record.
func (c *Config) DeployPathsFile() string {
	return c.Paths.ConfigDir + "/deploy-paths.json"
}
