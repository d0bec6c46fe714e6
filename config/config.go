// Package config loads runtime configuration from file and environment.
//
// Every key has a default, so a missing config file is not an error. Env
// overrides use the GLOSA_ prefix with dots replaced by underscores, e.g.
// GLOSA_LOG_LEVEL=debug or GLOSA_TRACKING_DB_PATH=/var/lib/glosa.db.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/warp/glosa-engine/rules"
	"github.com/warp/glosa-engine/xmldoc"
)

// EnvPrefix is prepended to environment overrides.
const EnvPrefix = "GLOSA"

// Config is the full runtime configuration.
type Config struct {
	CatalogDir        string            `mapstructure:"catalog_dir"`
	Namespaces        map[string]string `mapstructure:"namespaces"`
	MaxConditionDepth int               `mapstructure:"max_condition_depth"`
	Workers           int               `mapstructure:"workers"`
	Log               LogConfig         `mapstructure:"log"`
	Tracking          TrackingConfig    `mapstructure:"tracking"`
	Server            ServerConfig      `mapstructure:"server"`
	Output            OutputConfig      `mapstructure:"output"`
}

// LogConfig selects the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// TrackingConfig points at the tracking database. An empty path keeps
// records in memory.
type TrackingConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	MaxBodyBytes   int64    `mapstructure:"max_body_bytes"`
}

// OutputConfig decides where corrected documents go.
type OutputConfig struct {
	Dir     string `mapstructure:"dir"`
	InPlace bool   `mapstructure:"in_place"`
}

// Defaults registers every default on v.
func Defaults(v *viper.Viper) {
	v.SetDefault("catalog_dir", "config/rules")
	v.SetDefault("namespaces", map[string]string(xmldoc.DefaultNamespaces()))
	v.SetDefault("max_condition_depth", rules.DefaultMaxDepth)
	v.SetDefault("workers", 4)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("tracking.db_path", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:*"})
	v.SetDefault("server.max_body_bytes", 64<<20)
	v.SetDefault("output.dir", "corrigidos")
	v.SetDefault("output.in_place", false)
}

// Load reads path (any format viper understands) over the defaults and the
// environment. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	Defaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config failed: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	if c.CatalogDir == "" {
		errs = append(errs, errors.New("catalog_dir is required"))
	}
	if len(c.Namespaces) == 0 {
		errs = append(errs, errors.New("namespaces must not be empty"))
	}
	if c.MaxConditionDepth < 1 {
		errs = append(errs, fmt.Errorf("max_condition_depth must be positive, got %d", c.MaxConditionDepth))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	return errors.Join(errs...)
}

// XPath builds the namespace facade from the configured map.
func (c *Config) XPath() (*xmldoc.XPath, error) {
	return xmldoc.NewXPath(xmldoc.Namespaces(c.Namespaces))
}
