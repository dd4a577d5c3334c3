package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/kithost/internal/logger"
	"github.com/spf13/viper"
)

// DefaultProcessTimeout bounds the lifetime of non-prompt, non-background children.
const DefaultProcessTimeout = 15 * time.Second

// Config is the host configuration. Every key has a default, so an absent
// config file is valid.
type Config struct {
	KitPath        string        `mapstructure:"kit_path"`
	KenvPath       string        `mapstructure:"kenv_path"`
	Runtime        string        `mapstructure:"runtime"`
	PromptEntry    string        `mapstructure:"prompt_entry"`
	AppEntry       string        `mapstructure:"app_entry"`
	ScriptExt      string        `mapstructure:"script_ext"`
	AppVersion     string        `mapstructure:"app_version"`
	SocketPath     string        `mapstructure:"socket_path"`
	HTTPAddr       string        `mapstructure:"http_addr"`
	ProcessTimeout time.Duration `mapstructure:"process_timeout"`
	Watch          bool          `mapstructure:"watch"`
	Metrics        bool          `mapstructure:"metrics"`
	Log            LogConfig     `mapstructure:"log"`
	History        HistoryConfig `mapstructure:"history"`
}

type LogConfig struct {
	Dir        string `mapstructure:"dir"`
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// HistoryConfig lists journal sinks by DSN (sqlite://, postgres://, clickhouse://).
type HistoryConfig struct {
	DSNs []string `mapstructure:"dsns"`
}

func setDefaults(v *viper.Viper, home string) {
	v.SetDefault("kit_path", filepath.Join(home, ".kit"))
	v.SetDefault("kenv_path", filepath.Join(home, ".kenv"))
	v.SetDefault("runtime", "node")
	v.SetDefault("prompt_entry", "")
	v.SetDefault("app_entry", "")
	v.SetDefault("script_ext", ".js")
	v.SetDefault("app_version", "0.0.0")
	v.SetDefault("socket_path", "")
	v.SetDefault("http_addr", "")
	v.SetDefault("process_timeout", DefaultProcessTimeout)
	v.SetDefault("watch", true)
	v.SetDefault("metrics", true)
	v.SetDefault("log.dir", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("history.dsns", []string{})
}

// Load reads path (TOML) on top of defaults and KITHOST_* environment
// variables. An empty path looks for <kit_path>/config.toml and silently
// skips it when absent.
func Load(path string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	v := viper.New()
	setDefaults(v, home)
	v.SetEnvPrefix("KITHOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = filepath.Join(v.GetString("kit_path"), "config.toml")
	}
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case explicit:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		case errors.As(err, &notFound), errors.Is(err, os.ErrNotExist):
		default:
			if _, statErr := os.Stat(path); statErr == nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.fill()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// fill derives paths that default relative to kit/kenv.
func (c *Config) fill() {
	if c.PromptEntry == "" {
		c.PromptEntry = filepath.Join(c.KitPath, "run", "app-prompt.js")
	}
	if c.AppEntry == "" {
		c.AppEntry = filepath.Join(c.KitPath, "run", "app.js")
	}
	if c.SocketPath == "" {
		c.SocketPath = filepath.Join(c.KitPath, "tmp", "kithost.sock")
	}
	if c.Log.Dir == "" {
		c.Log.Dir = filepath.Join(c.KenvPath, "logs")
	}
	if c.ScriptExt != "" && !strings.HasPrefix(c.ScriptExt, ".") {
		c.ScriptExt = "." + c.ScriptExt
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = DefaultProcessTimeout
	}
}

// Validate checks fields that have no usable fallback.
func (c *Config) Validate() error {
	if c.KitPath == "" {
		return errors.New("kit_path must be set")
	}
	if c.KenvPath == "" {
		return errors.New("kenv_path must be set")
	}
	if c.Runtime == "" {
		return errors.New("runtime must be set")
	}
	return nil
}

// LockPath is the single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.KitPath, "tmp", "kithost.lock")
}

// LoggerConfig maps the [log] table onto the logger package.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Dir:        c.Log.Dir,
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}
