package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DefaultModel           = "gpt-3.5-turbo-0125"
	DefaultBaseURL         = "https://api.openai.com/v1"
	DefaultMaxTokens       = 1500
	DefaultTemperature     = 0.3
	DefaultProviderTimeout = "90s"
	DefaultInterval        = "60m"
	DefaultLookback        = "24h"
	DefaultMaxRecords      = 50
	DefaultMaxHistory      = 1000
	DefaultGatewayTimeout  = "60s"
	DefaultHistorySource   = "chrome"
	DefaultStoreBackend    = "sqlite"
	DefaultRedisPrefix     = "memtab:"
	DefaultHost            = "127.0.0.1"
	DefaultPort            = 18791
	DefaultBufSize         = 100
	DefaultLogFormat       = "text"

	envPrefix = "MEMTAB"
)

type Config struct {
	Provider ProviderConfig `json:"provider" mapstructure:"provider"`
	Summary  SummaryConfig  `json:"summary" mapstructure:"summary"`
	History  HistoryConfig  `json:"history" mapstructure:"history"`
	Store    StoreConfig    `json:"store" mapstructure:"store"`
	Gateway  GatewayConfig  `json:"gateway" mapstructure:"gateway"`
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`
	Log      LogConfig      `json:"log" mapstructure:"log"`
	Metrics  MetricsConfig  `json:"metrics" mapstructure:"metrics"`
}

type ProviderConfig struct {
	APIKey      string  `json:"apiKey,omitempty" mapstructure:"apiKey"`
	BaseURL     string  `json:"baseUrl" mapstructure:"baseUrl"`
	Model       string  `json:"model" mapstructure:"model"`
	MaxTokens   int     `json:"maxTokens" mapstructure:"maxTokens"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	Timeout     string  `json:"timeout" mapstructure:"timeout"`
}

type SummaryConfig struct {
	Interval       string `json:"interval" mapstructure:"interval"`
	Schedule       string `json:"schedule,omitempty" mapstructure:"schedule"` // cron expression, overrides interval
	Lookback       string `json:"lookback" mapstructure:"lookback"`
	MaxRecords     int    `json:"maxRecords" mapstructure:"maxRecords"`
	MaxHistory     int    `json:"maxHistory" mapstructure:"maxHistory"`
	GatewayTimeout string `json:"gatewayTimeout" mapstructure:"gatewayTimeout"`
	RunOnStart     bool   `json:"runOnStart" mapstructure:"runOnStart"`
}

type HistoryConfig struct {
	Source string `json:"source" mapstructure:"source"` // chrome, firefox or json
	Path   string `json:"path,omitempty" mapstructure:"path"`
}

type StoreConfig struct {
	Backend  string `json:"backend" mapstructure:"backend"` // sqlite or redis
	Path     string `json:"path,omitempty" mapstructure:"path"`
	RedisURL string `json:"redisUrl,omitempty" mapstructure:"redisUrl"`
	Prefix   string `json:"prefix,omitempty" mapstructure:"prefix"`
}

type GatewayConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
	// AllowedOrigins lists extra Origin host patterns (path.Match syntax) for /ws.
	// Same-host origins are always accepted.
	AllowedOrigins []string `json:"allowedOrigins,omitempty" mapstructure:"allowedOrigins"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled" mapstructure:"enabled"`
	Token     string   `json:"token,omitempty" mapstructure:"token"`
	ChatID    int64    `json:"chatId,omitempty" mapstructure:"chatId"`
	AllowFrom []string `json:"allowFrom,omitempty" mapstructure:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty" mapstructure:"proxy"`
}

type LogConfig struct {
	Debug  bool   `json:"debug" mapstructure:"debug"`
	Format string `json:"format" mapstructure:"format"`
	File   string `json:"file,omitempty" mapstructure:"file"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			BaseURL:     DefaultBaseURL,
			Model:       DefaultModel,
			MaxTokens:   DefaultMaxTokens,
			Temperature: DefaultTemperature,
			Timeout:     DefaultProviderTimeout,
		},
		Summary: SummaryConfig{
			Interval:       DefaultInterval,
			Lookback:       DefaultLookback,
			MaxRecords:     DefaultMaxRecords,
			MaxHistory:     DefaultMaxHistory,
			GatewayTimeout: DefaultGatewayTimeout,
		},
		History: HistoryConfig{
			Source: DefaultHistorySource,
		},
		Store: StoreConfig{
			Backend: DefaultStoreBackend,
			Prefix:  DefaultRedisPrefix,
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Log: LogConfig{
			Format: DefaultLogFormat,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func ConfigDir() string {
	if dir := os.Getenv("MEMTAB_HOME"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".memtab")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// DataDir holds the store database and the cron job list.
func DataDir() string {
	return filepath.Join(ConfigDir(), "data")
}

func LoadConfig() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	cfg := DefaultConfig()
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	path := ConfigPath()
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if url := os.Getenv("OPENAI_BASE_URL"); url != "" && cfg.Provider.BaseURL == DefaultBaseURL {
		cfg.Provider.BaseURL = url
	}

	cfg.applyFallbacks()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve MEMTAB_* overrides for it.
func setDefaults(v *viper.Viper, cfg *Config) {
	defaults := map[string]any{
		"provider.apiKey":        cfg.Provider.APIKey,
		"provider.baseUrl":       cfg.Provider.BaseURL,
		"provider.model":         cfg.Provider.Model,
		"provider.maxTokens":     cfg.Provider.MaxTokens,
		"provider.temperature":   cfg.Provider.Temperature,
		"provider.timeout":       cfg.Provider.Timeout,
		"summary.interval":       cfg.Summary.Interval,
		"summary.schedule":       cfg.Summary.Schedule,
		"summary.lookback":       cfg.Summary.Lookback,
		"summary.maxRecords":     cfg.Summary.MaxRecords,
		"summary.maxHistory":     cfg.Summary.MaxHistory,
		"summary.gatewayTimeout": cfg.Summary.GatewayTimeout,
		"summary.runOnStart":     cfg.Summary.RunOnStart,
		"history.source":         cfg.History.Source,
		"history.path":           cfg.History.Path,
		"store.backend":          cfg.Store.Backend,
		"store.path":             cfg.Store.Path,
		"store.redisUrl":         cfg.Store.RedisURL,
		"store.prefix":           cfg.Store.Prefix,
		"gateway.host":           cfg.Gateway.Host,
		"gateway.port":           cfg.Gateway.Port,
		"gateway.allowedOrigins": cfg.Gateway.AllowedOrigins,
		"telegram.enabled":       cfg.Telegram.Enabled,
		"telegram.token":         cfg.Telegram.Token,
		"telegram.chatId":        cfg.Telegram.ChatID,
		"telegram.allowFrom":     cfg.Telegram.AllowFrom,
		"telegram.proxy":         cfg.Telegram.Proxy,
		"log.debug":              cfg.Log.Debug,
		"log.format":             cfg.Log.Format,
		"log.file":               cfg.Log.File,
		"metrics.enabled":        cfg.Metrics.Enabled,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

func (c *Config) applyFallbacks() {
	def := DefaultConfig()
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = def.Provider.BaseURL
	}
	if c.Provider.Model == "" {
		c.Provider.Model = def.Provider.Model
	}
	if c.Provider.MaxTokens <= 0 {
		c.Provider.MaxTokens = def.Provider.MaxTokens
	}
	if c.Summary.MaxRecords <= 0 {
		c.Summary.MaxRecords = def.Summary.MaxRecords
	}
	if c.Summary.MaxHistory <= 0 {
		c.Summary.MaxHistory = def.Summary.MaxHistory
	}
	if c.Store.Backend == "" {
		c.Store.Backend = def.Store.Backend
	}
	if c.Store.Prefix == "" {
		c.Store.Prefix = def.Store.Prefix
	}
	if c.History.Source == "" {
		c.History.Source = def.History.Source
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = def.Gateway.Port
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite":
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("config: store backend redis requires redisUrl")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q (must be sqlite or redis)", c.Store.Backend)
	}

	switch c.History.Source {
	case "chrome", "firefox":
	case "json":
		if c.History.Path == "" {
			return fmt.Errorf("config: history source json requires path")
		}
	default:
		return fmt.Errorf("config: unknown history source %q (must be chrome, firefox or json)", c.History.Source)
	}

	if c.Provider.Temperature < 0 || c.Provider.Temperature > 2 {
		return fmt.Errorf("config: provider.temperature %v out of range [0, 2]", c.Provider.Temperature)
	}

	durations := map[string]string{
		"provider.timeout":       c.Provider.Timeout,
		"summary.interval":       c.Summary.Interval,
		"summary.lookback":       c.Summary.Lookback,
		"summary.gatewayTimeout": c.Summary.GatewayTimeout,
	}
	for name, raw := range durations {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", name)
		}
	}

	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return fmt.Errorf("config: telegram enabled without token")
	}
	return nil
}

func (c ProviderConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, DefaultProviderTimeout)
}

func (c SummaryConfig) IntervalDuration() time.Duration {
	return parseDuration(c.Interval, DefaultInterval)
}

func (c SummaryConfig) LookbackDuration() time.Duration {
	return parseDuration(c.Lookback, DefaultLookback)
}

func (c SummaryConfig) GatewayTimeoutDuration() time.Duration {
	return parseDuration(c.GatewayTimeout, DefaultGatewayTimeout)
}

func (c StoreConfig) SQLitePath() string {
	if c.Path != "" {
		return c.Path
	}
	return filepath.Join(DataDir(), "memtab.db")
}

func (c GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0600)
}

func parseDuration(raw, fallback string) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(raw)); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(fallback)
	return d
}
