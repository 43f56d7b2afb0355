package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// TABSYNC_RELAY_PORT for relay.port.
const EnvPrefix = "TABSYNC"

type RelayConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	JournalPath      string        `mapstructure:"journal_path"`
	JournalRetention time.Duration `mapstructure:"journal_retention"`
	SendBuffer       int           `mapstructure:"send_buffer"`
}

type ClientConfig struct {
	RelayURL       string `mapstructure:"relay_url"`
	Channel        string `mapstructure:"channel"`
	LeaderElection bool   `mapstructure:"leader_election"`
	// NotifyWebhook and NotifyNtfy receive a POST when this context
	// observes every context idle or prompted.
	NotifyWebhook string `mapstructure:"notify_webhook"`
	NotifyNtfy    string `mapstructure:"notify_ntfy"`
}

type ElectionConfig struct {
	ResponseTime     time.Duration `mapstructure:"response_time"`
	FallbackInterval time.Duration `mapstructure:"fallback_interval"`
}

type LoggingConfig struct {
	Dir     string `mapstructure:"dir"`
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format"`
	MaxDays int    `mapstructure:"max_days"`
}

type Config struct {
	Relay    RelayConfig    `mapstructure:"relay"`
	Client   ClientConfig   `mapstructure:"client"`
	Election ElectionConfig `mapstructure:"election"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

func Defaults() Config {
	return Config{
		Relay: RelayConfig{
			Host:             "127.0.0.1",
			Port:             8090,
			JournalPath:      DBPath(),
			JournalRetention: 7 * 24 * time.Hour,
			SendBuffer:       64,
		},
		Client: ClientConfig{
			RelayURL: "ws://127.0.0.1:8090",
			Channel:  "idle",
		},
		Election: ElectionConfig{
			ResponseTime:     100 * time.Millisecond,
			FallbackInterval: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Dir:     LogDir(),
			Level:   "info",
			Format:  "text",
			MaxDays: 7,
		},
	}
}

// SetDefaults registers every key with v so environment overrides resolve
// even when no config file mentions them.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("relay.host", d.Relay.Host)
	v.SetDefault("relay.port", d.Relay.Port)
	v.SetDefault("relay.journal_path", d.Relay.JournalPath)
	v.SetDefault("relay.journal_retention", d.Relay.JournalRetention)
	v.SetDefault("relay.send_buffer", d.Relay.SendBuffer)

	v.SetDefault("client.relay_url", d.Client.RelayURL)
	v.SetDefault("client.channel", d.Client.Channel)
	v.SetDefault("client.leader_election", d.Client.LeaderElection)
	v.SetDefault("client.notify_webhook", d.Client.NotifyWebhook)
	v.SetDefault("client.notify_ntfy", d.Client.NotifyNtfy)

	v.SetDefault("election.response_time", d.Election.ResponseTime)
	v.SetDefault("election.fallback_interval", d.Election.FallbackInterval)

	v.SetDefault("logging.dir", d.Logging.Dir)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.max_days", d.Logging.MaxDays)
}

func Dir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tabsync")
}

func DefaultPath() string {
	return filepath.Join(Dir(), "config.json")
}

func DBPath() string {
	return filepath.Join(Dir(), "journal.db")
}

func LogDir() string {
	return filepath.Join(Dir(), "logs")
}

// New returns a viper instance with defaults and TABSYNC_* environment
// overrides wired. Flags may be bound to it before calling Decode.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Read loads path into v. A missing file is not an error.
func Read(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("json")
	}
	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// Decode unmarshals v and validates the result.
func Decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Defaults(), fmt.Errorf("decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return cfg, errs
	}
	return cfg, nil
}

// Load reads path (JSON or YAML, by extension) over the defaults, applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	v := New()
	if err := Read(v, path); err != nil {
		return Defaults(), err
	}
	return Decode(v)
}
