package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	toml "github.com/pelletier/go-toml/v2"
)

// Config is the asyncstate runtime configuration.
type Config struct {
	Log   LogConfig   `koanf:"log"`
	Store StoreConfig `koanf:"store"`
	Geo   GeoConfig   `koanf:"geo"`
	Retry RetryConfig `koanf:"retry"`
	UI    UIConfig    `koanf:"ui"`
}

// LogConfig selects the zap level and encoding.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// StoreConfig selects the kv medium and change channel.
type StoreConfig struct {
	// Medium is memory, file or sqlite.
	Medium string `koanf:"medium"`
	Path   string `koanf:"path"`
	// Channel is local, file or nats.
	Channel string `koanf:"channel"`
	NATSURL string `koanf:"nats_url"`
	Subject string `koanf:"subject"`
}

// GeoConfig configures the position cache and the IP-geolocation provider.
type GeoConfig struct {
	Endpoint      string        `koanf:"endpoint"`
	CacheDuration time.Duration `koanf:"cache_duration"`
	Timeout       time.Duration `koanf:"timeout"`
	MaximumAge    time.Duration `koanf:"maximum_age"`
	HighAccuracy  bool          `koanf:"high_accuracy"`
	PollInterval  time.Duration `koanf:"poll_interval"`
}

// RetryConfig is the retry policy for provider lookups.
type RetryConfig struct {
	Count int           `koanf:"count"`
	Delay time.Duration `koanf:"delay"`
}

// UIConfig holds defaults for the watch dashboard.
type UIConfig struct {
	Theme string `koanf:"theme"`
}

const (
	envPrefix         = "ASYNCSTATE_"
	defaultConfigPath = "~/.config/asyncstate/config.toml"
	defaultDataDir    = "~/.local/share/asyncstate"
	defaultNATSURL    = "nats://127.0.0.1:4222"
	defaultSubject    = "asyncstate.kv.changes"
	defaultEndpoint   = "https://ipapi.co/json/"
	defaultTheme      = "Dracula"

	MediumMemory = "memory"
	MediumFile   = "file"
	MediumSQLite = "sqlite"

	ChannelLocal = "local"
	ChannelFile  = "file"
	ChannelNATS  = "nats"
)

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Log:   LogConfig{Level: "info", Format: "console"},
		Store: StoreConfig{Medium: MediumFile, Channel: ChannelFile, NATSURL: defaultNATSURL, Subject: defaultSubject},
		Geo: GeoConfig{
			Endpoint:      defaultEndpoint,
			CacheDuration: 10 * time.Minute,
			Timeout:       10 * time.Second,
			PollInterval:  time.Minute,
		},
		Retry: RetryConfig{Count: 2, Delay: 500 * time.Millisecond},
		UI:    UIConfig{Theme: defaultTheme},
	}
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	return defaultConfigPath
}

// Load reads the TOML file at path, then applies ASYNCSTATE_* environment
// overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}

	k := koanf.New(".")

	bytes, err := readFile(resolved)
	if err != nil {
		return Config{}, err
	}
	if bytes != nil {
		if err := k.Load(rawbytes.Provider(bytes), tomlParser{}); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	// ASYNCSTATE_GEO_CACHE_DURATION -> geo.cache_duration
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	def := Default()

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))

	c.Store.Medium = strings.ToLower(strings.TrimSpace(c.Store.Medium))
	switch c.Store.Medium {
	case "":
		c.Store.Medium = def.Store.Medium
	case MediumMemory, MediumFile, MediumSQLite:
	default:
		return fmt.Errorf("unknown store medium %q", c.Store.Medium)
	}

	c.Store.Channel = strings.ToLower(strings.TrimSpace(c.Store.Channel))
	switch c.Store.Channel {
	case "":
		c.Store.Channel = def.Store.Channel
	case ChannelLocal, ChannelNATS:
	case ChannelFile:
		if c.Store.Medium != MediumFile {
			return fmt.Errorf("store channel %q requires the %q medium", ChannelFile, MediumFile)
		}
	default:
		return fmt.Errorf("unknown store channel %q", c.Store.Channel)
	}

	c.Store.Path = strings.TrimSpace(c.Store.Path)
	if c.Store.Path == "" {
		switch c.Store.Medium {
		case MediumSQLite:
			c.Store.Path = defaultDataDir + "/store.db"
		default:
			c.Store.Path = defaultDataDir + "/store.toml"
		}
	}
	c.Store.Path = mustExpand(c.Store.Path)

	c.Store.NATSURL = strings.TrimSpace(c.Store.NATSURL)
	if c.Store.NATSURL == "" {
		c.Store.NATSURL = defaultNATSURL
	}
	c.Store.Subject = strings.TrimSpace(c.Store.Subject)
	if c.Store.Subject == "" {
		c.Store.Subject = defaultSubject
	}

	c.Geo.Endpoint = strings.TrimSpace(c.Geo.Endpoint)
	if c.Geo.Endpoint == "" {
		c.Geo.Endpoint = defaultEndpoint
	}
	if c.Geo.CacheDuration <= 0 {
		c.Geo.CacheDuration = def.Geo.CacheDuration
	}
	if c.Geo.PollInterval <= 0 {
		c.Geo.PollInterval = def.Geo.PollInterval
	}
	if c.Geo.Timeout < 0 {
		c.Geo.Timeout = 0
	}
	if c.Geo.MaximumAge < 0 {
		c.Geo.MaximumAge = 0
	}

	if c.Retry.Count < 0 {
		c.Retry.Count = 0
	}
	if c.Retry.Delay < 0 {
		c.Retry.Delay = 0
	}

	c.UI.Theme = strings.TrimSpace(c.UI.Theme)
	if c.UI.Theme == "" {
		c.UI.Theme = defaultTheme
	}
	return nil
}

func readFile(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	bytes, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return bytes, nil
}

// envKey maps an environment variable to a config key, splitting the section
// from the field at the first underscore.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// tomlParser adapts go-toml to koanf.Parser.
type tomlParser struct{}

func (tomlParser) Unmarshal(b []byte) (map[string]any, error) {
	var out map[string]any
	if err := toml.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (tomlParser) Marshal(m map[string]any) ([]byte, error) {
	return toml.Marshal(m)
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return ExpandPath(defaultConfigPath)
	}
	return ExpandPath(path)
}

func mustExpand(path string) string {
	expanded, err := ExpandPath(path)
	if err != nil {
		return path
	}
	return expanded
}

// ExpandPath resolves a leading ~ and returns an absolute path.
func ExpandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
