// Package config loads the sync engine configuration: YAML file, then
// .env, then PELUSA_* environment overrides, then defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/pelusa-v/pelusa-sync/internal/chat"
)

type Config struct {
	API struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"api"`
	Channel struct {
		URL            string        `yaml:"url"`
		ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	} `yaml:"channel"`
	Self struct {
		Kind string `yaml:"kind"`
		ID   string `yaml:"id"`
	} `yaml:"self"`
	Sync Sync `yaml:"sync"`
	Log  struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
}

// Sync holds the engine timers and thresholds.
type Sync struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	ResyncInterval time.Duration `yaml:"resync_interval"`
	DriftThreshold int           `yaml:"drift_threshold"`
	DriftDelay     time.Duration `yaml:"drift_delay"`
	MatchWindow    time.Duration `yaml:"match_window"`
	PageSize       int           `yaml:"page_size"`
}

// DefaultSync is used for every unset Sync field.
func DefaultSync() Sync {
	return Sync{
		PollInterval:   30 * time.Second,
		ResyncInterval: 30 * time.Second,
		DriftThreshold: 50,
		DriftDelay:     time.Second,
		MatchWindow:    5 * time.Second,
		PageSize:       20,
	}
}

// Load reads path (optional when empty), applies .env and environment
// overrides, fills defaults and validates.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	_ = godotenv.Load(".env")
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from PELUSA_* variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("PELUSA_API_BASE_URL", &c.API.BaseURL)
	dur("PELUSA_API_TIMEOUT", &c.API.Timeout)
	str("PELUSA_CHANNEL_URL", &c.Channel.URL)
	dur("PELUSA_CHANNEL_RECONNECT_DELAY", &c.Channel.ReconnectDelay)
	str("PELUSA_SELF_KIND", &c.Self.Kind)
	str("PELUSA_SELF_ID", &c.Self.ID)
	dur("PELUSA_SYNC_POLL_INTERVAL", &c.Sync.PollInterval)
	dur("PELUSA_SYNC_RESYNC_INTERVAL", &c.Sync.ResyncInterval)
	num("PELUSA_SYNC_DRIFT_THRESHOLD", &c.Sync.DriftThreshold)
	dur("PELUSA_SYNC_DRIFT_DELAY", &c.Sync.DriftDelay)
	dur("PELUSA_SYNC_MATCH_WINDOW", &c.Sync.MatchWindow)
	num("PELUSA_SYNC_PAGE_SIZE", &c.Sync.PageSize)
	str("PELUSA_LOG_LEVEL", &c.Log.Level)
	if v, ok := lookup("PELUSA_LOG_JSON"); ok && v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("PELUSA_LOG_JSON: %w", err))
		} else {
			c.Log.JSON = b
		}
	}
	str("PELUSA_SERVER_ADDR", &c.Server.Addr)
	return errors.Join(errs...)
}

func (c *Config) SetDefaults() {
	if c.API.BaseURL == "" {
		c.API.BaseURL = "http://127.0.0.1:8080"
	}
	if c.API.Timeout <= 0 {
		c.API.Timeout = 10 * time.Second
	}
	if c.Channel.URL == "" {
		c.Channel.URL = socketURL(c.API.BaseURL)
	}
	if c.Channel.ReconnectDelay <= 0 {
		c.Channel.ReconnectDelay = 3 * time.Second
	}
	def := DefaultSync()
	if c.Sync.PollInterval <= 0 {
		c.Sync.PollInterval = def.PollInterval
	}
	if c.Sync.ResyncInterval <= 0 {
		c.Sync.ResyncInterval = def.ResyncInterval
	}
	if c.Sync.DriftThreshold <= 0 {
		c.Sync.DriftThreshold = def.DriftThreshold
	}
	if c.Sync.DriftDelay <= 0 {
		c.Sync.DriftDelay = def.DriftDelay
	}
	if c.Sync.MatchWindow <= 0 {
		c.Sync.MatchWindow = def.MatchWindow
	}
	if c.Sync.PageSize <= 0 {
		c.Sync.PageSize = def.PageSize
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
}

// socketURL derives the push endpoint from the REST base URL.
func socketURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/socket"
}

// Validate checks the values the engine cannot run without. The self
// identity is only required by commands that sync, see SelfIdentity.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.API.BaseURL, "http://") && !strings.HasPrefix(c.API.BaseURL, "https://") {
		return fmt.Errorf("api.base_url must be http(s): %q", c.API.BaseURL)
	}
	if !strings.HasPrefix(c.Channel.URL, "ws://") && !strings.HasPrefix(c.Channel.URL, "wss://") {
		return fmt.Errorf("channel.url must be ws(s): %q", c.Channel.URL)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

// SelfIdentity is the identity the engine syncs for.
func (c *Config) SelfIdentity() (chat.Identity, error) {
	kind, err := chat.ParseKind(c.Self.Kind)
	if err != nil {
		return chat.Identity{}, fmt.Errorf("self.kind: %w", err)
	}
	id := chat.NewIdentity(kind, c.Self.ID)
	if !id.Valid() {
		return chat.Identity{}, fmt.Errorf("self.id: %w", chat.ErrInvalidIdentity)
	}
	return id, nil
}
