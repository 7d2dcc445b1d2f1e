package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/consultd/internal/otel"
)

// ProviderConfig holds per-provider credentials and endpoints.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // custom endpoint (e.g. a local gateway)
	// Model is the provider's default model, used when it serves as a fallback.
	Model string `yaml:"model"`
}

// LLMConfig selects the primary provider and the failover chain.
type LLMConfig struct {
	// Provider names the primary: "google", "anthropic", "openai",
	// "openai_compatible", "openrouter", "ollama".
	Provider string `yaml:"provider"`
	// Model is the primary's default model. Channel configs name their own.
	Model string `yaml:"model"`
	// SummaryModel, when set, is used for every compaction call.
	SummaryModel string `yaml:"summary_model"`

	// OpenAICompatible config.
	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`

	// FallbackProviders are tried in order when the primary fails.
	FallbackProviders []string `yaml:"fallback_providers"`

	// FailoverThreshold is the number of consecutive failures before a
	// provider's circuit breaker trips. Default 5.
	FailoverThreshold int `yaml:"failover_threshold"`

	// FailoverCooldownSeconds is how long a tripped breaker stays open.
	// Default 300.
	FailoverCooldownSeconds int `yaml:"failover_cooldown_seconds"`
}

// ConsultantConfig seeds one channel's configuration on start and reload.
type ConsultantConfig struct {
	Key           string `yaml:"key"`
	Prompt        string `yaml:"prompt"`
	PromptFile    string `yaml:"prompt_file"`
	Model         string `yaml:"model"`
	ContextLength int    `yaml:"context_length"`
}

// TelegramBinding routes a chat to a channel. With Prefix set, only messages
// starting with it (e.g. "@tax") are routed, with the prefix stripped.
type TelegramBinding struct {
	ChatID     int64  `yaml:"chat_id"`
	Prefix     string `yaml:"prefix"`
	ChannelKey string `yaml:"channel_key"`
}

type TelegramConfig struct {
	Token      string            `yaml:"token"`
	AllowedIDs []int64           `yaml:"allowed_ids"`
	Enabled    bool              `yaml:"enabled"`
	Bindings   []TelegramBinding `yaml:"bindings"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// BackupConfig schedules VACUUM INTO snapshots of the database.
type BackupConfig struct {
	// Schedule is a robfig/cron expression; empty disables backups.
	Schedule string `yaml:"schedule"`
	Dir      string `yaml:"dir"`
	Keep     int    `yaml:"keep"`
}

// RateLimitConfig bounds gateway requests per client.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`
	BindAddr string `yaml:"bind_addr"`

	// AuthToken protects the gateway. Empty restricts it to loopback binds.
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins lists accepted Origin headers for browser websocket
	// clients. Empty means same-host only.
	AllowOrigins []string `yaml:"allow_origins"`

	TurnTimeoutSeconds       int `yaml:"turn_timeout_seconds"`
	CompactionTimeoutSeconds int `yaml:"compaction_timeout_seconds"`
	DedupWindowSeconds       int `yaml:"dedup_window_seconds"`

	// MaxQueueDepth caps waiting turns per channel. 0 = unlimited.
	MaxQueueDepth int `yaml:"max_queue_depth"`

	// DrainTimeoutSeconds bounds shutdown. 0 uses the default (10s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	LLM       LLMConfig                 `yaml:"llm"`
	Providers map[string]ProviderConfig `yaml:"providers"`

	Consultants []ConsultantConfig `yaml:"consultants"`
	Channels    ChannelsConfig     `yaml:"channels"`
	OTel        otel.Config        `yaml:"otel"`
	Backup      BackupConfig       `yaml:"backup"`
	RateLimit   RateLimitConfig    `yaml:"rate_limit"`

	// NeedsSetup is true when no config.yaml exists yet.
	NeedsSetup bool `yaml:"-"`
}

// ProviderAPIKey returns the API key for the given provider, checking env
// overrides first.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string][]string{
		"google":     {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
		"anthropic":  {"ANTHROPIC_API_KEY"},
		"openai":     {"OPENAI_API_KEY"},
		"openrouter": {"OPENROUTER_API_KEY"},
	}
	for _, envVar := range envMap[provider] {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if p, ok := c.Providers[provider]; ok {
		return p.APIKey
	}
	return ""
}

// ResolveLLMConfig returns the effective primary provider, model and key.
func (c Config) ResolveLLMConfig() (provider, model, apiKey string) {
	provider = c.LLM.Provider
	if provider == "" {
		provider = "google"
	}
	model = c.LLM.Model
	if model == "" {
		model = c.Providers[provider].Model
	}
	return provider, model, c.ProviderAPIKey(provider)
}

func (c Config) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutSeconds) * time.Second
}

func (c Config) CompactionTimeout() time.Duration {
	return time.Duration(c.CompactionTimeoutSeconds) * time.Second
}

func (c Config) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

func (c Config) FailoverCooldown() time.Duration {
	return time.Duration(c.LLM.FailoverCooldownSeconds) * time.Second
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that need a restart to
// change; reloads compare it to warn about ignored edits.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|bind=%s|provider=%s|model=%s|fallbacks=%v|origins=%v|queue=%d",
		c.DBPath, c.BindAddr, c.LLM.Provider, c.LLM.Model, c.LLM.FallbackProviders, c.AllowOrigins, c.MaxQueueDepth)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:                 "info",
		BindAddr:                 "127.0.0.1:18790",
		TurnTimeoutSeconds:       60,
		CompactionTimeoutSeconds: 120,
		DedupWindowSeconds:       5,
		MaxQueueDepth:            32,
		DrainTimeoutSeconds:      10,
		Backup:                   BackupConfig{Keep: 7},
		RateLimit:                RateLimitConfig{RequestsPerMinute: 120, Burst: 20},
	}
}

func HomeDir() string {
	if override := os.Getenv("CONSULTD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".consultd")
}

// Load reads $CONSULTD_HOME/config.yaml. A missing file is not an error;
// defaults apply and NeedsSetup is set.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create consultd home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsSetup = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := loadPromptFiles(&cfg); err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "consultd.db")
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.TurnTimeoutSeconds <= 0 {
		cfg.TurnTimeoutSeconds = 60
	}
	if cfg.CompactionTimeoutSeconds <= 0 {
		cfg.CompactionTimeoutSeconds = 120
	}
	if cfg.DedupWindowSeconds <= 0 {
		cfg.DedupWindowSeconds = 5
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 10
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	// Legacy provider name.
	if cfg.LLM.Provider == "" || cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.FailoverThreshold <= 0 {
		cfg.LLM.FailoverThreshold = 5
	}
	if cfg.LLM.FailoverCooldownSeconds <= 0 {
		cfg.LLM.FailoverCooldownSeconds = 300
	}
	if cfg.Backup.Dir == "" {
		cfg.Backup.Dir = filepath.Join(cfg.HomeDir, "backups")
	}
	if cfg.Backup.Keep <= 0 {
		cfg.Backup.Keep = 7
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "consultd"
	}
	for i := range cfg.Consultants {
		c := &cfg.Consultants[i]
		c.Key = strings.TrimSpace(c.Key)
		if c.Model == "" {
			c.Model = cfg.LLM.Model
		}
	}
	if cfg.Channels.Telegram.Token != "" && len(cfg.Channels.Telegram.Bindings) > 0 {
		cfg.Channels.Telegram.Enabled = true
	}
}

// loadPromptFiles resolves prompt_file entries relative to the home dir.
func loadPromptFiles(cfg *Config) error {
	for i := range cfg.Consultants {
		c := &cfg.Consultants[i]
		if c.PromptFile == "" || c.Prompt != "" {
			continue
		}
		path := c.PromptFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.HomeDir, path)
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("consultant %q: read prompt file: %w", c.Key, err)
		}
		c.Prompt = string(b)
	}
	return nil
}

func validate(cfg Config) error {
	seen := make(map[string]bool, len(cfg.Consultants))
	for _, c := range cfg.Consultants {
		if c.Key == "" {
			return fmt.Errorf("consultants: entry with empty key")
		}
		if seen[c.Key] {
			return fmt.Errorf("consultants: duplicate key %q", c.Key)
		}
		seen[c.Key] = true
	}
	for _, b := range cfg.Channels.Telegram.Bindings {
		if b.ChannelKey == "" {
			return fmt.Errorf("telegram binding for chat %d has no channel_key", b.ChatID)
		}
	}
	if cfg.AuthToken == "" && !isLoopback(cfg.BindAddr) {
		return fmt.Errorf("auth_token is required when bind_addr %q is not loopback", cfg.BindAddr)
	}
	return nil
}

func isLoopback(addr string) bool {
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	host = strings.Trim(host, "[]")
	switch host {
	case "127.0.0.1", "localhost", "::1":
		return true
	}
	return false
}

func envInt(name string, dst *int) {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	envInt("CONSULTD_TURN_TIMEOUT_SECONDS", &cfg.TurnTimeoutSeconds)
	envInt("CONSULTD_COMPACTION_TIMEOUT_SECONDS", &cfg.CompactionTimeoutSeconds)
	envInt("CONSULTD_DEDUP_WINDOW_SECONDS", &cfg.DedupWindowSeconds)
	envInt("CONSULTD_MAX_QUEUE_DEPTH", &cfg.MaxQueueDepth)
	envInt("CONSULTD_DRAIN_TIMEOUT_SECONDS", &cfg.DrainTimeoutSeconds)
	if raw := os.Getenv("CONSULTD_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CONSULTD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CONSULTD_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("CONSULTD_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("CONSULTD_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("CONSULTD_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}

// ProviderNames returns the primary followed by fallbacks, deduplicated.
func (c Config) ProviderNames() []string {
	seen := map[string]bool{}
	var out []string
	for _, name := range append([]string{c.LLM.Provider}, c.LLM.FallbackProviders...) {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// ConsultantKeys lists seeded channel keys in sorted order.
func (c Config) ConsultantKeys() []string {
	keys := make([]string, 0, len(c.Consultants))
	for _, cc := range c.Consultants {
		keys = append(keys, cc.Key)
	}
	sort.Strings(keys)
	return keys
}
