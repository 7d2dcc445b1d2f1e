package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/consultd/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONSULTD_HOME", home)
	return home
}

func TestLoad_FromConsultdHome(t *testing.T) {
	home := writeConfig(t, `
log_level: debug
turn_timeout_seconds: 30
consultants:
  - key: tax-advisor
    prompt: "You are a tax advisor."
    model: gemini-2.5-pro
    context_length: 6
`)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("expected home %q, got %q", home, cfg.HomeDir)
	}
	if cfg.LogLevel != "debug" || cfg.TurnTimeoutSeconds != 30 {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	if len(cfg.Consultants) != 1 || cfg.Consultants[0].ContextLength != 6 {
		t.Fatalf("unexpected consultants: %+v", cfg.Consultants)
	}
	if cfg.NeedsSetup {
		t.Fatalf("NeedsSetup must be false when config.yaml exists")
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CONSULTD_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsSetup {
		t.Fatalf("expected NeedsSetup without config.yaml")
	}
	if cfg.DBPath != filepath.Join(home, "consultd.db") {
		t.Fatalf("unexpected db path %q", cfg.DBPath)
	}
	if cfg.DedupWindowSeconds != 5 || cfg.CompactionTimeoutSeconds != 120 || cfg.TurnTimeoutSeconds != 60 {
		t.Fatalf("unexpected timing defaults: %+v", cfg)
	}
	if cfg.LLM.Provider != "google" || cfg.LLM.FailoverThreshold != 5 || cfg.LLM.FailoverCooldownSeconds != 300 {
		t.Fatalf("unexpected llm defaults: %+v", cfg.LLM)
	}
	if cfg.Backup.Dir != filepath.Join(home, "backups") || cfg.Backup.Keep != 7 {
		t.Fatalf("unexpected backup defaults: %+v", cfg.Backup)
	}
	if cfg.OTel.ServiceName != "consultd" {
		t.Fatalf("unexpected otel service name %q", cfg.OTel.ServiceName)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	writeConfig(t, "bind_addr: 127.0.0.1:9000\nmax_queue_depth: 4\n")
	t.Setenv("CONSULTD_BIND_ADDR", "127.0.0.1:9999")
	t.Setenv("CONSULTD_MAX_QUEUE_DEPTH", "12")
	t.Setenv("CONSULTD_DEDUP_WINDOW_SECONDS", "not-a-number")
	t.Setenv("TELEGRAM_TOKEN", "123:abc")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:9999" {
		t.Fatalf("bind addr override not applied: %q", cfg.BindAddr)
	}
	if cfg.MaxQueueDepth != 12 {
		t.Fatalf("queue override not applied: %d", cfg.MaxQueueDepth)
	}
	if cfg.DedupWindowSeconds != 5 {
		t.Fatalf("malformed override must be ignored, got %d", cfg.DedupWindowSeconds)
	}
	if cfg.Channels.Telegram.Token != "123:abc" {
		t.Fatalf("telegram token override not applied")
	}
}

func TestLoad_ParseError(t *testing.T) {
	writeConfig(t, "log_level: [unterminated\n")
	if _, err := config.Load(); err == nil || !strings.Contains(err.Error(), "parse config.yaml") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestLoad_DuplicateConsultantKeys(t *testing.T) {
	writeConfig(t, `
consultants:
  - key: a
    prompt: p
  - key: a
    prompt: q
`)
	if _, err := config.Load(); err == nil || !strings.Contains(err.Error(), "duplicate key") {
		t.Fatalf("expected duplicate key error, got %v", err)
	}
}

func TestLoad_PublicBindNeedsAuthToken(t *testing.T) {
	writeConfig(t, "bind_addr: 0.0.0.0:18790\n")
	if _, err := config.Load(); err == nil || !strings.Contains(err.Error(), "auth_token") {
		t.Fatalf("expected auth_token error, got %v", err)
	}

	writeConfig(t, "bind_addr: 0.0.0.0:18790\nauth_token: s3cret\n")
	if _, err := config.Load(); err != nil {
		t.Fatalf("load with token: %v", err)
	}
}

func TestLoad_PromptFileRelativeToHome(t *testing.T) {
	home := writeConfig(t, `
consultants:
  - key: coach
    prompt_file: prompts/coach.md
    context_length: 4
`)
	if err := os.MkdirAll(filepath.Join(home, "prompts"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "prompts", "coach.md"), []byte("You coach runners."), 0o644); err != nil {
		t.Fatalf("write prompt: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Consultants[0].Prompt != "You coach runners." {
		t.Fatalf("prompt file not loaded: %q", cfg.Consultants[0].Prompt)
	}
}

func TestLoad_ConsultantModelDefaultsToLLMModel(t *testing.T) {
	writeConfig(t, `
llm:
  provider: Gemini
  model: gemini-2.5-flash
consultants:
  - key: a
    prompt: p
    context_length: 3
`)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LLM.Provider != "google" {
		t.Fatalf("legacy provider name not normalized: %q", cfg.LLM.Provider)
	}
	if cfg.Consultants[0].Model != "gemini-2.5-flash" {
		t.Fatalf("expected consultant model from llm.model, got %q", cfg.Consultants[0].Model)
	}
}

func TestLoad_TelegramEnabledByBindings(t *testing.T) {
	writeConfig(t, `
channels:
  telegram:
    token: "1:x"
    bindings:
      - chat_id: -100123
        prefix: "@tax"
        channel_key: tax-advisor
`)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	tg := cfg.Channels.Telegram
	if !tg.Enabled || len(tg.Bindings) != 1 || tg.Bindings[0].Prefix != "@tax" {
		t.Fatalf("unexpected telegram config: %+v", tg)
	}
}

func TestProviderAPIKey_EnvOverridesYAML(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	cfg := config.Config{Providers: map[string]config.ProviderConfig{"anthropic": {APIKey: "yaml-key"}}}
	if got := cfg.ProviderAPIKey("anthropic"); got != "env-key" {
		t.Fatalf("expected env key, got %q", got)
	}
	t.Setenv("ANTHROPIC_API_KEY", "")
	if got := cfg.ProviderAPIKey("anthropic"); got != "yaml-key" {
		t.Fatalf("expected yaml key, got %q", got)
	}
}

func TestProviderAPIKey_GoogleFallsBackToGoogleAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "g")
	if got := (config.Config{}).ProviderAPIKey("google"); got != "g" {
		t.Fatalf("expected GOOGLE_API_KEY, got %q", got)
	}
}

func TestResolveLLMConfig(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "or-key")
	cfg := config.Config{
		LLM: config.LLMConfig{Provider: "openrouter"},
		Providers: map[string]config.ProviderConfig{
			"openrouter": {Model: "anthropic/claude-sonnet-4-5"},
		},
	}
	provider, model, key := cfg.ResolveLLMConfig()
	if provider != "openrouter" || model != "anthropic/claude-sonnet-4-5" || key != "or-key" {
		t.Fatalf("unexpected resolution: %s %s %s", provider, model, key)
	}
}

func TestProviderNames_Deduplicated(t *testing.T) {
	cfg := config.Config{LLM: config.LLMConfig{
		Provider:          "google",
		FallbackProviders: []string{"Anthropic", "google", " ", "openai", "anthropic"},
	}}
	got := strings.Join(cfg.ProviderNames(), ",")
	if got != "google,anthropic,openai" {
		t.Fatalf("unexpected provider order: %s", got)
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	a := config.Config{BindAddr: "127.0.0.1:1", MaxQueueDepth: 3}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprint not stable")
	}
	b.BindAddr = "127.0.0.1:2"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("fingerprint ignores bind addr")
	}
}
