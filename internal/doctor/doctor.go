// Package doctor runs offline-friendly diagnostics against a consultd home
// directory and reports one result per check.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/consultd/internal/config"
	"github.com/basket/consultd/internal/cron"
	"github.com/basket/consultd/internal/memory"
	"github.com/basket/consultd/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Resolver is the DNS lookup used by the network check.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Options tunes Run. The zero value uses the system resolver.
type Options struct {
	Resolver Resolver
	// SkipNetwork disables the DNS check.
	SkipNetwork bool
	Now         func() time.Time
}

type checkFunc func(context.Context, *config.Config) CheckResult

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string, opts Options) Diagnosis {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	d := Diagnosis{
		Timestamp: opts.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []checkFunc{
		checkConfig,
		checkProviders,
		checkDatabase,
		checkConsultants,
		checkTelegram,
		func(ctx context.Context, cfg *config.Config) CheckResult { return checkBackups(ctx, cfg, opts.Now()) },
		checkPermissions,
	}
	if !opts.SkipNetwork {
		checks = append(checks, func(ctx context.Context, cfg *config.Config) CheckResult {
			return checkNetwork(ctx, cfg, opts.Resolver)
		})
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsSetup {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing; defaults in use",
			Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail: cfg.Fingerprint()}
}

// keylessProviders run without an API key.
var keylessProviders = map[string]bool{"ollama": true, "openai_compatible": true}

func checkProviders(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Providers", Status: StatusSkip, Message: "Config missing"}
	}
	names := cfg.ProviderNames()
	var ready, missing []string
	for _, name := range names {
		if keylessProviders[name] || cfg.ProviderAPIKey(name) != "" {
			ready = append(ready, name)
		} else {
			missing = append(missing, name)
		}
	}
	switch {
	case len(names) == 0:
		return CheckResult{Name: "Providers", Status: StatusFail, Message: "No llm provider configured"}
	case len(ready) == 0:
		return CheckResult{Name: "Providers", Status: StatusFail, Message: "No provider has an API key",
			Detail: "missing: " + strings.Join(missing, ", ")}
	case len(missing) > 0:
		return CheckResult{Name: "Providers", Status: StatusWarn,
			Message: fmt.Sprintf("%d of %d providers usable", len(ready), len(names)),
			Detail:  "missing key: " + strings.Join(missing, ", ")}
	}
	return CheckResult{Name: "Providers", Status: StatusPass,
		Message: fmt.Sprintf("Failover chain: %s", strings.Join(names, " -> "))}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.DBPath}
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Ping failed: %v", err), Detail: cfg.DBPath}
	}
	records, err := store.ListChannels(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err), Detail: cfg.DBPath}
	}
	return CheckResult{Name: "Database", Status: StatusPass,
		Message: fmt.Sprintf("Schema valid, %d channels", len(records)), Detail: cfg.DBPath}
}

func checkConsultants(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Consultants", Status: StatusSkip, Message: "Config missing"}
	}
	if len(cfg.Consultants) == 0 {
		return CheckResult{Name: "Consultants", Status: StatusWarn, Message: "No consultants seeded from config",
			Detail: "channels must be configured over the gateway before they answer"}
	}
	var bad []string
	for _, c := range cfg.Consultants {
		_, err := memory.ConfigPatch(memory.Config{PromptTemplate: c.Prompt, ModelID: c.Model, WindowSize: c.ContextLength})
		if err != nil {
			bad = append(bad, fmt.Sprintf("%s: %v", c.Key, err))
		}
	}
	if len(bad) > 0 {
		return CheckResult{Name: "Consultants", Status: StatusFail,
			Message: fmt.Sprintf("%d of %d consultants invalid", len(bad), len(cfg.Consultants)),
			Detail:  strings.Join(bad, "; ")}
	}
	return CheckResult{Name: "Consultants", Status: StatusPass,
		Message: fmt.Sprintf("%d consultants valid", len(cfg.Consultants)),
		Detail:  strings.Join(cfg.ConsultantKeys(), ", ")}
}

func checkTelegram(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telegram", Status: StatusSkip, Message: "Config missing"}
	}
	tg := cfg.Channels.Telegram
	if !tg.Enabled {
		return CheckResult{Name: "Telegram", Status: StatusSkip, Message: "Disabled"}
	}
	if tg.Token == "" {
		return CheckResult{Name: "Telegram", Status: StatusFail, Message: "Enabled without a token"}
	}
	known := make(map[string]bool, len(cfg.Consultants))
	for _, c := range cfg.Consultants {
		known[c.Key] = true
	}
	var unseeded []string
	for _, b := range tg.Bindings {
		if !known[b.ChannelKey] {
			unseeded = append(unseeded, b.ChannelKey)
		}
	}
	if len(tg.AllowedIDs) == 0 {
		return CheckResult{Name: "Telegram", Status: StatusWarn, Message: "allowed_ids is empty; every sender is refused"}
	}
	if len(unseeded) > 0 {
		return CheckResult{Name: "Telegram", Status: StatusWarn,
			Message: "Bindings point at channels not seeded from config",
			Detail:  strings.Join(unseeded, ", ")}
	}
	return CheckResult{Name: "Telegram", Status: StatusPass,
		Message: fmt.Sprintf("%d bindings, %d allowed users", len(tg.Bindings), len(tg.AllowedIDs))}
}

func checkBackups(_ context.Context, cfg *config.Config, now time.Time) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Backups", Status: StatusSkip, Message: "Config missing"}
	}
	if strings.TrimSpace(cfg.Backup.Schedule) == "" {
		return CheckResult{Name: "Backups", Status: StatusWarn, Message: "No backup schedule configured"}
	}
	next, err := cron.NextRunTime(cfg.Backup.Schedule, now)
	if err != nil {
		return CheckResult{Name: "Backups", Status: StatusFail, Message: fmt.Sprintf("Invalid schedule: %v", err)}
	}
	if err := writable(cfg.Backup.Dir); err != nil {
		return CheckResult{Name: "Backups", Status: StatusFail, Message: fmt.Sprintf("Backup dir unwritable: %v", err)}
	}
	return CheckResult{Name: "Backups", Status: StatusPass,
		Message: fmt.Sprintf("Next run %s, keep %d", next.UTC().Format(time.RFC3339), cfg.Backup.Keep),
		Detail:  cfg.Backup.Dir}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	if err := writable(cfg.HomeDir); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func writable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return err
	}
	return os.Remove(probe)
}

var providerHosts = map[string]string{
	"google":     "generativelanguage.googleapis.com",
	"anthropic":  "api.anthropic.com",
	"openai":     "api.openai.com",
	"openrouter": "openrouter.ai",
}

func providerHost(cfg *config.Config) string {
	provider := cfg.LLM.Provider
	if provider == "" {
		provider = "google"
	}
	if provider == "openai_compatible" || provider == "ollama" {
		raw := cfg.LLM.OpenAICompatibleBaseURL
		if p, ok := cfg.Providers[provider]; ok && p.BaseURL != "" {
			raw = p.BaseURL
		}
		if host := hostOf(raw); host != "" {
			return host
		}
	}
	if host, ok := providerHosts[provider]; ok {
		return host
	}
	return providerHosts["google"]
}

func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.Index(raw, "://"); i >= 0 {
		raw = raw[i+3:]
	}
	if i := strings.IndexByte(raw, '/'); i >= 0 {
		raw = raw[:i]
	}
	if h, _, err := net.SplitHostPort(raw); err == nil {
		return h
	}
	return raw
}

func checkNetwork(ctx context.Context, cfg *config.Config, r Resolver) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	host := providerHost(cfg)

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := r.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("addresses=%v", addrs),
	}
}
