package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/consultd/internal/channels"
	"github.com/basket/consultd/internal/config"
	"github.com/basket/consultd/internal/engine"
	"github.com/basket/consultd/internal/memory"
)

// providerConfigs expands the configured provider chain into completer
// configs, primary first.
func providerConfigs(cfg config.Config) []engine.ProviderConfig {
	_, primaryModel, _ := cfg.ResolveLLMConfig()
	names := cfg.ProviderNames()
	out := make([]engine.ProviderConfig, 0, len(names))
	for i, name := range names {
		p := cfg.Providers[name]
		pc := engine.ProviderConfig{
			Name:    name,
			Model:   p.Model,
			APIKey:  cfg.ProviderAPIKey(name),
			BaseURL: p.BaseURL,
		}
		if i == 0 && primaryModel != "" {
			pc.Model = primaryModel
		}
		if name == "openai_compatible" {
			pc.CompatProvider = cfg.LLM.OpenAICompatibleProvider
			if pc.BaseURL == "" {
				pc.BaseURL = cfg.LLM.OpenAICompatibleBaseURL
			}
		}
		out = append(out, pc)
	}
	return out
}

// buildCompleter wraps every configured provider in one failover completer
// whose breaker state lives in kv.
func buildCompleter(ctx context.Context, cfg config.Config, kv engine.KVStore, logger *slog.Logger) (*engine.FailoverCompleter, error) {
	pcs := providerConfigs(cfg)
	if len(pcs) == 0 {
		return nil, errors.New("no llm provider configured")
	}
	named := make([]engine.NamedCompleter, 0, len(pcs))
	enabled := 0
	for _, pc := range pcs {
		gc := engine.NewGenkitCompleter(ctx, pc, logger)
		if gc.Enabled() {
			enabled++
		}
		named = append(named, engine.NamedCompleter{Name: gc.Name(), Completer: gc})
	}
	if enabled == 0 {
		logger.Warn("no llm provider has an API key; every turn will fail until one is set",
			"providers", cfg.ProviderNames())
	}
	fc := engine.NewFailoverCompleter(named[0], named[1:], engine.FailoverConfig{
		Threshold: cfg.LLM.FailoverThreshold,
		Cooldown:  cfg.FailoverCooldown(),
		Logger:    logger,
	})
	if kv != nil {
		fc.SetKVStore(kv)
		fc.LoadBreakerState(ctx)
	}
	return fc, nil
}

// seedConsultants writes every configured consultant into its channel
// record. Summaries and unrelated settings keys are left alone.
func seedConsultants(ctx context.Context, mgr *memory.Manager, cfg config.Config, logger *slog.Logger) error {
	var errs []error
	for _, cc := range cfg.Consultants {
		err := mgr.Configure(ctx, cc.Key, memory.Config{
			PromptTemplate: cc.Prompt,
			ModelID:        cc.Model,
			WindowSize:     cc.ContextLength,
		}, "config")
		if err != nil {
			logger.Error("consultant seed rejected", "channel_key", cc.Key, "error", err)
			errs = append(errs, fmt.Errorf("consultant %q: %w", cc.Key, err))
		}
	}
	return errors.Join(errs...)
}

func telegramBindings(cfg config.TelegramConfig) []channels.Binding {
	out := make([]channels.Binding, 0, len(cfg.Bindings))
	for _, b := range cfg.Bindings {
		out = append(out, channels.Binding{ChatID: b.ChatID, Prefix: b.Prefix, ChannelKey: b.ChannelKey})
	}
	return out
}
