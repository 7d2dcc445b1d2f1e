// Package engine provides the model completion collaborators: one genkit
// backed completer per provider and a failover wrapper across them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	otelPkg "github.com/basket/consultd/internal/otel"
)

// ErrProviderDisabled is returned by a completer that has no API key.
var ErrProviderDisabled = errors.New("provider has no API key configured")

// Completer produces one completion for a prompt.
type Completer interface {
	Complete(ctx context.Context, modelID, prompt string) (string, error)
}

// ProviderConfig describes one LLM provider.
type ProviderConfig struct {
	// Name is one of google, anthropic, openai, openai_compatible,
	// openrouter, ollama. Empty means google.
	Name string
	// Model is used when a call does not name one.
	Model   string
	APIKey  string
	BaseURL string
	// CompatProvider names the backend for openai_compatible.
	CompatProvider string
}

// GenkitCompleter sends single-prompt generations through genkit.
type GenkitCompleter struct {
	g        *genkit.Genkit
	provider string
	model    string
	llmOn    bool
	logger   *slog.Logger
}

// NewGenkitCompleter initializes genkit with the plugin for cfg.Name. A
// provider without a key is created disabled and fails every call with
// ErrProviderDisabled.
func NewGenkitCompleter(ctx context.Context, cfg ProviderConfig, logger *slog.Logger) *GenkitCompleter {
	if logger == nil {
		logger = slog.Default()
	}
	provider := normalizeProvider(cfg.Name)
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := apiKey != "" || provider == "ollama"
	switch {
	case !llmOn:
		g = genkit.Init(ctx)
	case provider == "anthropic":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("ANTHROPIC_BASE_URL")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{APIKey: apiKey, BaseURL: baseURL}))
	case provider == "openai":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("OPENAI_BASE_URL")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{Provider: "openai", APIKey: apiKey, BaseURL: baseURL}))
	case provider == "openai_compatible":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{Provider: cfg.CompatProvider, APIKey: apiKey, BaseURL: cfg.BaseURL}))
	case provider == "openrouter":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{Provider: "openrouter", APIKey: apiKey, BaseURL: "https://openrouter.ai/api/v1"}))
	case provider == "ollama":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434/v1"
		}
		if apiKey == "" {
			apiKey = "ollama"
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{Provider: "ollama", APIKey: apiKey, BaseURL: baseURL}))
	default:
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	}

	if llmOn {
		logger.Info("completer initialized", "provider", provider, "model", model)
	} else {
		logger.Warn("completer disabled: API key missing", "provider", provider)
	}
	return &GenkitCompleter{g: g, provider: provider, model: model, llmOn: llmOn, logger: logger}
}

// Name is the provider name used for breakers and logs.
func (c *GenkitCompleter) Name() string { return c.provider }

// Enabled reports whether the provider has credentials.
func (c *GenkitCompleter) Enabled() bool { return c.llmOn }

func (c *GenkitCompleter) Complete(ctx context.Context, modelID, prompt string) (string, error) {
	if !c.llmOn {
		return "", fmt.Errorf("%s: %w", c.provider, ErrProviderDisabled)
	}
	model := strings.TrimSpace(modelID)
	if model == "" || !modelBelongsTo(c.provider, model) {
		model = c.model
	}
	modelName := modelNameForProvider(c.provider, model)

	ctx, span := otelPkg.StartClientSpan(ctx, otel.Tracer(otelPkg.TracerName), "llm.complete",
		otelPkg.AttrProvider.String(c.provider),
		otelPkg.AttrModel.String(modelName),
	)
	defer span.End()

	resp, err := genkit.Generate(ctx, c.g,
		ai.WithModelName(modelName),
		ai.WithPrompt(prompt),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(ClassifyError(err)))
		return "", fmt.Errorf("genkit generate (%s): %w", modelName, err)
	}
	text := resp.Text()
	c.logger.DebugContext(ctx, "completion received", "provider", c.provider, "model", modelName, "chars", len(text))
	return text, nil
}

func normalizeProvider(name string) string {
	p := strings.ToLower(strings.TrimSpace(name))
	switch p {
	case "", "gemini", "googleai":
		return "google"
	case "claude":
		return "anthropic"
	default:
		return p
	}
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o-mini"
	case "openrouter":
		return "openrouter/auto"
	case "ollama":
		return "llama3.2"
	default:
		return "gemini-2.5-flash"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "ollama":
		return os.Getenv("OLLAMA_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

// providerPrefixes are the genkit registry prefixes of each provider.
var providerPrefixes = map[string]string{
	"google":    "googleai/",
	"anthropic": "anthropic/",
	"openai":    "openai/",
	"ollama":    "ollama/",
}

// modelBelongsTo reports whether a channel's model id can be sent to
// provider. Ids prefixed for another provider cannot.
func modelBelongsTo(provider, model string) bool {
	for p, prefix := range providerPrefixes {
		if strings.HasPrefix(model, prefix) {
			return p == provider
		}
	}
	return true
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	switch provider {
	case "openai_compatible", "openrouter":
		// Passed through; OpenRouter ids look like "anthropic/claude-sonnet-4-5".
		return model
	}
	prefix, ok := providerPrefixes[provider]
	if !ok {
		prefix = providerPrefixes["google"]
	}
	if strings.HasPrefix(model, prefix) {
		return model
	}
	return prefix + model
}
