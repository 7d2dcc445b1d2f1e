package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/consultd/internal/persistence"
)

// MaxWindowSize bounds context_length so a window always fits one store read.
const MaxWindowSize = 500

// Config is the consultant configuration projected from the settings record.
type Config struct {
	PromptTemplate string `json:"prompt"`
	ModelID        string `json:"model"`
	WindowSize     int    `json:"context_length"`
}

// Channel is one configured conversation stream.
type Channel struct {
	Key     string
	Config  Config
	Summary *Summary
}

// Only config keys are constrained; anything else in the document is kept
// untouched by writers.
const settingsSchema = `{
	"type": "object",
	"required": ["prompt", "model", "context_length"],
	"properties": {
		"prompt": {"type": "string", "minLength": 1, "pattern": "\\S"},
		"model": {"type": "string", "minLength": 1, "pattern": "\\S"},
		"context_length": {
			"oneOf": [
				{"type": "integer", "minimum": 1, "maximum": 500},
				{"type": "string", "pattern": "^\\s*[1-9][0-9]{0,2}\\s*$"}
			]
		}
	}
}`

var (
	settingsSchemaOnce sync.Once
	settingsSchemaVal  *jsonschema.Schema
	settingsSchemaErr  error
)

func compiledSettingsSchema() (*jsonschema.Schema, error) {
	settingsSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(settingsSchema))
		if err != nil {
			settingsSchemaErr = fmt.Errorf("unmarshal settings schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("channel-settings.json", doc); err != nil {
			settingsSchemaErr = fmt.Errorf("add settings schema: %w", err)
			return
		}
		settingsSchemaVal, settingsSchemaErr = c.Compile("channel-settings.json")
	})
	return settingsSchemaVal, settingsSchemaErr
}

// ParseSettings validates a raw settings document and extracts its Config.
// Failures wrap ErrConfig.
func ParseSettings(raw []byte) (Config, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Config{}, fmt.Errorf("%w: empty settings", ErrConfig)
	}
	schema, err := compiledSettingsSchema()
	if err != nil {
		return Config{}, err
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number so integer checks work.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Config{}, fmt.Errorf("%w: decode settings: %v", ErrConfig, err)
	}
	if err := schema.Validate(doc); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	var rec struct {
		Prompt        string          `json:"prompt"`
		Model         string          `json:"model"`
		ContextLength json.RawMessage `json:"context_length"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Config{}, fmt.Errorf("%w: decode settings: %v", ErrConfig, err)
	}
	window, err := parseContextLength(rec.ContextLength)
	if err != nil {
		return Config{}, err
	}
	return Config{
		PromptTemplate: rec.Prompt,
		ModelID:        strings.TrimSpace(rec.Model),
		WindowSize:     window,
	}, nil
}

func parseContextLength(raw json.RawMessage) (int, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, fmt.Errorf("%w: context_length: %v", ErrConfig, err)
	}
	switch v := v.(type) {
	case json.Number:
		// The schema's integer check admits whole floats such as 4.0.
		if n, err := v.Int64(); err == nil {
			return checkWindow(int(n))
		}
		f, err := v.Float64()
		if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
			return 0, fmt.Errorf("%w: context_length %s is not a whole number", ErrConfig, v)
		}
		return checkWindow(int(f))
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("%w: context_length %q is not a number", ErrConfig, v)
		}
		return checkWindow(n)
	default:
		return 0, fmt.Errorf("%w: context_length must be a number or numeric string", ErrConfig)
	}
}

func checkWindow(n int) (int, error) {
	if n <= 0 || n > MaxWindowSize {
		return 0, fmt.Errorf("%w: context_length %d out of range 1..%d", ErrConfig, n, MaxWindowSize)
	}
	return n, nil
}

// ConfigPatch turns a Config into a validated settings patch for
// MergeChannelSettings.
func ConfigPatch(cfg Config) (map[string]json.RawMessage, error) {
	patch := make(map[string]json.RawMessage, 3)
	for k, v := range map[string]any{
		"prompt":         cfg.PromptTemplate,
		"model":          cfg.ModelID,
		"context_length": cfg.WindowSize,
	} {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", k, err)
		}
		patch[k] = b
	}
	body, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("marshal config patch: %w", err)
	}
	if _, err := ParseSettings(body); err != nil {
		return nil, err
	}
	return patch, nil
}

// LoadChannel reads and validates a channel's config. A missing or invalid
// record is ErrConfig; a failing read is ErrStore. The summary is not loaded.
func LoadChannel(ctx context.Context, src ChannelSource, key string) (Channel, error) {
	raw, err := src.GetChannelSettings(ctx, key)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return Channel{}, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		return Channel{}, fmt.Errorf("%w: load channel: %v", ErrStore, err)
	}
	cfg, err := ParseSettings(raw)
	if err != nil {
		return Channel{}, err
	}
	return Channel{Key: key, Config: cfg}, nil
}
