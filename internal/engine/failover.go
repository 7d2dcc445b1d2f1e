package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// KVStore is the minimal interface needed for breaker state persistence.
type KVStore interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

// NamedCompleter pairs a Completer with the provider name used for breaker
// tracking and logs.
type NamedCompleter struct {
	Name      string
	Completer Completer
}

// CircuitBreaker tracks failure counts and trip state for a single provider.
type CircuitBreaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

type breakerState struct {
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	Tripped     bool      `json:"tripped"`
}

// FailoverConfig tunes the circuit breakers.
type FailoverConfig struct {
	// Threshold is consecutive failures before a breaker trips (default 5).
	Threshold int
	// Cooldown is how long a tripped breaker stays open (default 5m).
	Cooldown time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// FailoverCompleter tries a primary completer, then each fallback in order,
// skipping providers whose breaker is open. It implements Completer.
type FailoverCompleter struct {
	primary   NamedCompleter
	fallbacks []NamedCompleter
	breakers  map[string]*CircuitBreaker

	mu             sync.Mutex
	threshold      int
	cooldownPeriod time.Duration
	kvStore        KVStore
	logger         *slog.Logger
	now            func() time.Time
}

func NewFailoverCompleter(primary NamedCompleter, fallbacks []NamedCompleter, cfg FailoverConfig) *FailoverCompleter {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	breakers := make(map[string]*CircuitBreaker)
	breakers[primary.Name] = &CircuitBreaker{}
	for _, fb := range fallbacks {
		breakers[fb.Name] = &CircuitBreaker{}
	}

	return &FailoverCompleter{
		primary:        primary,
		fallbacks:      fallbacks,
		breakers:       breakers,
		threshold:      cfg.Threshold,
		cooldownPeriod: cfg.Cooldown,
		logger:         cfg.Logger,
		now:            cfg.Now,
	}
}

// Complete sends the prompt to the first healthy provider. The channel's
// model id goes to the primary only; fallbacks use their own default model.
func (fc *FailoverCompleter) Complete(ctx context.Context, modelID, prompt string) (string, error) {
	candidates := append([]NamedCompleter{fc.primary}, fc.fallbacks...)
	var lastErr error

	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		if fc.isTripped(c.Name) {
			fc.logger.InfoContext(ctx, "failover: skipping tripped provider", "provider", c.Name)
			continue
		}

		model := modelID
		if i > 0 {
			model = ""
		}
		resp, err := c.Completer.Complete(ctx, model, prompt)
		if err == nil {
			fc.recordSuccess(c.Name)
			return resp, nil
		}

		lastErr = err
		ec := ClassifyError(err)
		if ec != ErrorClassCanceled {
			fc.recordFailure(c.Name)
		}
		fc.logger.WarnContext(ctx, "failover: provider failed",
			"provider", c.Name,
			"error_class", string(ec),
			"error", err,
		)

		if !ec.FailsOver() {
			return "", fmt.Errorf("failover: %s from %s: %w", ec, c.Name, err)
		}
	}

	if lastErr == nil {
		return "", fmt.Errorf("failover: every provider is tripped")
	}
	return "", fmt.Errorf("failover: all providers failed, last error: %w", lastErr)
}

// isTripped returns true if the named provider's breaker is open and the
// cooldown has not elapsed.
func (fc *FailoverCompleter) isTripped(name string) bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	cb, ok := fc.breakers[name]
	if !ok || !cb.tripped {
		return false
	}
	if fc.now().Sub(cb.lastFailure) >= fc.cooldownPeriod {
		cb.tripped = false
		cb.failures = 0
		fc.logger.Info("failover: circuit breaker reset after cooldown", "provider", name)
		return false
	}
	return true
}

// SetKVStore enables persistent circuit breaker state.
func (fc *FailoverCompleter) SetKVStore(store KVStore) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.kvStore = store
}

func (fc *FailoverCompleter) recordFailure(name string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	cb, ok := fc.breakers[name]
	if !ok {
		cb = &CircuitBreaker{}
		fc.breakers[name] = cb
	}
	cb.failures++
	cb.lastFailure = fc.now()
	if cb.failures >= fc.threshold && !cb.tripped {
		cb.tripped = true
		fc.logger.Warn("failover: circuit breaker tripped", "provider", name, "failures", cb.failures)
	}
	fc.persistBreakerState(name, cb)
}

func (fc *FailoverCompleter) recordSuccess(name string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	cb, ok := fc.breakers[name]
	if !ok || (cb.failures == 0 && !cb.tripped) {
		return
	}
	cb.failures = 0
	cb.tripped = false
	fc.persistBreakerState(name, cb)
}

// persistBreakerState must be called with fc.mu held.
func (fc *FailoverCompleter) persistBreakerState(name string, cb *CircuitBreaker) {
	if fc.kvStore == nil {
		return
	}
	data, err := json.Marshal(breakerState{
		Failures:    cb.failures,
		LastFailure: cb.lastFailure,
		Tripped:     cb.tripped,
	})
	if err != nil {
		return
	}
	if err := fc.kvStore.KVSet(context.Background(), "cb:"+name, string(data)); err != nil {
		fc.logger.Warn("failover: persist breaker state", "provider", name, "error", err)
	}
}

// LoadBreakerState restores circuit breaker state from the KV store.
func (fc *FailoverCompleter) LoadBreakerState(ctx context.Context) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.kvStore == nil {
		return
	}
	for name, cb := range fc.breakers {
		val, err := fc.kvStore.KVGet(ctx, "cb:"+name)
		if err != nil || val == "" {
			continue
		}
		var state breakerState
		if err := json.Unmarshal([]byte(val), &state); err != nil {
			continue
		}
		cb.failures = state.Failures
		cb.lastFailure = state.LastFailure
		cb.tripped = state.Tripped
	}
}

// Tripped lists providers whose breaker is currently open.
func (fc *FailoverCompleter) Tripped() []string {
	var out []string
	for _, c := range append([]NamedCompleter{fc.primary}, fc.fallbacks...) {
		if fc.isTripped(c.Name) {
			out = append(out, c.Name)
		}
	}
	return out
}
