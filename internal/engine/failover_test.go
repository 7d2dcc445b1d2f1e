package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// mockCompleter is a minimal Completer for failover tests.
type mockCompleter struct {
	calls      int
	lastModel  string
	completeFn func(ctx context.Context, modelID, prompt string) (string, error)
}

func (m *mockCompleter) Complete(ctx context.Context, modelID, prompt string) (string, error) {
	m.calls++
	m.lastModel = modelID
	if m.completeFn != nil {
		return m.completeFn(ctx, modelID, prompt)
	}
	return "", fmt.Errorf("not implemented")
}

func replying(text string) *mockCompleter {
	return &mockCompleter{completeFn: func(context.Context, string, string) (string, error) { return text, nil }}
}

func failing(msg string) *mockCompleter {
	return &mockCompleter{completeFn: func(context.Context, string, string) (string, error) { return "", errors.New(msg) }}
}

func TestFailover_PrimarySucceeds(t *testing.T) {
	primary := replying("primary response")
	fallback := replying("fallback response")

	fc := NewFailoverCompleter(NamedCompleter{"primary", primary}, []NamedCompleter{{"fallback", fallback}}, FailoverConfig{})
	resp, err := fc.Complete(context.Background(), "gemini-2.5-pro", "hello")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if resp != "primary response" {
		t.Fatalf("expected primary response, got: %s", resp)
	}
	if primary.lastModel != "gemini-2.5-pro" {
		t.Fatalf("primary should receive the channel model, got %q", primary.lastModel)
	}
	if fallback.calls != 0 {
		t.Fatal("expected fallback NOT to be called when primary succeeds")
	}
}

func TestFailover_FallbackOnFailure(t *testing.T) {
	primary := failing("500: internal server error")
	fallback := replying("fallback response")

	fc := NewFailoverCompleter(NamedCompleter{"primary", primary}, []NamedCompleter{{"fallback", fallback}}, FailoverConfig{})
	resp, err := fc.Complete(context.Background(), "gemini-2.5-pro", "hello")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if resp != "fallback response" {
		t.Fatalf("expected fallback response, got: %s", resp)
	}
	if primary.calls != 1 || fallback.calls != 1 {
		t.Fatalf("expected one call each, got primary=%d fallback=%d", primary.calls, fallback.calls)
	}
	if fallback.lastModel != "" {
		t.Fatalf("fallback should use its own default model, got %q", fallback.lastModel)
	}
}

func TestFailover_BreakerTrips(t *testing.T) {
	threshold := 3
	primary := failing("rate limit exceeded")
	fallback := replying("fallback ok")

	fc := NewFailoverCompleter(NamedCompleter{"primary", primary}, []NamedCompleter{{"fallback", fallback}}, FailoverConfig{Threshold: threshold})
	for i := 0; i < threshold; i++ {
		_, _ = fc.Complete(context.Background(), "", "hello")
	}
	if primary.calls != threshold {
		t.Fatalf("expected primary called %d times, got: %d", threshold, primary.calls)
	}

	primary.calls = 0
	fallback.calls = 0
	resp, err := fc.Complete(context.Background(), "", "hello")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if resp != "fallback ok" {
		t.Fatalf("expected fallback response, got: %s", resp)
	}
	if primary.calls != 0 {
		t.Fatalf("expected primary NOT called after breaker tripped, got: %d calls", primary.calls)
	}
	if got := fc.Tripped(); len(got) != 1 || got[0] != "primary" {
		t.Fatalf("expected primary tripped, got %v", got)
	}
}

func TestFailover_BreakerResets(t *testing.T) {
	threshold := 2
	cooldown := time.Minute
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	primary := &mockCompleter{}
	primary.completeFn = func(context.Context, string, string) (string, error) {
		if primary.calls <= threshold {
			return "", fmt.Errorf("timeout: request timed out")
		}
		return "primary recovered", nil
	}
	fallback := replying("fallback ok")

	fc := NewFailoverCompleter(NamedCompleter{"primary", primary}, []NamedCompleter{{"fallback", fallback}}, FailoverConfig{
		Threshold: threshold,
		Cooldown:  cooldown,
		Now:       func() time.Time { return now },
	})
	for i := 0; i < threshold; i++ {
		_, _ = fc.Complete(context.Background(), "", "hello")
	}

	resp, err := fc.Complete(context.Background(), "", "hello")
	if err != nil || resp != "fallback ok" {
		t.Fatalf("expected fallback while tripped, got %q %v", resp, err)
	}

	now = now.Add(cooldown)
	resp, err = fc.Complete(context.Background(), "", "hello")
	if err != nil {
		t.Fatalf("expected primary to recover, got: %v", err)
	}
	if resp != "primary recovered" {
		t.Fatalf("expected primary recovered response, got: %s", resp)
	}
}

func TestFailover_AllFail(t *testing.T) {
	fc := NewFailoverCompleter(
		NamedCompleter{"primary", failing("primary: 500 internal error")},
		[]NamedCompleter{
			{"fallback1", failing("fallback1: 503 service unavailable")},
			{"fallback2", failing("fallback2: connection refused")},
		},
		FailoverConfig{},
	)
	_, err := fc.Complete(context.Background(), "", "hello")
	if err == nil {
		t.Fatal("expected an error when all providers fail")
	}
	if !strings.Contains(err.Error(), "all providers failed") {
		t.Fatalf("expected 'all providers failed' in error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected last error (fallback2) to be wrapped, got: %v", err)
	}
}

func TestFailover_ContextOverflowStops(t *testing.T) {
	primary := failing("prompt is too long: context_length_exceeded")
	fallback := replying("fallback ok")

	fc := NewFailoverCompleter(NamedCompleter{"primary", primary}, []NamedCompleter{{"fallback", fallback}}, FailoverConfig{})
	_, err := fc.Complete(context.Background(), "", "hello")
	if err == nil || !strings.Contains(err.Error(), string(ErrorClassContextOverflow)) {
		t.Fatalf("expected context overflow error, got %v", err)
	}
	if fallback.calls != 0 {
		t.Fatalf("overflow must not fail over")
	}
}

func TestFailover_CancelledContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	primary := &mockCompleter{completeFn: func(ctx context.Context, _, _ string) (string, error) {
		cancel()
		return "", ctx.Err()
	}}
	fallback := replying("fallback ok")

	fc := NewFailoverCompleter(NamedCompleter{"primary", primary}, []NamedCompleter{{"fallback", fallback}}, FailoverConfig{Threshold: 1})
	_, err := fc.Complete(ctx, "", "hello")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if fallback.calls != 0 {
		t.Fatalf("a cancelled caller must not reach the fallback")
	}
	if len(fc.Tripped()) != 0 {
		t.Fatalf("cancellation must not count against the provider")
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"nil error", nil, ErrorClassUnknown},
		{"401 unauthorized", errors.New("HTTP 401: Unauthorized"), ErrorClassAuth},
		{"invalid api key", errors.New("invalid api key provided"), ErrorClassAuth},
		{"403 forbidden", errors.New("403 Forbidden: access denied"), ErrorClassAuth},
		{"429 rate limit", errors.New("HTTP 429: rate limit exceeded"), ErrorClassRateLimit},
		{"quota exceeded", errors.New("quota exceeded for project"), ErrorClassRateLimit},
		{"too many requests", errors.New("too many requests, please slow down"), ErrorClassRateLimit},
		{"deadline exceeded text", errors.New("context deadline exceeded"), ErrorClassTimeout},
		{"deadline exceeded sentinel", fmt.Errorf("generate: %w", context.DeadlineExceeded), ErrorClassTimeout},
		{"canceled sentinel", fmt.Errorf("generate: %w", context.Canceled), ErrorClassCanceled},
		{"timeout", errors.New("request timeout after 30s"), ErrorClassTimeout},
		{"timed out", errors.New("connection timed out"), ErrorClassTimeout},
		{"billing issue", errors.New("billing account not active"), ErrorClassBilling},
		{"payment required", errors.New("payment required for this model"), ErrorClassBilling},
		{"insufficient funds", errors.New("insufficient funds in account"), ErrorClassBilling},
		{"context_length exceeded", errors.New("context_length_exceeded: max 128000 tokens"), ErrorClassContextOverflow},
		{"token limit", errors.New("token limit exceeded for this request"), ErrorClassContextOverflow},
		{"max tokens", errors.New("max tokens exceeded"), ErrorClassContextOverflow},
		{"context window", errors.New("input exceeds context window"), ErrorClassContextOverflow},
		{"server error", errors.New("500 internal server error"), ErrorClassUnavailable},
		{"overloaded", errors.New("model is overloaded"), ErrorClassUnavailable},
		{"unknown error", errors.New("something went wrong"), ErrorClassUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyError(tt.err)
			if got != tt.expected {
				t.Errorf("ClassifyError(%v) = %s, want %s", tt.err, got, tt.expected)
			}
		})
	}
}

// mockKVStore implements KVStore for testing circuit breaker persistence.
type mockKVStore struct {
	data map[string]string
}

func newMockKVStore() *mockKVStore {
	return &mockKVStore{data: make(map[string]string)}
}

func (m *mockKVStore) KVSet(_ context.Context, key, val string) error {
	m.data[key] = val
	return nil
}

func (m *mockKVStore) KVGet(_ context.Context, key string) (string, error) {
	return m.data[key], nil
}

func TestFailover_BreakerPersistence(t *testing.T) {
	kv := newMockKVStore()
	threshold := 3
	primary := NamedCompleter{"primary", failing("always fails")}
	fallback := NamedCompleter{"fallback", replying("fallback ok")}

	fc := NewFailoverCompleter(primary, []NamedCompleter{fallback}, FailoverConfig{Threshold: threshold})
	fc.SetKVStore(kv)
	for i := 0; i < threshold; i++ {
		_, _ = fc.Complete(context.Background(), "", "hello")
	}

	val, err := kv.KVGet(context.Background(), "cb:primary")
	if err != nil {
		t.Fatalf("kvget: %v", err)
	}
	if !strings.Contains(val, `"tripped":true`) {
		t.Fatalf("expected tripped=true in persisted state, got: %s", val)
	}

	fc2 := NewFailoverCompleter(primary, []NamedCompleter{fallback}, FailoverConfig{Threshold: threshold})
	fc2.SetKVStore(kv)
	fc2.LoadBreakerState(context.Background())

	calls := primary.Completer.(*mockCompleter).calls
	resp, err := fc2.Complete(context.Background(), "", "hello")
	if err != nil {
		t.Fatalf("expected fallback to succeed: %v", err)
	}
	if resp != "fallback ok" {
		t.Fatalf("expected fallback response after restore, got: %s", resp)
	}
	if primary.Completer.(*mockCompleter).calls != calls {
		t.Fatalf("restored breaker should skip the primary")
	}
}
