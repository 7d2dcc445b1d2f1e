package memory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/consultd/internal/persistence"
)

type fakeCompleter struct {
	mu      sync.Mutex
	prompts []string
	models  []string
	// reply answers turn prompts; summarize answers summary prompts.
	reply     func(prompt string) (string, error)
	summarize func(prompt string) (string, error)
}

func isSummaryPrompt(p string) bool {
	return strings.HasPrefix(p, "Summarize the following conversation") ||
		strings.HasPrefix(p, "Update the running summary")
}

func (f *fakeCompleter) Complete(ctx context.Context, modelID, prompt string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.models = append(f.models, modelID)
	n := len(f.prompts)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if isSummaryPrompt(prompt) {
		if f.summarize != nil {
			return f.summarize(prompt)
		}
		return fmt.Sprintf("Summary number %d.", n), nil
	}
	if f.reply != nil {
		return f.reply(prompt)
	}
	return fmt.Sprintf("answer %d", n), nil
}

func (f *fakeCompleter) summaryPrompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.prompts {
		if isSummaryPrompt(p) {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeCompleter) turnPrompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.prompts {
		if !isSummaryPrompt(p) {
			out = append(out, p)
		}
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func configureChannel(t *testing.T, store *persistence.Store, key string, window int) Config {
	t.Helper()
	cfg := Config{PromptTemplate: "You are a tax consultant.", ModelID: "test-model", WindowSize: window}
	patch, err := ConfigPatch(cfg)
	if err != nil {
		t.Fatalf("config patch: %v", err)
	}
	if err := store.MergeChannelSettings(context.Background(), key, patch); err != nil {
		t.Fatalf("merge settings: %v", err)
	}
	return cfg
}

func newTestManager(t *testing.T, store Store, fc *fakeCompleter, clock *testClock) *Manager {
	t.Helper()
	return NewManager(store, fc, Options{Clock: clock.Now})
}

func countMessages(t *testing.T, store *persistence.Store, key string) int {
	t.Helper()
	n, err := store.Count(context.Background(), key)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

// failingStore wraps a real store and fails selected operations.
type failingStore struct {
	*persistence.Store
	failAppendRole Role
	failListRecent bool
	failCAS        bool
}

func (f *failingStore) Append(ctx context.Context, key string, role Role, text string, now time.Time) (Message, error) {
	if f.failAppendRole != "" && role == f.failAppendRole {
		return Message{}, errors.New("disk full")
	}
	return f.Store.Append(ctx, key, role, text, now)
}

func (f *failingStore) ListRecent(ctx context.Context, key string, limit int) ([]Message, error) {
	if f.failListRecent {
		return nil, errors.New("read timeout")
	}
	return f.Store.ListRecent(ctx, key, limit)
}

func (f *failingStore) CASUpdateSummary(ctx context.Context, key string, expected int, next Summary) (bool, error) {
	if f.failCAS {
		return false, nil
	}
	return f.Store.CASUpdateSummary(ctx, key, expected, next)
}
