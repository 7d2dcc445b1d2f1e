package persistence_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/basket/consultd/internal/persistence"
)

func TestChannels_SettingsNotFound(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.GetChannelSettings(context.Background(), "missing")
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	sum, err := store.GetSummary(context.Background(), "missing")
	if err != nil || sum != nil {
		t.Fatalf("expected nil summary, got %+v, %v", sum, err)
	}
}

func TestChannels_MergePreservesUnknownKeys(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.MergeChannelSettings(ctx, "c1", map[string]json.RawMessage{
		"prompt":   json.RawMessage(`"Be helpful."`),
		"greeting": json.RawMessage(`"hi"`),
	}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := store.MergeChannelSettings(ctx, "c1", map[string]json.RawMessage{
		"model":    json.RawMessage(`"gemini-2.5-flash"`),
		"greeting": json.RawMessage(`null`),
	}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	raw, err := store.GetChannelSettings(ctx, "c1")
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc["prompt"] != "Be helpful." || doc["model"] != "gemini-2.5-flash" {
		t.Fatalf("unexpected settings: %v", doc)
	}
	if _, ok := doc["greeting"]; ok {
		t.Fatalf("null patch should delete key: %v", doc)
	}
}

func TestChannels_MergeRejectsSummaryKeys(t *testing.T) {
	store, _ := openTestStore(t)
	err := store.MergeChannelSettings(context.Background(), "c1", map[string]json.RawMessage{
		persistence.SettingsKeySummary: json.RawMessage(`{"text":"x","version":9}`),
	})
	if !errors.Is(err, persistence.ErrSummaryKey) {
		t.Fatalf("expected ErrSummaryKey, got %v", err)
	}
}

func TestChannels_SummaryCAS(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if err := store.MergeChannelSettings(ctx, "c1", map[string]json.RawMessage{
		"prompt": json.RawMessage(`"p"`),
		"extra":  json.RawMessage(`{"keep":true}`),
	}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	now := time.Date(2026, 10, 2, 9, 0, 0, 0, time.UTC)
	v1 := persistence.Summary{Text: "First.", Version: 1, UpdatedAt: now, CoveredThrough: now.Add(-time.Minute), CoveredThroughID: 4}
	ok, err := store.CASUpdateSummary(ctx, "c1", 0, v1)
	if err != nil || !ok {
		t.Fatalf("first CAS: ok=%v err=%v", ok, err)
	}

	// Stale writer loses.
	ok, err = store.CASUpdateSummary(ctx, "c1", 0, persistence.Summary{Text: "Stale.", Version: 1, CoveredThroughID: 4})
	if err != nil {
		t.Fatalf("stale CAS: %v", err)
	}
	if ok {
		t.Fatalf("stale CAS must not apply")
	}

	got, err := store.GetSummary(ctx, "c1")
	if err != nil || got == nil {
		t.Fatalf("get summary: %+v %v", got, err)
	}
	if got.Text != "First." || got.Version != 1 || got.CoveredThroughID != 4 {
		t.Fatalf("unexpected summary: %+v", got)
	}
	if !got.UpdatedAt.Equal(now) || !got.CoveredThrough.Equal(now.Add(-time.Minute)) {
		t.Fatalf("timestamps not round-tripped: %+v", got)
	}

	// Cursor may not move backwards.
	ok, err = store.CASUpdateSummary(ctx, "c1", 1, persistence.Summary{Text: "Back.", Version: 2, CoveredThroughID: 2})
	if err != nil || ok {
		t.Fatalf("backwards cursor: ok=%v err=%v", ok, err)
	}

	// Config edits keep the summary; summary writes keep config.
	if err := store.MergeChannelSettings(ctx, "c1", map[string]json.RawMessage{"prompt": json.RawMessage(`"p2"`)}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	raw, err := store.GetChannelSettings(ctx, "c1")
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, k := range []string{"prompt", "extra", persistence.SettingsKeySummary, persistence.SettingsKeySummaryUpdatedAt} {
		if _, ok := doc[k]; !ok {
			t.Fatalf("settings lost key %q: %s", k, raw)
		}
	}
}

func TestChannels_CASOnMissingChannel(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.CASUpdateSummary(context.Background(), "ghost", 0, persistence.Summary{Text: "x", Version: 1})
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestChannels_List(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	for _, k := range []string{"b", "a"} {
		if err := store.MergeChannelSettings(ctx, k, map[string]json.RawMessage{"prompt": json.RawMessage(`"p"`)}); err != nil {
			t.Fatalf("merge: %v", err)
		}
	}
	chans, err := store.ListChannels(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(chans) != 2 || chans[0].Key != "a" || chans[1].Key != "b" {
		t.Fatalf("unexpected order: %+v", chans)
	}
}
