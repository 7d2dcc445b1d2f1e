package cron_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/consultd/internal/cron"
	"github.com/basket/consultd/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "consultd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func listBackups(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("read dir: %v", err)
	}
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

var fixedNow = time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

func TestScheduler_RunOnceWritesSnapshot(t *testing.T) {
	store := openTestStore(t)
	dir := filepath.Join(t.TempDir(), "backups")
	s, err := cron.NewScheduler(cron.Config{
		Store: store,
		Dir:   dir,
		Keep:  3,
		Now:   func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	path, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(path), "consultd-20260301T123000Z-") {
		t.Fatalf("unexpected backup name %s", path)
	}
	restored, err := persistence.Open(path)
	if err != nil {
		t.Fatalf("backup is not a usable database: %v", err)
	}
	_ = restored.Close()
	last, err := store.KVGet(context.Background(), "backup:last_run")
	if err != nil || last != fixedNow.Format(time.RFC3339) {
		t.Fatalf("last run not recorded: %q %v", last, err)
	}
}

func TestScheduler_RunOncePrunesToKeep(t *testing.T) {
	store := openTestStore(t)
	dir := t.TempDir()
	s, err := cron.NewScheduler(cron.Config{Store: store, Dir: dir, Keep: 2})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := s.RunOnce(context.Background()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if got := listBackups(t, dir); len(got) != 2 {
		t.Fatalf("expected 2 backups after prune, got %v", got)
	}
}

func TestPrune_OnlyTouchesOwnFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"consultd-20260101T000000Z-aaaa.db",
		"consultd-20260102T000000Z-bbbb.db",
		"consultd-20260103T000000Z-cccc.db",
		"notes.txt",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	removed, err := cron.Prune(dir, 1)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	got := strings.Join(listBackups(t, dir), ",")
	if got != "consultd-20260103T000000Z-cccc.db,notes.txt" {
		t.Fatalf("unexpected remaining files: %s", got)
	}
}

func TestScheduler_MissedRunFiresOnStart(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	twoDaysAgo := fixedNow.Add(-48 * time.Hour)
	if err := store.KVSet(ctx, "backup:last_run", twoDaysAgo.Format(time.RFC3339)); err != nil {
		t.Fatalf("kv set: %v", err)
	}
	dir := t.TempDir()
	s, err := cron.NewScheduler(cron.Config{
		Store:    store,
		Schedule: "0 3 * * *",
		Dir:      dir,
		Interval: 20 * time.Millisecond,
		Now:      func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start(ctx)
	defer s.Stop()

	waitFor(t, 3*time.Second, func() bool { return len(listBackups(t, dir)) == 1 })
	waitFor(t, time.Second, func() bool { return s.NextRun().After(fixedNow) })
	want := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	if !s.NextRun().Equal(want) {
		t.Fatalf("expected next run %v, got %v", want, s.NextRun())
	}
}

func TestScheduler_NotDueDoesNothing(t *testing.T) {
	store := openTestStore(t)
	dir := t.TempDir()
	s, err := cron.NewScheduler(cron.Config{
		Store:    store,
		Schedule: "0 * * * *",
		Dir:      dir,
		Interval: 10 * time.Millisecond,
		Now:      func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	if got := listBackups(t, dir); len(got) != 0 {
		t.Fatalf("expected no backups before the schedule is due, got %v", got)
	}
}

func TestScheduler_DisabledWithoutSchedule(t *testing.T) {
	s, err := cron.NewScheduler(cron.Config{Store: openTestStore(t), Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if s.Enabled() {
		t.Fatalf("expected disabled scheduler")
	}
	s.Start(context.Background())
	s.Stop()
}

func TestNewScheduler_RejectsBadSchedule(t *testing.T) {
	if _, err := cron.NewScheduler(cron.Config{Schedule: "every day", Dir: t.TempDir()}); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2026, 1, 15, 10, 7, 0, 0, time.UTC)
	next, err := cron.NextRunTime("*/15 * * * *", base)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	if want := time.Date(2026, 1, 15, 10, 15, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
	if _, err := cron.NextRunTime("not a cron", base); err == nil {
		t.Fatalf("expected error for invalid expression")
	}
}
