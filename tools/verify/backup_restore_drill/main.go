// Command backup_restore_drill fills a scratch database, snapshots it through
// the backup scheduler and checks the restored copy holds the same history.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/consultd/internal/cron"
	"github.com/basket/consultd/internal/persistence"
)

const (
	drillChannels = 4
	drillTurns    = 25
)

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "consultd-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	if err := run(ctx, baseDir); err != nil {
		fmt.Printf("drill_error=%v\n", err)
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}

func run(ctx context.Context, baseDir string) error {
	store, err := persistence.Open(filepath.Join(baseDir, "consultd.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	want, err := seed(ctx, store)
	if err != nil {
		return err
	}

	sched, err := cron.NewScheduler(cron.Config{
		Store:  store,
		Dir:    filepath.Join(baseDir, "backups"),
		Keep:   2,
		Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})
	if err != nil {
		return fmt.Errorf("new scheduler: %w", err)
	}

	backupStart := time.Now().UTC()
	snapshot, err := sched.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	backupEnd := time.Now().UTC()

	restoreStart := time.Now().UTC()
	restored, err := persistence.Open(snapshot)
	if err != nil {
		return fmt.Errorf("open restore: %w", err)
	}
	defer restored.Close()
	restoreEnd := time.Now().UTC()

	fmt.Printf("snapshot=%s\n", filepath.Base(snapshot))
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	return verify(ctx, restored, want)
}

type channelState struct {
	messages       int
	summaryVersion int
}

func seed(ctx context.Context, store *persistence.Store) (map[string]channelState, error) {
	want := make(map[string]channelState, drillChannels)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for c := 0; c < drillChannels; c++ {
		key := fmt.Sprintf("drill-%d", c)
		if err := store.MergeChannelSettings(ctx, key, map[string]json.RawMessage{
			"prompt":         json.RawMessage(`"You answer drill questions."`),
			"model":          json.RawMessage(`"drill-model"`),
			"context_length": json.RawMessage(`10`),
		}); err != nil {
			return nil, fmt.Errorf("configure %s: %w", key, err)
		}
		var last persistence.Message
		for i := 0; i < drillTurns; i++ {
			now = now.Add(time.Minute)
			if _, err := store.Append(ctx, key, persistence.RoleUser, fmt.Sprintf("question %d", i), now); err != nil {
				return nil, fmt.Errorf("append user: %w", err)
			}
			msg, err := store.Append(ctx, key, persistence.RoleAssistant, fmt.Sprintf("answer %d", i), now)
			if err != nil {
				return nil, fmt.Errorf("append reply: %w", err)
			}
			if i == drillTurns/2 {
				last = msg
			}
		}
		ok, err := store.CASUpdateSummary(ctx, key, 0, persistence.Summary{
			Text:             "drill summary for " + key,
			Version:          1,
			UpdatedAt:        now,
			CoveredThrough:   last.CreatedAt,
			CoveredThroughID: last.ID,
		})
		if err != nil || !ok {
			return nil, fmt.Errorf("write summary for %s: applied=%v err=%v", key, ok, err)
		}
		want[key] = channelState{messages: drillTurns * 2, summaryVersion: 1}
	}
	return want, nil
}

func verify(ctx context.Context, restored *persistence.Store, want map[string]channelState) error {
	for key, w := range want {
		n, err := restored.Count(ctx, key)
		if err != nil {
			return fmt.Errorf("count %s: %w", key, err)
		}
		sum, err := restored.GetSummary(ctx, key)
		if err != nil {
			return fmt.Errorf("summary %s: %w", key, err)
		}
		version := 0
		if sum != nil {
			version = sum.Version
		}
		fmt.Printf("restored channel=%s messages=%d summary_version=%d\n", key, n, version)
		if n != w.messages || version != w.summaryVersion {
			return fmt.Errorf("channel %s mismatch: messages=%d/%d summary_version=%d/%d",
				key, n, w.messages, version, w.summaryVersion)
		}
	}
	return nil
}
