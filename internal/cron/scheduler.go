// Package cron takes periodic database backups on a cron schedule and prunes
// old snapshots.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	otelPkg "github.com/basket/consultd/internal/otel"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

const (
	backupPrefix = "consultd-"
	backupSuffix = ".db"
	lastRunKey   = "backup:last_run"
)

// Store is what the scheduler needs from persistence.
type Store interface {
	Backup(ctx context.Context, destPath string) error
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, val string) error
}

type Config struct {
	Store    Store
	Schedule string // 5-field cron expression; empty disables the scheduler
	Dir      string
	Keep     int
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Now      func() time.Time
}

// Scheduler checks once per tick whether a backup is due. The last run time
// is kept in the kv store so a backup missed while the daemon was down runs
// on the next start.
type Scheduler struct {
	store    Store
	sched    cronlib.Schedule
	dir      string
	keep     int
	logger   *slog.Logger
	tracer   trace.Tracer
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("backup dir required")
	}
	s := &Scheduler{
		store:    cfg.Store,
		dir:      cfg.Dir,
		keep:     cfg.Keep,
		logger:   cfg.Logger,
		tracer:   cfg.Tracer,
		interval: cfg.Interval,
		now:      cfg.Now,
	}
	if strings.TrimSpace(cfg.Schedule) != "" {
		sched, err := cronParser.Parse(cfg.Schedule)
		if err != nil {
			return nil, fmt.Errorf("parse backup schedule %q: %w", cfg.Schedule, err)
		}
		s.sched = sched
	}
	if s.interval <= 0 {
		s.interval = time.Minute
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("consultd")
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.keep <= 0 {
		s.keep = 7
	}
	return s, nil
}

// Enabled reports whether a schedule was configured.
func (s *Scheduler) Enabled() bool {
	return s.sched != nil
}

// Start begins the scheduler loop. It is a no-op without a schedule.
func (s *Scheduler) Start(ctx context.Context) {
	if s.sched == nil {
		s.logger.Info("backup scheduler disabled")
		return
	}
	s.setNext(s.sched.Next(s.lastRun(ctx)))
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("backup scheduler started", "interval", s.interval, "next_run_at", s.NextRun())
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

func (s *Scheduler) setNext(t time.Time) {
	s.mu.Lock()
	s.nextRun = t
	s.mu.Unlock()
}

// lastRun reads the previous run from kv. With no record, the schedule starts
// from now.
func (s *Scheduler) lastRun(ctx context.Context) time.Time {
	now := s.now()
	raw, err := s.store.KVGet(ctx, lastRunKey)
	if err != nil || raw == "" {
		if err != nil {
			s.logger.Warn("backup: failed to read last run", "error", err)
		}
		return now
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil || t.After(now) {
		return now
	}
	return t
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	if now.Before(s.NextRun()) {
		return
	}
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("backup: scheduled run failed", "error", err)
	}
	s.setNext(s.sched.Next(now))
}

// RunOnce writes one snapshot into the backup dir and prunes old ones.
func (s *Scheduler) RunOnce(ctx context.Context) (string, error) {
	now := s.now().UTC()
	name := fmt.Sprintf("%s%s-%s%s", backupPrefix, now.Format("20060102T150405Z"), uuid.NewString()[:8], backupSuffix)
	dest := filepath.Join(s.dir, name)

	ctx, span := otelPkg.StartSpan(ctx, s.tracer, "backup.run", otelPkg.AttrBackupPath.String(dest))
	defer span.End()

	start := time.Now()
	if err := s.store.Backup(ctx, dest); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	if err := s.store.KVSet(ctx, lastRunKey, now.Format(time.RFC3339)); err != nil {
		s.logger.Warn("backup: failed to record last run", "error", err)
	}
	removed, err := Prune(s.dir, s.keep)
	if err != nil {
		s.logger.Warn("backup: prune failed", "dir", s.dir, "error", err)
	}
	s.logger.Info("backup: snapshot written",
		"path", dest,
		"duration", time.Since(start),
		"pruned", removed,
	)
	return dest, nil
}

// Prune deletes the oldest snapshots in dir until at most keep remain.
// Only files named by this package are considered.
func Prune(dir string, keep int) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), backupPrefix) && strings.HasSuffix(e.Name(), backupSuffix) {
			names = append(names, e.Name())
		}
	}
	if len(names) <= keep {
		return 0, nil
	}
	// Names embed a sortable UTC timestamp.
	sort.Strings(names)
	removed := 0
	for _, name := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
