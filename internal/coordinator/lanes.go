// Package coordinator serializes work per channel key while letting distinct
// keys proceed in parallel.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// State of one key's lane.
type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
)

var (
	// ErrBackpressure is returned when a lane already holds MaxQueueDepth
	// waiting jobs.
	ErrBackpressure = errors.New("channel queue full")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("coordinator closed")
)

type Config struct {
	// MaxQueueDepth caps waiting jobs per key. Zero means unbounded.
	MaxQueueDepth int
	Logger        *slog.Logger
}

type job struct {
	ctx      context.Context
	fn       func(context.Context) error
	done     chan error // nil for fire-and-forget jobs
	enqueued time.Time
}

type lane struct {
	queue   []*job
	running bool
}

// Coordinator runs jobs in FIFO order per key, one at a time per key. A
// drain goroutine exists only while a key has work; idle lanes are dropped.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup

	active atomic.Int32
}

func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:    cfg,
		logger: logger,
		lanes:  map[string]*lane{},
	}
}

// Do enqueues fn behind earlier work for key and waits for it to finish.
// If ctx ends first, Do returns ctx.Err(); a job still queued at that point
// is skipped when it reaches the head of the lane.
func (c *Coordinator) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	wait, err := c.Submit(ctx, key, fn)
	if err != nil {
		return err
	}
	return wait()
}

// Submit enqueues fn behind earlier work for key and returns a function that
// waits for its result. The job holds its place in the lane once Submit
// returns, so a caller submitting from one goroutine keeps its order.
func (c *Coordinator) Submit(ctx context.Context, key string, fn func(context.Context) error) (func() error, error) {
	j := &job{ctx: ctx, fn: fn, done: make(chan error, 1), enqueued: time.Now()}
	if err := c.enqueue(key, j); err != nil {
		return nil, err
	}
	return func() error {
		select {
		case err := <-j.done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}, nil
}

// Go enqueues fn behind earlier work for key without waiting.
func (c *Coordinator) Go(ctx context.Context, key string, fn func(context.Context) error) error {
	return c.enqueue(key, &job{ctx: ctx, fn: fn, enqueued: time.Now()})
}

func (c *Coordinator) enqueue(key string, j *job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	l, ok := c.lanes[key]
	if !ok {
		l = &lane{}
		c.lanes[key] = l
	}
	if c.cfg.MaxQueueDepth > 0 && len(l.queue) >= c.cfg.MaxQueueDepth {
		return fmt.Errorf("%w: key %q has %d waiting", ErrBackpressure, key, len(l.queue))
	}
	l.queue = append(l.queue, j)
	if !l.running {
		l.running = true
		c.wg.Add(1)
		go c.drain(key, l)
	}
	return nil
}

func (c *Coordinator) drain(key string, l *lane) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			delete(c.lanes, key)
			c.mu.Unlock()
			return
		}
		j := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		c.mu.Unlock()

		err := c.run(key, j)
		if j.done != nil {
			j.done <- err
		} else if err != nil {
			c.logger.WarnContext(j.ctx, "background lane job failed", "channel_key", key, "error", err)
		}
	}
}

func (c *Coordinator) run(key string, j *job) (err error) {
	if err := j.ctx.Err(); err != nil {
		c.logger.DebugContext(j.ctx, "skipping cancelled lane job",
			"channel_key", key, "waited_ms", time.Since(j.enqueued).Milliseconds())
		return err
	}
	c.active.Add(1)
	defer c.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			c.logger.ErrorContext(j.ctx, "lane job panicked",
				"channel_key", key, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = fmt.Errorf("lane job panicked: %v", r)
		}
	}()
	return j.fn(j.ctx)
}

// State reports whether key currently has work running or queued.
func (c *Coordinator) State(key string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.lanes[key]; ok && l.running {
		return StateProcessing
	}
	return StateIdle
}

// QueueDepth returns the number of jobs waiting behind the running one.
func (c *Coordinator) QueueDepth(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.lanes[key]; ok {
		return len(l.queue)
	}
	return 0
}

// Active returns the number of jobs executing right now across all keys.
func (c *Coordinator) Active() int {
	return int(c.active.Load())
}

// Close stops admission and waits until every lane has drained or ctx ends.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("coordinator drained cleanly")
		return nil
	case <-ctx.Done():
		c.logger.Warn("coordinator drain timed out", "active", c.Active())
		return ctx.Err()
	}
}
