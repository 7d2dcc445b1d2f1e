package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/consultd/internal/bus"
)

const (
	DefaultTurnTimeout       = 60 * time.Second
	DefaultCompactionTimeout = 2 * time.Minute

	tracerName = "consultd"
)

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// Lanes serializes work per channel key. Submit takes a place in the key's
// queue and returns a waiter; Go only enqueues.
type Lanes interface {
	Submit(ctx context.Context, key string, fn func(context.Context) error) (func() error, error)
	Go(ctx context.Context, key string, fn func(context.Context) error) error
}

// ChannelWriter persists configuration patches. Optional on the store.
type ChannelWriter interface {
	MergeChannelSettings(ctx context.Context, channelKey string, patch map[string]json.RawMessage) error
}

type Options struct {
	TurnTimeout       time.Duration
	CompactionTimeout time.Duration
	DedupWindow       time.Duration
	// SummaryModel overrides channel models for compaction calls.
	SummaryModel string

	// Lanes orders turns per channel. Without it turns run inline and
	// compaction runs before HandleTurn returns.
	Lanes  Lanes
	Bus    *bus.Bus
	Logger *slog.Logger
	Tracer trace.Tracer
	Clock  func() time.Time
}

// Reply is the outcome of one inbound message.
type Reply struct {
	Text      string
	Duplicate bool

	UserMessageID  int64
	ReplyMessageID int64
	// Total is the channel message count after the reply was stored.
	Total            int
	Degraded         bool
	CompactionQueued bool
}

// Manager runs the per-message turn: dedup, persist, assemble, complete,
// persist, and schedule compaction.
type Manager struct {
	store     Store
	completer Completer
	dedup     *Deduplicator
	assembler *Assembler
	compactor *Compactor
	opts      Options
	logger    *slog.Logger
	tracer    trace.Tracer
}

func NewManager(store Store, completer Completer, opts Options) *Manager {
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = DefaultTurnTimeout
	}
	if opts.CompactionTimeout <= 0 {
		opts.CompactionTimeout = DefaultCompactionTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = defaultTracer()
	}
	return &Manager{
		store:     store,
		completer: completer,
		dedup:     &Deduplicator{Messages: store, Window: opts.DedupWindow},
		assembler: &Assembler{Messages: store, Logger: logger},
		compactor: &Compactor{
			Messages:  store,
			Summaries: store,
			Completer: completer,
			Bus:       opts.Bus,
			Logger:    logger,
			Tracer:    tracer,
			Model:     opts.SummaryModel,
		},
		opts:   opts,
		logger: logger,
		tracer: tracer,
	}
}

// HandleTurn processes one inbound user message for a channel. Every error
// is a *TurnError.
func (m *Manager) HandleTurn(ctx context.Context, channelKey, text string, now time.Time) (Reply, error) {
	return m.SubmitTurn(ctx, channelKey, text, now)()
}

// SubmitTurn queues the turn on its channel lane before returning and hands
// back a function that waits for the reply. Transports that submit from
// their receive loop get turns processed in arrival order.
func (m *Manager) SubmitTurn(ctx context.Context, channelKey, text string, now time.Time) func() (Reply, error) {
	if m.opts.Lanes == nil {
		return func() (Reply, error) {
			return m.handle(ctx, channelKey, text, now)
		}
	}
	var reply Reply
	wait, err := m.opts.Lanes.Submit(ctx, channelKey, func(ctx context.Context) error {
		var err error
		reply, err = m.handle(ctx, channelKey, text, now)
		return err
	})
	if err != nil {
		return func() (Reply, error) { return Reply{}, admissionError(err) }
	}
	return func() (Reply, error) {
		if err := wait(); err != nil {
			return Reply{}, admissionError(err)
		}
		return reply, nil
	}
}

// admissionError maps lane failures (backpressure, shutdown, caller
// cancelled) onto ErrUpstream; turn errors pass through.
func admissionError(err error) error {
	var te *TurnError
	if errors.As(err, &te) {
		return err
	}
	return turnErr(ErrUpstream, err)
}

func (m *Manager) handle(ctx context.Context, channelKey, text string, now time.Time) (reply Reply, err error) {
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "memory.turn",
		trace.WithAttributes(attribute.String("channel.key", channelKey)))
	defer func() {
		var te *TurnError
		if errors.As(err, &te) {
			span.SetAttributes(attribute.String("turn.error_kind", te.KindName()))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			m.logger.WarnContext(ctx, "turn failed",
				"channel_key", channelKey, "kind", te.KindName(), "error", te.Err)
			m.opts.Bus.Publish(bus.TopicTurnFailed, bus.TurnEvent{
				ChannelKey:  channelKey,
				UserMsgID:   reply.UserMessageID,
				ErrorKind:   te.KindName(),
				Error:       err.Error(),
				DurationMs:  time.Since(start).Milliseconds(),
				CompletedAt: m.opts.Clock().UTC(),
			})
		}
		span.End()
	}()

	ch, err := LoadChannel(ctx, m.store, channelKey)
	if err != nil {
		if errors.Is(err, ErrStore) {
			return Reply{}, turnErr(ErrStore, err)
		}
		return Reply{}, turnErr(ErrConfig, err)
	}

	dup, err := m.dedup.IsDuplicate(ctx, channelKey, text, now)
	if err != nil {
		m.logger.WarnContext(ctx, "dedup check failed; treating as new message",
			"channel_key", channelKey, "error", err)
	}
	if dup {
		m.logger.InfoContext(ctx, "duplicate inbound message dropped", "channel_key", channelKey)
		span.SetAttributes(attribute.Bool("turn.duplicate", true))
		m.opts.Bus.Publish(bus.TopicTurnDuplicate, bus.TurnEvent{
			ChannelKey:  channelKey,
			DurationMs:  time.Since(start).Milliseconds(),
			CompletedAt: m.opts.Clock().UTC(),
		})
		return Reply{Duplicate: true}, nil
	}

	userMsg, err := m.store.Append(ctx, channelKey, RoleUser, text, now)
	if err != nil {
		return Reply{}, turnErr(ErrStore, fmt.Errorf("append user message: %w", err))
	}
	reply.UserMessageID = userMsg.ID

	sum, sErr := m.store.GetSummary(ctx, channelKey)
	if sErr != nil {
		m.logger.WarnContext(ctx, "summary read failed; continuing without summary",
			"channel_key", channelKey, "error", sErr)
	}
	ch.Summary = sum

	cctx := m.assembler.Build(ctx, ch)
	if sErr != nil {
		cctx.Degraded = true
	}
	cctx.Window = withInbound(cctx.Window, userMsg, ch.Config.WindowSize)
	reply.Degraded = cctx.Degraded
	prompt := BuildPrompt(ch.Config.PromptTemplate, cctx.Render())

	completeCtx, cancel := context.WithTimeout(ctx, m.opts.TurnTimeout)
	answer, err := m.completer.Complete(completeCtx, ch.Config.ModelID, prompt)
	cancel()
	if err != nil {
		return reply, turnErr(ErrUpstream, err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return reply, turnErr(ErrUpstream, errors.New("completion returned empty text"))
	}

	asst, err := m.store.Append(ctx, channelKey, RoleAssistant, answer, m.opts.Clock())
	if err != nil {
		return reply, turnErr(ErrStore, fmt.Errorf("append assistant message: %w", err))
	}
	reply.Text = answer
	reply.ReplyMessageID = asst.ID
	reply.Total = asst.Ordinal

	m.logger.InfoContext(ctx, "turn completed",
		"channel_key", channelKey,
		"total", asst.Ordinal,
		"window", len(cctx.Window),
		"summary_version", summaryVersion(sum),
		"prompt_tokens_est", promptTokens(cctx),
		"degraded", cctx.Degraded,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	span.SetAttributes(attribute.Int("channel.total", asst.Ordinal))
	m.opts.Bus.Publish(bus.TopicTurnCompleted, bus.TurnEvent{
		ChannelKey:  channelKey,
		UserMsgID:   userMsg.ID,
		ReplyMsgID:  asst.ID,
		Total:       asst.Ordinal,
		Degraded:    cctx.Degraded,
		DurationMs:  time.Since(start).Milliseconds(),
		CompletedAt: m.opts.Clock().UTC(),
	})

	if IsTrigger(asst.Ordinal, ch.Config.WindowSize) {
		reply.CompactionQueued = m.queueCompaction(ctx, ch, asst.Ordinal)
	}
	return reply, nil
}

// withInbound makes sure the just-stored inbound message is the last turn.
func withInbound(window []Message, inbound Message, size int) []Message {
	if n := len(window); n > 0 && window[n-1].ID == inbound.ID {
		return window
	}
	out := make([]Message, 0, len(window)+1)
	for _, m := range window {
		if m.ID != inbound.ID {
			out = append(out, m)
		}
	}
	out = append(out, inbound)
	if size > 0 && len(out) > size {
		out = out[len(out)-size:]
	}
	return out
}

func (m *Manager) queueCompaction(ctx context.Context, ch Channel, total int) bool {
	job := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, m.opts.CompactionTimeout)
		defer cancel()
		m.compactor.MaybeCompact(ctx, ch, total, m.opts.Clock())
		return nil
	}
	// Compaction outlives the turn that triggered it.
	detached := context.WithoutCancel(ctx)
	if m.opts.Lanes == nil {
		_ = job(detached)
		return true
	}
	if err := m.opts.Lanes.Go(detached, ch.Key, job); err != nil {
		m.logger.WarnContext(ctx, "compaction not queued", "channel_key", ch.Key, "total", total, "error", err)
		return false
	}
	return true
}

// Compact forces one compaction pass for a channel, ordered behind any
// queued turns.
func (m *Manager) Compact(ctx context.Context, channelKey string) (CompactionResult, error) {
	ch, err := LoadChannel(ctx, m.store, channelKey)
	if err != nil {
		return CompactionResult{}, err
	}
	run := func(ctx context.Context) CompactionResult {
		ctx, cancel := context.WithTimeout(ctx, m.opts.CompactionTimeout)
		defer cancel()
		return m.compactor.Compact(ctx, ch, m.opts.Clock())
	}
	if m.opts.Lanes == nil {
		return run(ctx), nil
	}
	var res CompactionResult
	wait, err := m.opts.Lanes.Submit(ctx, channelKey, func(ctx context.Context) error {
		res = run(ctx)
		return nil
	})
	if err != nil {
		return CompactionResult{}, err
	}
	if err := wait(); err != nil {
		return CompactionResult{}, err
	}
	return res, nil
}

// Channel loads a channel's config together with its summary.
func (m *Manager) Channel(ctx context.Context, channelKey string) (Channel, error) {
	ch, err := LoadChannel(ctx, m.store, channelKey)
	if err != nil {
		return Channel{}, err
	}
	sum, err := m.store.GetSummary(ctx, channelKey)
	if err != nil {
		return Channel{}, fmt.Errorf("%w: %v", ErrStore, err)
	}
	ch.Summary = sum
	return ch, nil
}

// Configure validates and stores a channel's config, leaving its summary and
// any other settings keys alone.
func (m *Manager) Configure(ctx context.Context, channelKey string, cfg Config, source string) error {
	w, ok := m.store.(ChannelWriter)
	if !ok {
		return errors.New("store does not accept channel configuration")
	}
	patch, err := ConfigPatch(cfg)
	if err != nil {
		return err
	}
	if err := w.MergeChannelSettings(ctx, channelKey, patch); err != nil {
		return fmt.Errorf("%w: save channel config: %v", ErrStore, err)
	}
	m.logger.InfoContext(ctx, "channel configured",
		"channel_key", channelKey, "model", cfg.ModelID, "window", cfg.WindowSize, "source", source)
	m.opts.Bus.Publish(bus.TopicChannelConfigSaved, bus.ChannelConfigEvent{ChannelKey: channelKey, Source: source})
	return nil
}

// Compactor exposes the manager's compactor.
func (m *Manager) Compactor() *Compactor {
	return m.compactor
}

func summaryVersion(s *Summary) int {
	if s == nil {
		return 0
	}
	return s.Version
}

func promptTokens(c Context) int {
	n := 0
	for _, m := range c.Window {
		n += m.Tokens
	}
	return n
}
