package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/consultd/internal/bus"
	"github.com/basket/consultd/internal/tokenutil"
)

// repairWindow is how far back, in characters, a dangling summary tail is cut
// back to the previous sentence terminator.
const repairWindow = 200

// ErrSummaryConflict means another writer replaced the summary first.
var ErrSummaryConflict = errors.New("summary version conflict")

// CompactionStatus is the outcome of one MaybeCompact call.
type CompactionStatus string

const (
	CompactionSkipped   CompactionStatus = "skipped"   // not a trigger point, or already attempted
	CompactionNoop      CompactionStatus = "noop"      // nothing new to fold
	CompactionCompacted CompactionStatus = "compacted" // summary replaced
	CompactionFailed    CompactionStatus = "failed"    // summary untouched
)

type CompactionResult struct {
	Status  CompactionStatus
	Summary *Summary
	Folded  int
	Err     error
}

// Compactor folds batches of older messages into the channel summary.
type Compactor struct {
	Messages  MessageStore
	Summaries SummaryStore
	Completer Completer
	Bus       *bus.Bus
	Logger    *slog.Logger
	Tracer    trace.Tracer

	// Model overrides the channel's model for summary calls when set.
	Model string

	mu          sync.Mutex
	lastTrigger map[string]int
}

// IsTrigger reports whether a channel total is a compaction point.
func IsTrigger(total, windowSize int) bool {
	return windowSize > 0 && total > 0 && total%windowSize == 0
}

// MaybeCompact runs one compaction if total is a trigger point that has not
// been attempted for this channel yet. Errors never escape; they are logged,
// published, and reported in the result.
func (c *Compactor) MaybeCompact(ctx context.Context, ch Channel, total int, now time.Time) CompactionResult {
	if !IsTrigger(total, ch.Config.WindowSize) {
		return CompactionResult{Status: CompactionSkipped}
	}
	if !c.claimTrigger(ch.Key, total) {
		c.logger().DebugContext(ctx, "compaction already attempted for total",
			"channel_key", ch.Key, "total", total)
		return CompactionResult{Status: CompactionSkipped}
	}
	return c.compact(ctx, ch, total, now)
}

// Compact folds the next batch regardless of trigger state.
func (c *Compactor) Compact(ctx context.Context, ch Channel, now time.Time) CompactionResult {
	total, err := c.Messages.Count(ctx, ch.Key)
	if err != nil {
		return c.fail(ctx, ch, now, total, 0, fmt.Errorf("count messages: %w", err))
	}
	return c.compact(ctx, ch, total, now)
}

func (c *Compactor) claimTrigger(key string, total int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastTrigger == nil {
		c.lastTrigger = make(map[string]int)
	}
	if last, ok := c.lastTrigger[key]; ok && last >= total {
		return false
	}
	c.lastTrigger[key] = total
	return true
}

func (c *Compactor) compact(ctx context.Context, ch Channel, total int, now time.Time) CompactionResult {
	ctx, span := c.tracer().Start(ctx, "memory.compaction",
		trace.WithAttributes(
			attribute.String("channel.key", ch.Key),
			attribute.Int("channel.total", total),
		))
	defer span.End()

	res := c.run(ctx, ch, total, now)
	span.SetAttributes(
		attribute.String("compaction.status", string(res.Status)),
		attribute.Int("compaction.folded", res.Folded),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	return res
}

func (c *Compactor) run(ctx context.Context, ch Channel, total int, now time.Time) CompactionResult {
	prev, err := c.Summaries.GetSummary(ctx, ch.Key)
	if err != nil {
		return c.fail(ctx, ch, now, total, 0, fmt.Errorf("read summary: %w", err))
	}

	batch, err := c.nextBatch(ctx, ch, prev)
	if err != nil {
		return c.fail(ctx, ch, now, total, 0, fmt.Errorf("select batch: %w", err))
	}
	if len(batch) == 0 {
		c.logger().InfoContext(ctx, "compaction: nothing new to fold", "channel_key", ch.Key, "total", total)
		return CompactionResult{Status: CompactionNoop, Summary: prev}
	}

	model := c.Model
	if model == "" {
		model = ch.Config.ModelID
	}
	out, err := c.Completer.Complete(ctx, model, summaryPrompt(prev, batch))
	if err != nil {
		return c.fail(ctx, ch, now, total, len(batch), fmt.Errorf("summary completion: %w", err))
	}
	text := RepairSentenceBoundary(strings.TrimRight(strings.TrimLeft(out, " \t\r\n"), " \t\r"))
	if strings.TrimSpace(text) == "" {
		return c.fail(ctx, ch, now, total, len(batch), errors.New("summary completion returned empty text"))
	}

	expected := 0
	if prev != nil {
		expected = prev.Version
	}
	last := batch[len(batch)-1]
	next := Summary{
		Text:             text,
		Version:          expected + 1,
		UpdatedAt:        now.UTC(),
		CoveredThrough:   last.CreatedAt,
		CoveredThroughID: last.ID,
	}
	ok, err := c.Summaries.CASUpdateSummary(ctx, ch.Key, expected, next)
	if err != nil {
		return c.fail(ctx, ch, now, total, len(batch), fmt.Errorf("write summary: %w", err))
	}
	if !ok {
		return c.fail(ctx, ch, now, total, len(batch), ErrSummaryConflict)
	}

	c.logger().InfoContext(ctx, "summary compacted",
		"channel_key", ch.Key,
		"version", next.Version,
		"folded", len(batch),
		"covered_through_id", next.CoveredThroughID,
		"summary_tokens", tokenutil.EstimateTokens(next.Text),
		"total", total,
	)
	c.Bus.Publish(bus.TopicCompactionDone, bus.CompactionEvent{
		ChannelKey:       ch.Key,
		Version:          next.Version,
		BatchSize:        len(batch),
		CoveredThroughID: next.CoveredThroughID,
		Total:            total,
		At:               now.UTC(),
	})
	return CompactionResult{Status: CompactionCompacted, Summary: &next, Folded: len(batch)}
}

// nextBatch selects up to windowSize messages after the summary cursor.
func (c *Compactor) nextBatch(ctx context.Context, ch Channel, prev *Summary) ([]Message, error) {
	n := ch.Config.WindowSize
	switch {
	case prev == nil:
		return c.Messages.ListFirst(ctx, ch.Key, n)
	case prev.CoveredThroughID > 0:
		return c.Messages.ListAfter(ctx, ch.Key, prev.CoveredThroughID, n)
	case !prev.CoveredThrough.IsZero():
		// Summaries written without an id cursor.
		return c.Messages.ListSince(ctx, ch.Key, prev.CoveredThrough, n)
	case !prev.UpdatedAt.IsZero():
		// Records carrying only history_summary_updated_at: everything up to
		// that moment is already in the summary.
		return c.Messages.ListSince(ctx, ch.Key, prev.UpdatedAt, n)
	default:
		return c.Messages.ListFirst(ctx, ch.Key, n)
	}
}

func (c *Compactor) fail(ctx context.Context, ch Channel, now time.Time, total, batch int, err error) CompactionResult {
	c.logger().WarnContext(ctx, "compaction failed; summary unchanged",
		"channel_key", ch.Key, "total", total, "batch", batch, "error", err)
	c.Bus.Publish(bus.TopicCompactionFailed, bus.CompactionEvent{
		ChannelKey: ch.Key,
		BatchSize:  batch,
		Total:      total,
		Error:      err.Error(),
		At:         now.UTC(),
	})
	return CompactionResult{Status: CompactionFailed, Err: err}
}

func (c *Compactor) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Compactor) tracer() trace.Tracer {
	if c.Tracer != nil {
		return c.Tracer
	}
	return defaultTracer()
}

func transcript(batch []Message) string {
	var b strings.Builder
	for i, m := range batch {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.Role.Label())
		b.WriteString(": ")
		b.WriteString(m.Text)
	}
	return b.String()
}

const summaryRules = `Rules:
- Write complete sentences in a neutral, factual tone.
- Preserve facts, agreements, decisions and definitions exactly.
- Do not invent details and do not address the reader.
- End with a complete sentence.`

func summaryPrompt(prev *Summary, batch []Message) string {
	if prev == nil || strings.TrimSpace(prev.Text) == "" {
		return fmt.Sprintf(`Summarize the following conversation between a user and an assistant.

%s

Conversation:
%s

Summary:`, summaryRules, transcript(batch))
	}
	return fmt.Sprintf(`Update the running summary of a conversation between a user and an assistant.
Merge the existing summary with the new messages into a single updated summary.
Keep everything from the existing summary that is still true.

%s

Existing summary:
%s

New messages:
%s

Updated summary:`, summaryRules, prev.Text, transcript(batch))
}

// RepairSentenceBoundary cuts a summary that stops mid-sentence back to the
// last '.', '!' or '?' when that terminator is within the final 200
// characters. Text ending in a terminator or newline, or with no terminator
// close enough, is returned unchanged.
func RepairSentenceBoundary(text string) string {
	if text == "" {
		return text
	}
	r := []rune(text)
	if last := r[len(r)-1]; isTerminator(last) || last == '\n' {
		return text
	}
	start := len(r) - repairWindow
	if start < 0 {
		start = 0
	}
	for i := len(r) - 1; i >= start; i-- {
		if isTerminator(r[i]) {
			return string(r[:i+1])
		}
	}
	return text
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
