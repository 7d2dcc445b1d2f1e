package memory

import (
	"context"
	"log/slog"
	"strings"
)

// ContextPlaceholder marks where the rendered context goes in a prompt
// template. Templates without it get the context appended.
const ContextPlaceholder = "{{context}}"

// Context is the bounded view of a channel sent to the model.
type Context struct {
	Summary string
	Window  []Message // oldest first
	// Degraded is set when the window could not be read.
	Degraded bool
}

// Render produces the textual context. Same input, same output.
func (c Context) Render() string {
	turns := make([]string, 0, len(c.Window))
	for _, m := range c.Window {
		turns = append(turns, m.Role.Label()+": "+m.Text)
	}
	body := strings.Join(turns, "\n\n")

	if c.Summary == "" {
		return body
	}
	if body == "" {
		return "Summary:\n" + c.Summary
	}
	return "Summary:\n" + c.Summary + "\n\n" + body
}

// Assembler builds a Context from the summary and the newest messages.
type Assembler struct {
	Messages MessageStore
	Logger   *slog.Logger
}

// Build never fails: a failing window read yields a summary-only context.
// It never writes and never triggers compaction.
func (a *Assembler) Build(ctx context.Context, ch Channel) Context {
	out := Context{}
	if ch.Summary != nil {
		out.Summary = ch.Summary.Text
	}

	recent, err := a.Messages.ListRecent(ctx, ch.Key, ch.Config.WindowSize)
	if err != nil {
		a.logger().WarnContext(ctx, "context window read failed; using summary only",
			"channel_key", ch.Key, "error", err)
		out.Degraded = true
		return out
	}
	out.Window = make([]Message, len(recent))
	for i, m := range recent {
		out.Window[len(recent)-1-i] = m
	}
	return out
}

func (a *Assembler) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// BuildPrompt combines a channel's prompt template with the rendered context.
func BuildPrompt(template, rendered string) string {
	if strings.Contains(template, ContextPlaceholder) {
		return strings.ReplaceAll(template, ContextPlaceholder, rendered)
	}
	template = strings.TrimRight(template, "\n")
	if rendered == "" {
		return template
	}
	return template + "\n\n" + rendered
}
