package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type channelKeyKey struct{}
type transportKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithChannelKey attaches the conversational channel key to the context.
func WithChannelKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, channelKeyKey{}, key)
}

// ChannelKey extracts the channel key from context. Returns "" if absent.
func ChannelKey(ctx context.Context) string {
	if v, ok := ctx.Value(channelKeyKey{}).(string); ok {
		return v
	}
	return ""
}

// WithTransport records which transport delivered the inbound event
// ("telegram", "http", "ws", "cli").
func WithTransport(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, transportKey{}, name)
}

// Transport extracts the transport name. Returns "" if absent.
func Transport(ctx context.Context) string {
	if v, ok := ctx.Value(transportKey{}).(string); ok {
		return v
	}
	return ""
}

// NewEventContext mints a fresh trace id for one inbound event and tags the
// context with its channel and transport.
func NewEventContext(ctx context.Context, transport, channelKey string) context.Context {
	ctx = WithTraceID(ctx, NewTraceID())
	ctx = WithTransport(ctx, transport)
	return WithChannelKey(ctx, channelKey)
}
