// Package memory keeps each consultant channel's model context bounded: a
// rolling summary of older history plus the last few raw messages.
package memory

import (
	"context"
	"time"

	"github.com/basket/consultd/internal/persistence"
)

type (
	Message = persistence.Message
	Summary = persistence.Summary
	Role    = persistence.Role
)

const (
	RoleUser      = persistence.RoleUser
	RoleAssistant = persistence.RoleAssistant
)

// MessageStore is the append-only message log.
type MessageStore interface {
	Append(ctx context.Context, channelKey string, role Role, text string, now time.Time) (Message, error)
	// ListRecent returns newest first.
	ListRecent(ctx context.Context, channelKey string, limit int) ([]Message, error)
	// ListSince, ListAfter and ListFirst return oldest first.
	ListSince(ctx context.Context, channelKey string, since time.Time, limit int) ([]Message, error)
	ListAfter(ctx context.Context, channelKey string, afterID int64, limit int) ([]Message, error)
	ListFirst(ctx context.Context, channelKey string, limit int) ([]Message, error)
	Count(ctx context.Context, channelKey string) (int, error)
}

// SummaryStore reads and conditionally replaces a channel's summary.
type SummaryStore interface {
	GetSummary(ctx context.Context, channelKey string) (*Summary, error)
	CASUpdateSummary(ctx context.Context, channelKey string, expectedVersion int, next Summary) (bool, error)
}

// ChannelSource loads the raw channel settings document.
type ChannelSource interface {
	GetChannelSettings(ctx context.Context, channelKey string) ([]byte, error)
}

// Completer produces one model completion for a prompt.
type Completer interface {
	Complete(ctx context.Context, modelID, prompt string) (string, error)
}

// Store bundles everything the manager reads and writes.
type Store interface {
	MessageStore
	SummaryStore
	ChannelSource
}

var _ Store = (*persistence.Store)(nil)
