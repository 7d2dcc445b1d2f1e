package channels

import (
	"context"
)

// Channel is a messaging transport feeding turns into consultd.
type Channel interface {
	// Name returns the transport name (e.g., "telegram"). It is also the
	// transport attribute on logs and traces.
	Name() string

	// Start blocks until ctx is cancelled or a fatal error occurs.
	Start(ctx context.Context) error
}

var _ Channel = (*TelegramChannel)(nil)
