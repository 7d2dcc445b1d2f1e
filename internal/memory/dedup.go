package memory

import (
	"context"
	"fmt"
	"time"
)

const (
	DefaultDedupWindow = 5 * time.Second
	defaultDedupScan   = 50
)

// Deduplicator drops repeated deliveries of the same user message. It keeps
// no state of its own; the message log is the only source of truth.
type Deduplicator struct {
	Messages MessageStore
	Window   time.Duration
	// ScanLimit caps how many recent messages are inspected.
	ScanLimit int
}

// IsDuplicate reports whether a user message with identical text was stored
// in the channel less than Window before now.
func (d *Deduplicator) IsDuplicate(ctx context.Context, channelKey, text string, now time.Time) (bool, error) {
	window := d.Window
	if window <= 0 {
		window = DefaultDedupWindow
	}
	limit := d.ScanLimit
	if limit <= 0 {
		limit = defaultDedupScan
	}

	recent, err := d.Messages.ListRecent(ctx, channelKey, limit)
	if err != nil {
		return false, fmt.Errorf("dedup scan: %w", err)
	}
	for _, m := range recent {
		if now.Sub(m.CreatedAt) >= window {
			break
		}
		if m.Role == RoleUser && m.Text == text {
			return true, nil
		}
	}
	return false, nil
}
