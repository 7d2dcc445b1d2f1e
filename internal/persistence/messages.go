package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/consultd/internal/tokenutil"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Label is the speaker label used when rendering transcripts.
func (r Role) Label() string {
	switch r {
	case RoleUser:
		return "User"
	case RoleAssistant:
		return "Assistant"
	default:
		return string(r)
	}
}

// Message is one stored turn. Messages are append-only.
type Message struct {
	ID         int64     `json:"id"`
	ChannelKey string    `json:"channel_key"`
	Role       Role      `json:"role"`
	Text       string    `json:"text"`
	Tokens     int       `json:"tokens"`
	CreatedAt  time.Time `json:"created_at"`

	// Ordinal is the channel's message count right after this message was
	// inserted. Only set by Append.
	Ordinal int `json:"ordinal,omitempty"`
}

const maxListLimit = 1000

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxListLimit {
		return 100
	}
	return limit
}

// Append stores a message and returns it with its id and ordinal. The stored
// created_at never goes backwards within a channel: a clock that steps back
// is clamped to the channel's newest timestamp.
func (s *Store) Append(ctx context.Context, channelKey string, role Role, text string, now time.Time) (Message, error) {
	channelKey = strings.TrimSpace(channelKey)
	if channelKey == "" {
		return Message{}, fmt.Errorf("append message: empty channel key")
	}
	switch role {
	case RoleUser, RoleAssistant:
	default:
		return Message{}, fmt.Errorf("append message: invalid role %q", role)
	}

	msg := Message{
		ChannelKey: channelKey,
		Role:       role,
		Text:       text,
		Tokens:     tokenutil.EstimateTokens(text),
	}
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var newest int64
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(created_at), 0) FROM messages WHERE channel_key = ?;
		`, channelKey).Scan(&newest); err != nil {
			return fmt.Errorf("read newest timestamp: %w", err)
		}
		ts := now.UTC().UnixNano()
		if ts < newest {
			ts = newest
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (channel_key, role, text, tokens, created_at)
			VALUES (?, ?, ?, ?, ?);
		`, channelKey, string(role), text, msg.Tokens, ts)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message id: %w", err)
		}

		var total int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM messages WHERE channel_key = ?;
		`, channelKey).Scan(&total); err != nil {
			return fmt.Errorf("count messages: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit append tx: %w", err)
		}
		msg.ID = id
		msg.Ordinal = total
		msg.CreatedAt = time.Unix(0, ts).UTC()
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

// ListRecent returns the newest messages of a channel, newest first.
func (s *Store) ListRecent(ctx context.Context, channelKey string, limit int) ([]Message, error) {
	return s.queryMessages(ctx, `
		SELECT id, channel_key, role, text, tokens, created_at
		FROM messages
		WHERE channel_key = ?
		ORDER BY id DESC
		LIMIT ?;
	`, channelKey, clampLimit(limit))
}

// ListSince returns messages created strictly after since, oldest first.
func (s *Store) ListSince(ctx context.Context, channelKey string, since time.Time, limit int) ([]Message, error) {
	return s.queryMessages(ctx, `
		SELECT id, channel_key, role, text, tokens, created_at
		FROM messages
		WHERE channel_key = ? AND created_at > ?
		ORDER BY id ASC
		LIMIT ?;
	`, channelKey, since.UTC().UnixNano(), clampLimit(limit))
}

// ListAfter returns messages with id greater than afterID, oldest first.
func (s *Store) ListAfter(ctx context.Context, channelKey string, afterID int64, limit int) ([]Message, error) {
	return s.queryMessages(ctx, `
		SELECT id, channel_key, role, text, tokens, created_at
		FROM messages
		WHERE channel_key = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?;
	`, channelKey, afterID, clampLimit(limit))
}

// ListFirst returns the oldest messages ever recorded for a channel.
func (s *Store) ListFirst(ctx context.Context, channelKey string, limit int) ([]Message, error) {
	return s.queryMessages(ctx, `
		SELECT id, channel_key, role, text, tokens, created_at
		FROM messages
		WHERE channel_key = ?
		ORDER BY id ASC
		LIMIT ?;
	`, channelKey, clampLimit(limit))
}

// Count returns the number of messages ever stored for a channel.
func (s *Store) Count(ctx context.Context, channelKey string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE channel_key = ?;`, channelKey).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m    Message
			role string
			ts   int64
		)
		if err := rows.Scan(&m.ID, &m.ChannelKey, &role, &m.Text, &m.Tokens, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		m.CreatedAt = time.Unix(0, ts).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows: %w", err)
	}
	return out, nil
}
