package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Settings keys owned by the summary writer. Config patches never touch them.
const (
	SettingsKeySummary          = "history_summary"
	SettingsKeySummaryUpdatedAt = "history_summary_updated_at"
)

// Summary is the rolling digest of a channel's older messages.
type Summary struct {
	Text             string    `json:"text"`
	Version          int       `json:"version"`
	UpdatedAt        time.Time `json:"-"`
	CoveredThrough   time.Time `json:"covered_through"`
	CoveredThroughID int64     `json:"covered_through_id"`
}

// ChannelRecord is a row of the channels table.
type ChannelRecord struct {
	Key       string          `json:"key"`
	Settings  json.RawMessage `json:"settings"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ErrSummaryKey is returned when a settings patch tries to write summary keys.
var ErrSummaryKey = errors.New("settings patch may not modify history_summary")

// GetChannelSettings returns the raw settings document for a channel.
func (s *Store) GetChannelSettings(ctx context.Context, channelKey string) ([]byte, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT settings FROM channels WHERE key = ?;`, channelKey).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("channel %q: %w", channelKey, ErrNotFound)
		}
		return nil, fmt.Errorf("get channel settings: %w", err)
	}
	return []byte(raw), nil
}

// MergeChannelSettings creates the channel if needed and merges patch into
// its settings document. A JSON null in the patch removes the key. Keys not
// named in the patch, including the stored summary, are kept as they are.
func (s *Store) MergeChannelSettings(ctx context.Context, channelKey string, patch map[string]json.RawMessage) error {
	channelKey = strings.TrimSpace(channelKey)
	if channelKey == "" {
		return fmt.Errorf("merge channel settings: empty channel key")
	}
	for k := range patch {
		if k == SettingsKeySummary || k == SettingsKeySummaryUpdatedAt {
			return fmt.Errorf("merge channel settings: %w", ErrSummaryKey)
		}
	}

	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin settings tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		doc, err := loadSettingsTx(ctx, tx, channelKey)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if doc == nil {
			doc = map[string]json.RawMessage{}
		}
		for k, v := range patch {
			if isJSONNull(v) {
				delete(doc, k)
				continue
			}
			doc[k] = v
		}
		if err := saveSettingsTx(ctx, tx, channelKey, doc); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit settings tx: %w", err)
		}
		return nil
	})
}

// ListChannels returns every known channel ordered by key.
func (s *Store) ListChannels(ctx context.Context) ([]ChannelRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, settings, created_at, updated_at
		FROM channels
		ORDER BY key ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []ChannelRecord
	for rows.Next() {
		var (
			rec ChannelRecord
			raw string
		)
		if err := rows.Scan(&rec.Key, &raw, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		rec.Settings = json.RawMessage(raw)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("channel rows: %w", err)
	}
	return out, nil
}

// GetSummary returns the channel's summary, or nil when none was written yet.
func (s *Store) GetSummary(ctx context.Context, channelKey string) (*Summary, error) {
	raw, err := s.GetChannelSettings(ctx, channelKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	doc, err := decodeSettings(raw)
	if err != nil {
		return nil, err
	}
	return summaryFromSettings(doc)
}

// CASUpdateSummary writes next only if the stored summary version equals
// expectedVersion. It reports false on a version conflict, or when next
// would move the coverage cursor backwards. Text, cursor and timestamp are
// written together.
func (s *Store) CASUpdateSummary(ctx context.Context, channelKey string, expectedVersion int, next Summary) (bool, error) {
	var applied bool
	err := retryOnBusy(ctx, busyRetries, func() error {
		applied = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin summary tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		doc, err := loadSettingsTx(ctx, tx, channelKey)
		if err != nil {
			return err
		}
		current, err := summaryFromSettings(doc)
		if err != nil {
			return err
		}
		currentVersion := 0
		if current != nil {
			currentVersion = current.Version
			if next.CoveredThroughID < current.CoveredThroughID {
				return nil
			}
		}
		if currentVersion != expectedVersion {
			return nil
		}

		sd := summaryDoc{
			Text:             next.Text,
			Version:          next.Version,
			CoveredThroughID: next.CoveredThroughID,
		}
		if !next.CoveredThrough.IsZero() {
			sd.CoveredThrough = next.CoveredThrough.UTC().Format(time.RFC3339Nano)
		}
		body, err := json.Marshal(sd)
		if err != nil {
			return fmt.Errorf("marshal summary: %w", err)
		}
		stamp, err := json.Marshal(next.UpdatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("marshal summary timestamp: %w", err)
		}
		doc[SettingsKeySummary] = body
		doc[SettingsKeySummaryUpdatedAt] = stamp

		if err := saveSettingsTx(ctx, tx, channelKey, doc); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit summary tx: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// summaryDoc is the stored shape of history_summary.
type summaryDoc struct {
	Text             string `json:"text"`
	Version          int    `json:"version"`
	CoveredThrough   string `json:"covered_through,omitempty"`
	CoveredThroughID int64  `json:"covered_through_id,omitempty"`
}

func summaryFromSettings(doc map[string]json.RawMessage) (*Summary, error) {
	raw, ok := doc[SettingsKeySummary]
	if !ok || isJSONNull(raw) {
		return nil, nil
	}
	var sd summaryDoc
	if err := json.Unmarshal(raw, &sd); err != nil {
		return nil, fmt.Errorf("decode history_summary: %w", err)
	}
	if sd.Version <= 0 {
		return nil, nil
	}
	out := &Summary{
		Text:             sd.Text,
		Version:          sd.Version,
		CoveredThroughID: sd.CoveredThroughID,
	}
	if sd.CoveredThrough != "" {
		t, err := time.Parse(time.RFC3339Nano, sd.CoveredThrough)
		if err != nil {
			return nil, fmt.Errorf("decode covered_through: %w", err)
		}
		out.CoveredThrough = t.UTC()
	}
	if rawStamp, ok := doc[SettingsKeySummaryUpdatedAt]; ok {
		var stamp string
		if err := json.Unmarshal(rawStamp, &stamp); err == nil && stamp != "" {
			if t, err := time.Parse(time.RFC3339Nano, stamp); err == nil {
				out.UpdatedAt = t.UTC()
			}
		}
	}
	return out, nil
}

func loadSettingsTx(ctx context.Context, tx *sql.Tx, channelKey string) (map[string]json.RawMessage, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT settings FROM channels WHERE key = ?;`, channelKey).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("channel %q: %w", channelKey, ErrNotFound)
		}
		return nil, fmt.Errorf("load channel settings: %w", err)
	}
	return decodeSettings([]byte(raw))
}

func saveSettingsTx(ctx context.Context, tx *sql.Tx, channelKey string, doc map[string]json.RawMessage) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal channel settings: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO channels (key, settings, created_at, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET settings = excluded.settings, updated_at = CURRENT_TIMESTAMP;
	`, channelKey, string(body)); err != nil {
		return fmt.Errorf("save channel settings: %w", err)
	}
	return nil
}

func decodeSettings(raw []byte) (map[string]json.RawMessage, error) {
	doc := map[string]json.RawMessage{}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode channel settings: %w", err)
	}
	if doc == nil {
		doc = map[string]json.RawMessage{}
	}
	return doc, nil
}

func isJSONNull(v json.RawMessage) bool {
	return strings.TrimSpace(string(v)) == "null"
}
