package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/consultd/internal/memory"
	"github.com/basket/consultd/internal/shared"
)

// telegramMaxMessage is Telegram's limit on one text message.
const telegramMaxMessage = 4096

// TurnHandler answers inbound messages. SubmitTurn must take the turn's
// place in the channel's order before it returns; the returned function
// waits for the reply.
type TurnHandler interface {
	SubmitTurn(ctx context.Context, channelKey, text string, now time.Time) func() (memory.Reply, error)
}

// Binding routes a Telegram chat, optionally narrowed by a message prefix,
// to a channel key.
type Binding struct {
	ChatID     int64
	Prefix     string
	ChannelKey string
}

// botAPI is the slice of *tgbotapi.BotAPI the channel uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// TelegramChannel long-polls Telegram. Each bound message is submitted to
// the turn handler from the poll loop, in update order; waiting for the
// reply and sending it happen on a goroutine per message.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	handler    TurnHandler
	logger     *slog.Logger
	bot        botAPI
	now        func() time.Time

	mu       sync.RWMutex
	bindings []Binding

	inflight sync.WaitGroup
}

func NewTelegramChannel(token string, allowedIDs []int64, bindings []Binding, handler TurnHandler, logger *slog.Logger) *TelegramChannel {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	t := &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		handler:    handler,
		logger:     logger.With("component", "telegram"),
		now:        time.Now,
	}
	t.SetBindings(bindings)
	return t
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// SetBindings replaces the routing table. Prefixed bindings are matched
// before a chat's unprefixed default.
func (t *TelegramChannel) SetBindings(bindings []Binding) {
	next := make([]Binding, 0, len(bindings))
	for _, b := range bindings {
		b.Prefix = strings.TrimSpace(b.Prefix)
		next = append(next, b)
	}
	t.mu.Lock()
	t.bindings = next
	t.mu.Unlock()
}

// resolve maps a message to its channel key and the text to hand over.
func (t *TelegramChannel) resolve(chatID int64, text string) (key, body string, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	fallback := ""
	for _, b := range t.bindings {
		if b.ChatID != chatID {
			continue
		}
		if b.Prefix == "" {
			if fallback == "" {
				fallback = b.ChannelKey
			}
			continue
		}
		if rest, found := cutPrefixWord(text, b.Prefix); found {
			return b.ChannelKey, rest, true
		}
	}
	if fallback != "" {
		return fallback, text, true
	}
	return "", "", false
}

// cutPrefixWord strips prefix when it is the whole first word of text.
func cutPrefixWord(text, prefix string) (string, bool) {
	if !strings.HasPrefix(text, prefix) {
		return "", false
	}
	rest := text[len(prefix):]
	if rest != "" && !strings.HasPrefix(rest, " ") && !strings.HasPrefix(rest, "\n") {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

func (t *TelegramChannel) allowed(userID int64) bool {
	if len(t.allowedIDs) == 0 {
		return false
	}
	_, ok := t.allowedIDs[userID]
	return ok
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if t.bot == nil {
		bot, err := tgbotapi.NewBotAPI(t.token)
		if err != nil {
			return fmt.Errorf("telegram init failed: %w", err)
		}
		t.logger.Info("telegram bot started", "user", bot.Self.UserName)
		t.bot = bot
	}
	defer t.inflight.Wait()

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates, 150*time.Second)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pollUpdates reads updates until ctx is done, the channel closes, or nothing
// arrives within stallTimeout. The library blocks rather than closing the
// channel on a dead connection, hence the stall timer. Returns nil only on
// cancellation.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel, stallTimeout time.Duration) error {
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
				continue
			}
			if !t.allowed(update.Message.From.ID) {
				t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			deliver := t.dispatch(ctx, update.Message)
			if deliver == nil {
				continue
			}
			t.inflight.Add(1)
			go func() {
				defer t.inflight.Done()
				deliver()
			}()
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if deliver := t.dispatch(ctx, msg); deliver != nil {
		deliver()
	}
}

// dispatch resolves msg to a channel and submits its turn. The returned
// function waits for the reply and sends it; nil means msg is ignored.
func (t *TelegramChannel) dispatch(ctx context.Context, msg *tgbotapi.Message) func() {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}
	key, body, ok := t.resolve(msg.Chat.ID, text)
	if !ok {
		t.logger.Debug("telegram message in unbound chat", "chat_id", msg.Chat.ID)
		return nil
	}
	if body == "" {
		return nil
	}

	ctx = shared.NewEventContext(ctx, t.Name(), key)
	received := t.now()
	if msg.Date > 0 {
		received = msg.Time()
	}

	wait := t.handler.SubmitTurn(ctx, key, body, received)
	return func() {
		reply, err := wait()
		if err != nil {
			var te *memory.TurnError
			if errors.As(err, &te) {
				t.logger.WarnContext(ctx, "telegram turn failed", "kind", te.KindName(), "error", err)
			} else {
				t.logger.ErrorContext(ctx, "telegram turn failed", "error", err)
			}
			t.send(ctx, msg.Chat.ID, msg.MessageID, memory.UserMessage(err))
			return
		}
		if reply.Duplicate {
			t.logger.InfoContext(ctx, "telegram duplicate dropped", "message_id", msg.MessageID)
			return
		}
		t.send(ctx, msg.Chat.ID, msg.MessageID, reply.Text)
	}
}

// send delivers text as one or more messages, the first replying to replyTo.
func (t *TelegramChannel) send(ctx context.Context, chatID int64, replyTo int, text string) {
	for i, part := range splitMessage(text, telegramMaxMessage) {
		m := tgbotapi.NewMessage(chatID, part)
		if i == 0 && replyTo != 0 {
			m.ReplyToMessageID = replyTo
		}
		if _, err := t.bot.Send(m); err != nil {
			t.logger.ErrorContext(ctx, "failed to send telegram reply", "error", err, "part", i)
			return
		}
	}
}

// splitMessage cuts text into chunks of at most limit runes, preferring a
// newline, then a space, in the second half of each chunk.
func splitMessage(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		if text == "" {
			return nil
		}
		return []string{text}
	}
	var parts []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for _, sep := range []rune{'\n', ' '} {
			found := -1
			for i := limit - 1; i >= limit/2; i-- {
				if runes[i] == sep {
					found = i
					break
				}
			}
			if found > 0 {
				cut = found + 1
				break
			}
		}
		parts = append(parts, strings.TrimRight(string(runes[:cut]), " \n"))
		runes = runes[cut:]
	}
	if tail := string(runes); strings.TrimSpace(tail) != "" {
		parts = append(parts, tail)
	}
	return parts
}
