package sources

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/inflow/internal/persistence"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramSourceType = "telegram"

// TelegramSource turns inbound Telegram messages into raw items and doubles
// as the escalation notifier: NEEDS_REVIEW questions are pushed back to the
// chat the thread belongs to. Start runs the long-poll loop in the
// background; Fetch drains what it has buffered since the last run.
type TelegramSource struct {
	token      string
	allowedIDs map[int64]struct{}
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI

	mu      sync.Mutex
	pending []RawItem
}

func NewTelegramSource(token string, allowedIDs []int64, logger *slog.Logger) *TelegramSource {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramSource{
		token:      token,
		allowedIDs: allowed,
		logger:     logger,
	}
}

func (t *TelegramSource) Name() string {
	return telegramSourceType
}

// Start connects the bot and long-polls until ctx is cancelled, buffering
// accepted messages for the next Fetch. Reconnects with exponential backoff.
func (t *TelegramSource) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram source started", "user", t.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
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
			continue
		}
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2x the long-poll timeout (stall
// detection). Returns nil on context cancellation, an error to reconnect.
func (t *TelegramSource) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. Nothing for 2.5 minutes means
	// the connection is likely dead (the library blocks rather than closing
	// the channel).
	const stallTimeout = 150 * time.Second

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

			if update.Message == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			t.buffer(update.Message)
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramSource) buffer(msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	item := RawItem{
		SourceType: telegramSourceType,
		SourceID:   fmt.Sprintf("%d:%d", msg.Chat.ID, msg.MessageID),
		Data: map[string]any{
			"chat_id":    msg.Chat.ID,
			"message_id": msg.MessageID,
			"from":       msg.From.UserName,
			"text":       text,
		},
		FetchedAt: time.Now().UTC(),
	}
	t.mu.Lock()
	t.pending = append(t.pending, item)
	t.mu.Unlock()
}

// Fetch drains the messages buffered by the long-poll loop.
func (t *TelegramSource) Fetch(_ context.Context) ([]RawItem, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	items := t.pending
	t.pending = nil
	return items, nil
}

func (t *TelegramSource) Normalize(item RawItem) (NormalizedItem, error) {
	chatID, ok := item.Data["chat_id"].(int64)
	if !ok {
		return NormalizedItem{}, fmt.Errorf("telegram item %s: missing chat_id", item.SourceID)
	}
	text, _ := item.Data["text"].(string)
	if text == "" {
		return NormalizedItem{}, fmt.Errorf("telegram item %s: empty text", item.SourceID)
	}
	from, _ := item.Data["from"].(string)

	return NormalizedItem{
		SourceType: telegramSourceType,
		SourceID:   item.SourceID,
		ThreadID:   fmt.Sprintf("telegram:%d", chatID),
		Title:      firstLine(text, 80),
		Content:    text,
		Metadata: map[string]any{
			"chat_id": chatID,
			"from":    from,
		},
		Tags: []string{"telegram"},
	}, nil
}

func (t *TelegramSource) ShouldCreate(_ NormalizedItem) bool {
	return true
}

func (t *TelegramSource) ShouldUpdate(_ NormalizedItem, _ *persistence.Task) bool {
	return true
}

// Conversational marks telegram items as human messages: one arriving while
// the thread's task awaits review is routed as the answer.
func (t *TelegramSource) Conversational() bool {
	return true
}

func (t *TelegramSource) HealthCheck(_ context.Context) error {
	if t.token == "" {
		return fmt.Errorf("telegram: no bot token configured")
	}
	if t.bot == nil {
		return fmt.Errorf("telegram: bot not connected")
	}
	return nil
}

// Notify pushes an escalation question to the chat a thread belongs to.
// Thread IDs produced by this source encode the chat ID; other threads
// fall back to broadcasting to all allowed chats.
func (t *TelegramSource) Notify(threadID, title, question string) {
	if t.bot == nil {
		return
	}
	text := fmt.Sprintf("Task %q needs your input:\n%s", title, question)

	var chatID int64
	if _, err := fmt.Sscanf(threadID, "telegram:%d", &chatID); err == nil {
		t.send(chatID, text)
		return
	}
	for id := range t.allowedIDs {
		t.send(id, text)
	}
}

func (t *TelegramSource) send(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram message", "chat_id", chatID, "error", err)
	}
}

func firstLine(s string, maxRunes int) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	runes := []rune(s)
	if len(runes) > maxRunes {
		return string(runes[:maxRunes-1]) + "…"
	}
	return s
}
