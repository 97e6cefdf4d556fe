package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/basket/chorus/internal/bus"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramNotifier forwards session lifecycle events and infrastructure
// degradations to a Telegram chat. Delivery is best-effort: a failed send is
// logged and the event dropped.
type TelegramNotifier struct {
	token  string
	chatID int64
	bus    *bus.Bus
	logger *slog.Logger

	// send is swapped in tests; defaults to the bot API.
	send func(text string) error
	bot  *tgbotapi.BotAPI
}

// NewTelegramNotifier creates a notifier. chatID accepts the string form
// Telegram hands out so it can come straight from config or environment.
func NewTelegramNotifier(token, chatID string, eventBus *bus.Bus, logger *slog.Logger) (*TelegramNotifier, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	n := &TelegramNotifier{
		token:  token,
		chatID: id,
		bus:    eventBus,
		logger: logger,
	}
	n.send = n.sendViaBot
	return n, nil
}

func (n *TelegramNotifier) Name() string {
	return "telegram"
}

// Start connects the bot and consumes bus events until ctx is done.
func (n *TelegramNotifier) Start(ctx context.Context) error {
	var err error
	n.bot, err = tgbotapi.NewBotAPI(n.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	n.logger.Info("telegram notifier started", "user", n.bot.Self.UserName)
	return n.consume(ctx)
}

// consume is the event loop, separated so tests can drive it without a live
// bot connection.
func (n *TelegramNotifier) consume(ctx context.Context) error {
	sessionSub := n.bus.Subscribe("session.event")
	defer n.bus.Unsubscribe(sessionSub)
	infraSub := n.bus.Subscribe("infrastructure.")
	defer n.bus.Unsubscribe(infraSub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sessionSub.Ch():
			if !ok {
				return nil
			}
			se, isSE := ev.Payload.(bus.SessionEvent)
			if !isSE {
				continue
			}
			n.notify(formatSessionEvent(se))
		case ev, ok := <-infraSub.Ch():
			if !ok {
				return nil
			}
			ie, isIE := ev.Payload.(bus.InfrastructureEvent)
			if !isIE || ie.Status != "stopped" {
				continue
			}
			n.notify(fmt.Sprintf("⚠️ %s is down: %s", ie.Component, ie.Detail))
		}
	}
}

func formatSessionEvent(ev bus.SessionEvent) string {
	switch ev.Kind {
	case "clear":
		return fmt.Sprintf("🧹 Session cleared → %s (%d tokens at boundary)", short(ev.SessionID), ev.Tokens)
	case "compact":
		return fmt.Sprintf("🗜 Context compacted in session %s (%d tokens)", short(ev.SessionID), ev.Tokens)
	default:
		return fmt.Sprintf("Session %s: %s", short(ev.SessionID), ev.Kind)
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (n *TelegramNotifier) notify(text string) {
	if err := n.send(text); err != nil {
		n.logger.Warn("telegram send failed", "error", err)
	}
}

func (n *TelegramNotifier) sendViaBot(text string) error {
	if n.bot == nil {
		return fmt.Errorf("bot not started")
	}
	_, err := n.bot.Send(tgbotapi.NewMessage(n.chatID, text))
	return err
}
