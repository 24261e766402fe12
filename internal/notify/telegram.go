// Package notify sends outbound-only operator alerts to Telegram when the
// grid's event bus reports conditions that need a human: tasks the
// reclaimer couldn't reconcile, and reclaimer cycles skipped under
// sustained backpressure.
package notify

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/opengrid/gridcore/internal/bus"
)

// sender is the subset of *tgbotapi.BotAPI the notifier depends on, split
// out so tests can supply a fake instead of hitting the real Telegram API.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier relays selected bus events to a fixed set of chat ids.
// It never reads messages back from Telegram; gridcore has no chat-driven
// control surface, only the gateway's HTTP/WS API.
type TelegramNotifier struct {
	bot       sender
	chatIDs   []int64
	logger    *slog.Logger
	eventBus  *bus.Bus
	eventSubs []*bus.Subscription
	subsMu    sync.Mutex
	stop      chan struct{}
	stopOnce  sync.Once
}

// New authenticates against the Telegram Bot API. Callers should check
// cfg.Enabled before constructing one; an empty token is a configuration
// error.
func New(token string, chatIDs []int64, eventBus *bus.Bus, logger *slog.Logger) (*TelegramNotifier, error) {
	if token == "" {
		return nil, fmt.Errorf("notify: empty telegram token")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify: telegram auth: %w", err)
	}
	return newWithSender(bot, chatIDs, eventBus, logger), nil
}

func newWithSender(bot sender, chatIDs []int64, eventBus *bus.Bus, logger *slog.Logger) *TelegramNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramNotifier{
		bot:      bot,
		chatIDs:  chatIDs,
		logger:   logger,
		eventBus: eventBus,
		stop:     make(chan struct{}),
	}
}

// Start subscribes to the operator-relevant bus topics and relays each
// matching event to every configured chat. Safe to call once.
func (n *TelegramNotifier) Start() {
	if n.eventBus == nil {
		return
	}
	n.subsMu.Lock()
	defer n.subsMu.Unlock()
	if len(n.eventSubs) > 0 {
		return
	}
	subs := []*bus.Subscription{
		n.eventBus.Subscribe(bus.TopicTaskInconsistent),
		n.eventBus.Subscribe(bus.TopicReclaimerCycleSkipped),
	}
	n.eventSubs = subs
	for _, sub := range subs {
		sub := sub
		go n.consume(sub)
	}
}

func (n *TelegramNotifier) consume(sub *bus.Subscription) {
	for {
		select {
		case <-n.stop:
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			n.handleEvent(ev)
		}
	}
}

func (n *TelegramNotifier) handleEvent(ev bus.Event) {
	switch ev.Topic {
	case bus.TopicTaskInconsistent:
		payload, ok := ev.Payload.(bus.TaskInconsistentEvent)
		if !ok {
			n.logger.Warn("notify: unexpected TaskInconsistent payload", "type", fmt.Sprintf("%T", ev.Payload))
			return
		}
		msg := fmt.Sprintf("🚨 *Task Inconsistent*\nTask: `%s`\nSession: `%s`\n%s",
			escapeMarkdownV2(payload.TaskID), escapeMarkdownV2(payload.SessionID), escapeMarkdownV2(payload.Detail))
		n.broadcast(msg)
	case bus.TopicReclaimerCycleSkipped:
		payload, ok := ev.Payload.(bus.ReclaimerCycleEvent)
		if !ok {
			n.logger.Warn("notify: unexpected ReclaimerCycleEvent payload", "type", fmt.Sprintf("%T", ev.Payload))
			return
		}
		msg := fmt.Sprintf("⚠️ *Reclaimer Cycle Skipped*\nPartition: `%d`\nReason: %s",
			payload.Partition, escapeMarkdownV2(payload.SkippedReason))
		n.broadcast(msg)
	}
}

func (n *TelegramNotifier) broadcast(text string) {
	for _, chatID := range n.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = "MarkdownV2"
		if _, err := n.bot.Send(msg); err != nil {
			n.logger.Error("notify: telegram send failed", "chat_id", chatID, "error", err)
		}
	}
}

// Stop unblocks the consume goroutines. The bus subscriptions themselves
// are left open; the process is expected to exit shortly after.
func (n *TelegramNotifier) Stop() {
	n.stopOnce.Do(func() { close(n.stop) })
}

// escapeMarkdownV2 escapes Telegram's MarkdownV2 special character set.
func escapeMarkdownV2(s string) string {
	const specialChars = "_*[]()~>#+-=|{}.!"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.IndexByte(specialChars, c) >= 0 {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}
