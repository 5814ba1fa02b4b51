// Package notify pushes operator-grade events (escalations, budget
// threshold crossings, anomalies) to Telegram. It is a pure event sink;
// operator commands go through the web API.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hiveworks/hived/internal/config"
	"github.com/hiveworks/hived/internal/eventbus"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

type Telegram struct {
	bot    *telego.Bot
	chatID int64

	unsubscribe func()
}

func NewTelegram(cfg config.NotifyConfig) (*Telegram, error) {
	if cfg.TelegramToken == "" || cfg.TelegramChatID == 0 {
		return nil, nil
	}
	bot, err := telego.NewBot(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: cfg.TelegramChatID}, nil
}

// Start subscribes to the events an operator must hear about. Delivery is
// asynchronous; a Telegram outage never blocks the event bus.
func (t *Telegram) Start(ctx context.Context, bus *eventbus.Bus) {
	ch := make(chan eventbus.Event, 64)

	t.unsubscribe = bus.Subscribe(func(ev eventbus.Event) {
		select {
		case ch <- ev:
		default:
			slog.Warn("telegram notify queue full, dropping event", "type", ev.Type)
		}
	}, eventbus.TypeEscalation, eventbus.TypeBudgetWarning, eventbus.TypeAgentAnomaly)

	go func() {
		for {
			select {
			case <-ctx.Done():
				t.unsubscribe()
				return
			case ev := <-ch:
				if err := t.send(ctx, format(ev)); err != nil {
					slog.Error("telegram notify failed", "type", ev.Type, "error", err)
				}
			}
		}
	}()
}

func (t *Telegram) send(ctx context.Context, text string) error {
	_, err := t.bot.SendMessage(ctx, tu.Message(tu.ID(t.chatID), text))
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func format(ev eventbus.Event) string {
	switch ev.Type {
	case eventbus.TypeEscalation:
		return fmt.Sprintf("🚨 Agent %s needs a decision\nerror: %v\nattempts: %v\nconsumed: %v",
			ev.Source, ev.Payload["last_error"], ev.Payload["attempts"], ev.Payload["consumed"])
	case eventbus.TypeBudgetWarning:
		return fmt.Sprintf("💸 Budget %s crossed %v%% (%v)\nscope: %v owner: %v",
			ev.Source, ev.Payload["pct"], ev.Payload["action"], ev.Payload["scope"], ev.Payload["owner_id"])
	case eventbus.TypeAgentAnomaly:
		return fmt.Sprintf("⚠️ Agent %s anomaly\nsession: %v state: %v",
			ev.Source, ev.Payload["session"], ev.Payload["state"])
	default:
		return fmt.Sprintf("%s: %s", ev.Type, ev.Source)
	}
}
