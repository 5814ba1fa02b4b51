package natsbus

import (
	"log/slog"

	"github.com/hiveworks/hived/internal/eventbus"
)

// ForwardEvents mirrors every in-process event onto the NATS events
// hierarchy so external observers can follow the daemon without holding
// an HTTP connection. Returns the unsubscribe function.
func ForwardEvents(events *eventbus.Bus, client *Client) func() {
	return events.Subscribe(func(ev eventbus.Event) {
		if err := client.PublishJSON(TopicEvent(ev.Type), ev); err != nil {
			slog.Warn("failed to forward event to nats", "type", ev.Type, "error", err)
		}
	})
}
