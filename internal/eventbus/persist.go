package eventbus

import (
	"encoding/json"
	"log/slog"

	"github.com/hiveworks/hived/internal/store"
)

// PersistTo appends every published event to the store's append-only event
// log, preserving bus order. Returns the unsubscribe function.
func PersistTo(bus *Bus, s *store.Store) func() {
	return bus.Subscribe(func(ev Event) {
		var payload string
		if len(ev.Payload) > 0 {
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				slog.Warn("event payload not marshalable", "type", ev.Type, "error", err)
			} else {
				payload = string(data)
			}
		}
		if err := s.AppendEvent(ev.Type, ev.Source, payload, ev.Timestamp); err != nil {
			slog.Error("event persistence failed", "type", ev.Type, "error", err)
		}
	})
}
