package runtime

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hiveworks/hived/internal/natsbus"
	"github.com/nats-io/nats.go"
)

// Stream consumes the usage, result and heartbeat subjects that agent
// sessions publish on the embedded bus and dispatches decoded events to
// the registered handlers. Malformed messages are logged and dropped;
// a misbehaving agent must not be able to wedge the consumer.
type Stream struct {
	client *natsbus.Client
	subs   []*nats.Subscription

	OnUsage     func(UsageEvent)
	OnResult    func(ResultEvent)
	OnHeartbeat func(agentID string)
}

func NewStream(client *natsbus.Client) *Stream {
	return &Stream{client: client}
}

// Start subscribes to all agent subjects. Handlers must be set before
// Start is called.
func (s *Stream) Start() error {
	usage, err := s.client.Subscribe(natsbus.SubjectAgentUsage, s.handleUsage)
	if err != nil {
		return fmt.Errorf("subscribe usage: %w", err)
	}
	s.subs = append(s.subs, usage)

	result, err := s.client.Subscribe(natsbus.SubjectAgentResult, s.handleResult)
	if err != nil {
		return fmt.Errorf("subscribe result: %w", err)
	}
	s.subs = append(s.subs, result)

	heartbeat, err := s.client.Subscribe(natsbus.SubjectAgentHeartbeat, s.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	s.subs = append(s.subs, heartbeat)

	return nil
}

func (s *Stream) Stop() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *Stream) handleUsage(msg *nats.Msg) {
	var ev UsageEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		slog.Warn("malformed usage event", "subject", msg.Subject, "error", err)
		return
	}
	if ev.AgentID == "" {
		ev.AgentID = agentFromSubject(msg.Subject)
	}
	if ev.AgentID == "" {
		slog.Warn("usage event without agent id", "subject", msg.Subject)
		return
	}
	if s.OnUsage != nil {
		s.OnUsage(ev)
	}
}

func (s *Stream) handleResult(msg *nats.Msg) {
	var ev ResultEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		slog.Warn("malformed result event", "subject", msg.Subject, "error", err)
		return
	}
	if ev.AgentID == "" {
		ev.AgentID = agentFromSubject(msg.Subject)
	}
	if ev.AgentID == "" {
		slog.Warn("result event without agent id", "subject", msg.Subject)
		return
	}
	if ev.Status != "completed" && ev.Status != "failed" {
		slog.Warn("result event with unknown status", "agent", ev.AgentID, "status", ev.Status)
		ev.Status = "failed"
	}
	if s.OnResult != nil {
		s.OnResult(ev)
	}
}

func (s *Stream) handleHeartbeat(msg *nats.Msg) {
	agentID := agentFromSubject(msg.Subject)
	if agentID == "" {
		return
	}
	if s.OnHeartbeat != nil {
		s.OnHeartbeat(agentID)
	}
}

// agentFromSubject extracts the agent id from "agent.<id>.<kind>".
func agentFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 || parts[0] != "agent" {
		return ""
	}
	return parts[1]
}
