package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicAgentUsage(agentID string) string {
	return fmt.Sprintf("agent.%s.usage", agentID)
}

func TopicAgentResult(agentID string) string {
	return fmt.Sprintf("agent.%s.result", agentID)
}

func TopicAgentHeartbeat(agentID string) string {
	return fmt.Sprintf("agent.%s.heartbeat", agentID)
}

// TopicEvent maps an internal event type (e.g. "swarm.status") onto the
// external events hierarchy.
func TopicEvent(eventType string) string {
	return "events." + eventType
}

const (
	TopicEventsAll        = "events.>"
	SubjectAgentUsage     = "agent.*.usage"
	SubjectAgentResult    = "agent.*.result"
	SubjectAgentHeartbeat = "agent.*.heartbeat"
)
