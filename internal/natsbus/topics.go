package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicAgentInbox(agentID string) string {
	return fmt.Sprintf("agent.%s.inbox", agentID)
}

func TopicEventsTask(taskID string) string {
	return fmt.Sprintf("events.task.%s", taskID)
}

func TopicEventsAgent(agentID string) string {
	return fmt.Sprintf("events.agent.%s", agentID)
}

func TopicEventsContext(agentID string) string {
	return fmt.Sprintf("events.context.%s", agentID)
}

const (
	TopicControl     = "host.ipc.control"
	TopicEventsBus   = "events.bus"
	TopicEventsJobs  = "events.maintenance"
	TopicEventsAll   = "events.>"
	TopicAgentsInbox = "agent.*.inbox"
)
