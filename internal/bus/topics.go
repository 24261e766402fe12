package bus

// Queue depth/backpressure event topics.
const (
	TopicQueueDepthChanged = "queue.depth_changed"
	TopicQueueThrottled    = "queue.throttled"
)

// Agent lifecycle alert topic, used for operator notification (outbound
// Telegram alerts, dashboard toasts).
const (
	TopicAgentAlert = "agent.alert"
)

// QueueDepthEvent is published when the task queue's approximate visible
// count for a priority tier changes materially.
type QueueDepthEvent struct {
	Priority int
	Depth    int64
}

// AgentAlert is published when an agent or control-plane component needs to
// alert operators (INCONSISTENT rows, sustained throttling, lease loss).
type AgentAlert struct {
	Source   string // "reclaimer", "agent", "statetable", ...
	Severity string // "info", "warning", or "error"
	Message  string
}
