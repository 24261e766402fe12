package bus

import (
	"testing"
)

func TestEventTopics_Constants(t *testing.T) {
	if TopicQueueDepthChanged == "" {
		t.Fatal("TopicQueueDepthChanged is empty")
	}
	if TopicQueueThrottled == "" {
		t.Fatal("TopicQueueThrottled is empty")
	}
	if TopicAgentAlert == "" {
		t.Fatal("TopicAgentAlert is empty")
	}
	if TopicTaskClaimed == "" {
		t.Fatal("TopicTaskClaimed is empty")
	}
	if TopicTaskInconsistent == "" {
		t.Fatal("TopicTaskInconsistent is empty")
	}
	if TopicReclaimerCycleSkipped == "" {
		t.Fatal("TopicReclaimerCycleSkipped is empty")
	}

	topics := map[string]bool{
		TopicQueueDepthChanged:       true,
		TopicQueueThrottled:          true,
		TopicAgentAlert:              true,
		TopicTaskClaimed:             true,
		TopicTaskInconsistent:        true,
		TopicReclaimerCycleSkipped:   true,
	}
	if len(topics) != 6 {
		t.Fatalf("expected 6 unique topics, got %d", len(topics))
	}
}

func TestTaskStateChangedEvent_Fields(t *testing.T) {
	event := TaskStateChangedEvent{
		TaskID:    "sess-1_0",
		SessionID: "sess-1",
		OldState:  "PENDING",
		NewState:  "PROCESSING",
		Owner:     "agent-a",
	}

	if event.TaskID != "sess-1_0" {
		t.Fatalf("TaskID mismatch: got %s", event.TaskID)
	}
	if event.OldState == event.NewState {
		t.Fatal("expected distinct old/new states")
	}
	if event.Owner == "" {
		t.Fatal("Owner must not be empty for a claim transition")
	}
}

func TestTaskClaimedEvent_Fields(t *testing.T) {
	event := TaskClaimedEvent{
		TaskID:    "sess-1_0",
		SessionID: "sess-1",
		Owner:     "agent-a",
		Retries:   2,
	}

	if event.Owner == "" {
		t.Fatal("Owner must not be empty")
	}
	if event.Retries < 0 {
		t.Fatalf("Retries must be non-negative, got %d", event.Retries)
	}
}

func TestTaskInconsistentEvent_Fields(t *testing.T) {
	event := TaskInconsistentEvent{
		TaskID:    "sess-1_0",
		SessionID: "sess-1",
		Detail:    "queue handle present but state table row missing",
	}

	if event.Detail == "" {
		t.Fatal("Detail must not be empty")
	}
}

func TestReclaimerCycleEvent_Fields(t *testing.T) {
	event := ReclaimerCycleEvent{
		Partition:      3,
		ScannedCount:   120,
		ReclaimedCount: 7,
	}

	if event.ScannedCount < event.ReclaimedCount {
		t.Fatalf("scanned (%d) should be >= reclaimed (%d)", event.ScannedCount, event.ReclaimedCount)
	}

	skipped := ReclaimerCycleEvent{
		Partition:     1,
		SkippedReason: "throttled",
	}
	if skipped.SkippedReason == "" {
		t.Fatal("SkippedReason must not be empty when a cycle is skipped")
	}
}

func TestQueueDepthEvent_Fields(t *testing.T) {
	event := QueueDepthEvent{Priority: 0, Depth: 42}
	if event.Depth < 0 {
		t.Fatalf("Depth must be non-negative, got %d", event.Depth)
	}
}

func TestAgentAlert_Severity(t *testing.T) {
	alert := AgentAlert{
		Source:   "reclaimer",
		Severity: "warning",
		Message:  "sustained throttling, skipping cycle",
	}

	if alert.Severity == "" {
		t.Fatal("Severity must not be empty")
	}
	if alert.Source == "" {
		t.Fatal("Source must not be empty")
	}
	if alert.Message == "" {
		t.Fatal("Message must not be empty")
	}

	for _, sev := range []string{"info", "warning", "error"} {
		a := AgentAlert{Source: "agent", Severity: sev, Message: "test"}
		if a.Severity != sev {
			t.Fatalf("Severity mismatch: got %s, want %s", a.Severity, sev)
		}
	}
}
