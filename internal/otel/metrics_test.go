package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.SubmitDuration == nil {
		t.Error("SubmitDuration is nil")
	}
	if m.TaskClaimTotal == nil {
		t.Error("TaskClaimTotal is nil")
	}
	if m.TaskClaimDuration == nil {
		t.Error("TaskClaimDuration is nil")
	}
	if m.TaskFinalizeTotal == nil {
		t.Error("TaskFinalizeTotal is nil")
	}
	if m.TaskRetryTotal == nil {
		t.Error("TaskRetryTotal is nil")
	}
	if m.TaskFailTotal == nil {
		t.Error("TaskFailTotal is nil")
	}
	if m.TaskCancelTotal == nil {
		t.Error("TaskCancelTotal is nil")
	}
	if m.TaskDuration == nil {
		t.Error("TaskDuration is nil")
	}
	if m.QueueDepth == nil {
		t.Error("QueueDepth is nil")
	}
	if m.ThrottledTotal == nil {
		t.Error("ThrottledTotal is nil")
	}
	if m.ReclaimerCycles == nil {
		t.Error("ReclaimerCycles is nil")
	}
	if m.ReclaimerSkips == nil {
		t.Error("ReclaimerSkips is nil")
	}
	if m.ReclaimerReclaims == nil {
		t.Error("ReclaimerReclaims is nil")
	}
	if m.InconsistentTotal == nil {
		t.Error("InconsistentTotal is nil")
	}
	if m.HeartbeatTotal == nil {
		t.Error("HeartbeatTotal is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter — metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
