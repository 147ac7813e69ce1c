package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// second call is a no-op after success
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}
}

func TestCountersDoNotPanic(t *testing.T) {
	IncEnqueued()
	IncDelivered()
	IncDropped("queue_full")
	IncDropped("forward_failed")
	SetQueueDepth(3)
	IncMuted()
	IncProcessStart()
	IncProcessEnd("completed")
	ObserveProcessDuration(1.5)
	IncAuthFailure()
}
