package auditlog

import (
	"testing"
	"time"
)

func TestComputeIntegritySHA256_Deterministic(t *testing.T) {
	occurredAt := time.Unix(1700000000, 0).UTC()
	event := Event{
		OccurredAt:   occurredAt,
		Actor:        "alice",
		Action:       "auth.forbidden",
		ResourceType: "http",
		ResourceID:   "POST /api/tracking/runs",
		RequestID:    "req-123",
		IP:           "192.0.2.1",
		UserAgent:    "test-agent",
	}
	payloadJSON := []byte(`{"a":1,"b":"x"}`)

	a, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	b, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if a != b {
		t.Fatalf("integrity mismatch: %q vs %q", a, b)
	}
}

func TestComputeIntegritySHA256_ChangesOnPayload(t *testing.T) {
	occurredAt := time.Unix(1700000000, 0).UTC()
	event := Event{
		OccurredAt:   occurredAt,
		Actor:        "sweeper",
		Action:       "run.expired",
		ResourceType: "run",
		ResourceID:   "run-1",
	}

	a, err := ComputeIntegritySHA256(event, []byte(`{"ttl":"24h0m0s"}`))
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	b, err := ComputeIntegritySHA256(event, []byte(`{"ttl":"48h0m0s"}`))
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if a == b {
		t.Fatalf("expected integrity to differ")
	}
}

func TestEventValidate(t *testing.T) {
	base := Event{
		OccurredAt:   time.Unix(1700000000, 0).UTC(),
		Actor:        "alice",
		Action:       "auth.forbidden",
		ResourceType: "http",
		ResourceID:   "GET /api/tracking/runs/run-1",
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	missingActor := base
	missingActor.Actor = "  "
	if err := missingActor.Validate(); err == nil {
		t.Fatalf("expected error for missing actor")
	}

	missingAction := base
	missingAction.Action = ""
	if err := missingAction.Validate(); err == nil {
		t.Fatalf("expected error for missing action")
	}
}
