package lineage

import (
	"testing"
	"time"
)

func TestComputeIntegritySHA256_Deterministic(t *testing.T) {
	occurredAt := time.Unix(1760000000, 0).UTC()
	event := Event{
		OccurredAt:  occurredAt,
		Actor:       "runner",
		RequestID:   "req-9",
		SubjectType: TypeRun,
		SubjectID:   "run-parent",
		Predicate:   PredicateSpawned,
		ObjectType:  TypeRun,
		ObjectID:    "run-child",
	}
	metadataJSON := []byte(`{"step":"train"}`)

	a, err := ComputeIntegritySHA256(event, metadataJSON)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	b, err := ComputeIntegritySHA256(event, metadataJSON)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if a != b {
		t.Fatalf("integrity mismatch: %q vs %q", a, b)
	}
}

func TestComputeIntegritySHA256_SensitiveToMetadata(t *testing.T) {
	occurredAt := time.Unix(1760000000, 0).UTC()
	event := Event{
		OccurredAt:  occurredAt,
		Actor:       "runner",
		SubjectType: TypeRun,
		SubjectID:   "run-1",
		Predicate:   PredicateProduced,
		ObjectType:  TypeArtifact,
		ObjectID:    "art-1",
	}

	a, err := ComputeIntegritySHA256(event, []byte(`{"path":"model.bin"}`))
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	b, err := ComputeIntegritySHA256(event, []byte(`{"path":"metrics.json"}`))
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if a == b {
		t.Fatalf("expected integrity to differ")
	}
}

func TestEventValidate(t *testing.T) {
	valid := Event{
		OccurredAt:  time.Now(),
		Actor:       "runner",
		SubjectType: TypeRun,
		SubjectID:   "run-1",
		Predicate:   PredicateProduced,
		ObjectType:  TypeArtifact,
		ObjectID:    "art-1",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	missingSubject := valid
	missingSubject.SubjectID = " "
	if err := missingSubject.Validate(); err == nil {
		t.Fatalf("Validate() expected error for blank subject id")
	}

	missingPredicate := valid
	missingPredicate.Predicate = ""
	if err := missingPredicate.Validate(); err == nil {
		t.Fatalf("Validate() expected error for blank predicate")
	}
}
