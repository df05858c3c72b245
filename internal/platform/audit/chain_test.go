package audit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAppendChainsEvents(t *testing.T) {
	s := NewInMemoryStore()
	now := time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)

	first, err := s.Append(context.Background(), Event{
		AuditID:    "a1",
		RecordedAt: now,
		ActorID:    "owner-1",
		RequestID:  "req-1",
		Action:     "choose_amount",
		FromStatus: "AWAITING_FUNDING_CHOICE",
		ToStatus:   "AWAITING_SETTLEMENT",
		Result:     ResultSuccess,
	})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.HashPrev != Genesis || first.HashCurr == "" {
		t.Fatalf("unexpected hash chain on first event: %+v", first)
	}

	second, err := s.Append(context.Background(), Event{
		AuditID:    "a2",
		RecordedAt: now.Add(time.Second),
		ActorID:    "operator-1",
		RequestID:  "req-1",
		Action:     "decline",
		FromStatus: "ESCALATED_TO_ADMIN",
		ToStatus:   "CANCELED",
		Result:     ResultSuccess,
	})
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if second.HashPrev != first.HashCurr {
		t.Fatalf("expected chain link, got prev=%s want=%s", second.HashPrev, first.HashCurr)
	}
	if err := Verify(s.Events()); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got := len(s.ForRequest("req-1")); got != 2 {
		t.Fatalf("expected 2 events for req-1, got %d", got)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	s := NewInMemoryStore()
	now := time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"a1", "a2", "a3"} {
		if _, err := s.Append(context.Background(), Event{AuditID: id, RecordedAt: now, RequestID: "req-2", Result: ResultSuccess}); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	events := s.Events()
	events[1].ToStatus = "APPROVED"
	if err := Verify(events); !errors.Is(err, ErrCorruptChain) {
		t.Fatalf("expected corrupt chain, got %v", err)
	}
}
