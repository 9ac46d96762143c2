package memory

import (
	"context"
	"testing"
	"time"

	"tillbook/internal/domain"
)

func TestListAuditEventsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()

	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		err := s.CreateAuditEvent(ctx, domain.AuditEvent{
			StoreID:   "ST1",
			Action:    "session.opened",
			EntityID:  string(rune('a' + i)),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("CreateAuditEvent: %v", err)
		}
	}

	events, err := s.ListAuditEvents(ctx, "ST1", time.Time{}, time.Time{}, 3)
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len = %d, want 3", len(events))
	}
	// Limited listings keep the most recent events, like the sqlite store.
	if events[0].EntityID != "e" || events[1].EntityID != "d" || events[2].EntityID != "c" {
		t.Errorf("order = %s %s %s, want e d c", events[0].EntityID, events[1].EntityID, events[2].EntityID)
	}
	for i := 1; i < len(events); i++ {
		if events[i].CreatedAt.After(events[i-1].CreatedAt) {
			t.Errorf("events not newest first at index %d", i)
		}
	}
}
