package telemetry

import (
	"fmt"
	"testing"
	"time"

	"cpguard/internal/model"
)

func TestUpdateAndGet(t *testing.T) {
	s := NewStore(10)
	s.Update("CP_1", model.StateSnapshot{EventsLastWindow: 3, SessionActive: true})
	snap, at, ok := s.Get("CP_1")
	if !ok || snap.EventsLastWindow != 3 || !snap.SessionActive {
		t.Fatalf("unexpected snapshot: ok=%v %+v", ok, snap)
	}
	if at.IsZero() {
		t.Fatalf("updated-at not recorded")
	}
	if _, _, ok := s.Get("CP_2"); ok {
		t.Fatalf("unknown CP must miss")
	}
}

func TestUpdateReplacesSnapshot(t *testing.T) {
	s := NewStore(10)
	s.Update("CP_1", model.StateSnapshot{EventsLastWindow: 1})
	s.Update("CP_1", model.StateSnapshot{EventsLastWindow: 9})
	snap, _, _ := s.Get("CP_1")
	if snap.EventsLastWindow != 9 {
		t.Fatalf("latest snapshot must win, got %+v", snap)
	}
}

func TestEvictionKeepsFleetBounded(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 5; i++ {
		s.Update(fmt.Sprintf("CP_%d", i), model.StateSnapshot{EventsLastWindow: i})
		time.Sleep(time.Millisecond)
	}
	all := s.GetAll()
	if len(all) != 3 {
		t.Fatalf("expected 3 tracked CPs, got %d", len(all))
	}
	if _, _, ok := s.Get("CP_0"); ok {
		t.Fatalf("stalest CP must be evicted")
	}
	if _, _, ok := s.Get("CP_4"); !ok {
		t.Fatalf("newest CP must survive")
	}
}

func TestEmptyCPIDIgnored(t *testing.T) {
	s := NewStore(10)
	s.Update("", model.StateSnapshot{EventsLastWindow: 1})
	if len(s.GetAll()) != 0 {
		t.Fatalf("empty cp_id must be ignored")
	}
}
