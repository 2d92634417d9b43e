package state

import (
	"fmt"
	"reflect"
	"testing"
)

func TestSeenBeforeEvictsInInsertionOrder(t *testing.T) {
	t.Parallel()

	s := New(50, 3)
	for _, id := range []string{"a", "b", "c"} {
		if s.SeenBefore(id) {
			t.Fatalf("fresh id %q reported as seen", id)
		}
	}
	if !s.SeenBefore("a") {
		t.Fatal("repeat id not reported as seen")
	}
	// Capacity 3: inserting d evicts a even though a was just re-checked.
	if s.SeenBefore("d") {
		t.Fatal("fresh id d reported as seen")
	}
	if s.SeenBefore("a") {
		t.Fatal("evicted id a still reported as seen")
	}
}

func TestRoomBudgetWindow(t *testing.T) {
	t.Parallel()

	s := New(50, 100)
	r := s.Room("room:demo", 2, 10_000)

	now := int64(1_000_000)
	if !r.WithinBudget(now) {
		t.Fatal("empty window should be within budget")
	}
	r.RecordBotPublish(now)
	r.RecordBotPublish(now + 100)
	if r.WithinBudget(now + 200) {
		t.Fatal("budget of 2 exhausted, still within")
	}
	// First publish slides out of the 10s window.
	if !r.WithinBudget(now + 10_101) {
		t.Fatal("expired publish still counted")
	}
}

func TestRoomRecentRing(t *testing.T) {
	t.Parallel()

	s := New(3, 100)
	r := s.Room("room:demo", 5, 10_000)
	for i := 0; i < 5; i++ {
		r.AddMessage(RecentMessage{ID: fmt.Sprintf("m%d", i)})
	}
	got := r.Recent()
	if len(got) != 3 || got[0].ID != "m2" || got[2].ID != "m4" {
		t.Fatalf("unexpected ring: %+v", got)
	}
}

func TestRoomRate10s(t *testing.T) {
	t.Parallel()

	s := New(50, 100)
	r := s.Room("room:demo", 5, 10_000)
	base := int64(2_000_000)
	r.RecordEvent(base)
	r.RecordEvent(base + 5_000)
	r.RecordEvent(base + 9_000)
	if got := r.Rate10s(base + 9_000); got != 3 {
		t.Fatalf("rate = %d, want 3", got)
	}
	if got := r.Rate10s(base + 10_001); got != 2 {
		t.Fatalf("rate after slide = %d, want 2", got)
	}
}

func TestPersonaMentionWindow(t *testing.T) {
	t.Parallel()

	s := New(50, 100)
	p := s.Persona("nova")
	base := int64(3_000_000)
	p.RecordMention(base)
	p.RecordMention(base + 29_000)
	if got := p.MentionsLast30s(base + 29_000); got != 2 {
		t.Fatalf("mentions = %d, want 2", got)
	}
	if got := p.MentionsLast30s(base + 30_001); got != 1 {
		t.Fatalf("mentions after slide = %d, want 1", got)
	}
}

func TestAutoDedupeTTL(t *testing.T) {
	t.Parallel()

	s := New(50, 100)
	now := int64(4_000_000)
	if s.AutoSeenBefore("obs1", "nova", now, 60_000) {
		t.Fatal("fresh pair reported as seen")
	}
	if !s.AutoSeenBefore("obs1", "nova", now+1_000, 60_000) {
		t.Fatal("repeat pair not reported as seen")
	}
	if s.AutoSeenBefore("obs1", "nova", now+61_001, 60_000) {
		t.Fatal("expired pair still reported as seen")
	}
}

func TestAutoObservationCounts(t *testing.T) {
	t.Parallel()

	s := New(50, 100)
	now := int64(5_000_000)
	if got := s.AutoObservationCount("obs1", now, 60_000); got != 0 {
		t.Fatalf("count = %d, want 0", got)
	}
	s.RecordAutoObservationMessage("obs1", now, 60_000)
	if got := s.RecordAutoObservationMessage("obs1", now+1_000, 60_000); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}
	// Window is keyed on first-seen, so the whole entry expires together.
	if got := s.AutoObservationCount("obs1", now+60_001, 60_000); got != 0 {
		t.Fatalf("count after expiry = %d, want 0", got)
	}
}

func TestAutoMomentumReady(t *testing.T) {
	t.Parallel()

	s := New(50, 100)
	now := int64(6_000_000)

	ok, _ := s.AutoMomentumReady("room:demo", now, 30_000, 2, 5_000)
	if !ok {
		t.Fatal("empty room should be ready")
	}

	s.RecordAutoPublish("room:demo", "nova", now)
	ok, reason := s.AutoMomentumReady("room:demo", now+1_000, 30_000, 2, 5_000)
	if ok || reason != ReasonMomentumInterval {
		t.Fatalf("want interval block, got ok=%v reason=%q", ok, reason)
	}

	ok, _ = s.AutoMomentumReady("room:demo", now+6_000, 30_000, 2, 5_000)
	if !ok {
		t.Fatal("interval elapsed, should be ready")
	}

	s.RecordAutoPublish("room:demo", "rex", now+6_000)
	ok, reason = s.AutoMomentumReady("room:demo", now+15_000, 30_000, 2, 5_000)
	if ok || reason != ReasonMomentumRate {
		t.Fatalf("want rate block, got ok=%v reason=%q", ok, reason)
	}

	// Both publishes age out of the momentum window.
	ok, _ = s.AutoMomentumReady("room:demo", now+40_000, 30_000, 2, 5_000)
	if !ok {
		t.Fatal("window elapsed, should be ready")
	}
}

func TestAutoRecentPersonas(t *testing.T) {
	t.Parallel()

	s := New(50, 100)
	now := int64(7_000_000)
	for i, pid := range []string{"a", "b", "c"} {
		s.RecordAutoPublish("room:demo", pid, now+int64(i))
	}
	got := s.AutoRecentPersonas("room:demo", 2)
	if !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("recent = %v, want [b c]", got)
	}
	if got := s.AutoRecentPersonas("room:other", 2); len(got) != 0 {
		t.Fatalf("unknown room recent = %v, want empty", got)
	}
}

func TestObservationBufferPruning(t *testing.T) {
	t.Parallel()

	s := New(50, 100)
	now := int64(8_000_000)

	s.AddObservation("room:demo", ObservationEntry{EntryID: "1-0", TSMS: now - 90_000}, now, 60_000, 10)
	dropped := s.AddObservation("room:demo", ObservationEntry{EntryID: "2-0", TSMS: now - 10_000}, now, 60_000, 10)
	if dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}

	// Out-of-order arrival is reordered by (ts, id).
	s.AddObservation("room:demo", ObservationEntry{EntryID: "3-0", TSMS: now - 20_000}, now, 60_000, 10)
	got := s.RecentObservations("room:demo", now, 60_000, 10)
	if len(got) != 2 || got[0].EntryID != "3-0" || got[1].EntryID != "2-0" {
		t.Fatalf("unexpected order: %+v", got)
	}

	// Cardinality cap keeps the newest.
	for i := 0; i < 5; i++ {
		s.AddObservation("room:demo", ObservationEntry{EntryID: fmt.Sprintf("9-%d", i), TSMS: now}, now, 60_000, 3)
	}
	got = s.RecentObservations("room:demo", now, 60_000, 3)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if s.ObservationsTotal() != 3 {
		t.Fatalf("total = %d, want 3", s.ObservationsTotal())
	}
}

func TestSummaryDedupe(t *testing.T) {
	t.Parallel()

	s := New(50, 100)
	now := int64(9_000_000)
	if s.AutoSummarySeenBefore("hash1", now, 30_000) {
		t.Fatal("fresh hash reported as seen")
	}
	if !s.AutoSummarySeenBefore("hash1", now+1_000, 30_000) {
		t.Fatal("repeat hash not reported as seen")
	}
	if s.AutoSummarySeenBefore("hash1", now+31_001, 30_000) {
		t.Fatal("expired hash still reported as seen")
	}
}
