package activity

import (
	"errors"
	"testing"
)

func TestStartClaimsSlot(t *testing.T) {
	tr := NewTracker()

	if err := tr.Start(KindSpeaking, "g1", "u1", "c1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	a, ok := tr.Get("g1", "u1")
	if !ok {
		t.Fatal("expected activity to exist")
	}
	if a.Kind != KindSpeaking || a.ChannelID != "c1" {
		t.Errorf("unexpected activity: %+v", a)
	}
	if a.StartedAt.IsZero() {
		t.Error("start time not recorded")
	}
}

func TestStartRejectsSecondActivityForMember(t *testing.T) {
	tr := NewTracker()

	if err := tr.Start(KindMusic, "g1", "u1", "c1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := tr.Start(KindSpeaking, "g1", "u1", "c2")
	if !errors.Is(err, ErrActivityExists) {
		t.Fatalf("expected ErrActivityExists, got %v", err)
	}

	// The original activity is untouched.
	a, _ := tr.Get("g1", "u1")
	if a.Kind != KindMusic || a.ChannelID != "c1" {
		t.Errorf("original activity changed: %+v", a)
	}
}

func TestSameUserDifferentGuildsIsAllowed(t *testing.T) {
	tr := NewTracker()

	if err := tr.Start(KindSpeaking, "g1", "u1", "c1"); err != nil {
		t.Fatalf("start g1: %v", err)
	}
	if err := tr.Start(KindSpeaking, "g2", "u1", "c9"); err != nil {
		t.Fatalf("start g2: %v", err)
	}
	if n := tr.CountByKind(KindSpeaking); n != 2 {
		t.Errorf("expected 2 speaking activities, got %d", n)
	}
}

func TestStopReleasesSlot(t *testing.T) {
	tr := NewTracker()
	tr.Start(KindSpeaking, "g1", "u1", "c1")

	if !tr.Stop("g1", "u1") {
		t.Fatal("expected stop to report a held slot")
	}
	if tr.Stop("g1", "u1") {
		t.Error("second stop must report no slot")
	}
	if err := tr.Start(KindMusic, "g1", "u1", "c1"); err != nil {
		t.Errorf("slot not reusable after stop: %v", err)
	}
}

func TestCounts(t *testing.T) {
	tr := NewTracker()
	tr.Start(KindSpeaking, "g1", "u1", "c1")
	tr.Start(KindSpeaking, "g1", "u2", "c1")
	tr.Start(KindMusic, "g1", "u3", "c2")
	tr.Start(KindSpeaking, "g2", "u4", "c7")

	if n := tr.CountByGuild("g1"); n != 3 {
		t.Errorf("guild count: got %d, want 3", n)
	}
	if n := tr.CountByChannel("g1", "c1"); n != 2 {
		t.Errorf("channel count: got %d, want 2", n)
	}
	if n := tr.CountByKind(KindSpeaking); n != 3 {
		t.Errorf("kind count: got %d, want 3", n)
	}
}

func TestClearGuild(t *testing.T) {
	tr := NewTracker()
	tr.Start(KindSpeaking, "g1", "u1", "c1")
	tr.Start(KindMusic, "g1", "u2", "c1")
	tr.Start(KindSpeaking, "g2", "u1", "c7")

	if n := tr.ClearGuild("g1"); n != 2 {
		t.Errorf("expected 2 cleared, got %d", n)
	}
	if _, ok := tr.Get("g1", "u1"); ok {
		t.Error("g1 slot survived clear")
	}
	if _, ok := tr.Get("g2", "u1"); !ok {
		t.Error("g2 slot should survive clearing g1")
	}
}

func TestClearUser(t *testing.T) {
	tr := NewTracker()
	tr.Start(KindSpeaking, "g1", "u1", "c1")
	tr.Start(KindSpeaking, "g2", "u1", "c7")
	tr.Start(KindSpeaking, "g1", "u2", "c1")

	if n := tr.ClearUser("u1"); n != 2 {
		t.Errorf("expected 2 cleared, got %d", n)
	}
	if n := tr.CountByGuild("g1"); n != 1 {
		t.Errorf("expected u2's slot to survive, count %d", n)
	}
}
