package core

import (
	"testing"
	"time"
)

func TestEventFingerprintDeterministic(t *testing.T) {
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)

	a := EventFingerprint("cal-1", "Standup", start, end)
	b := EventFingerprint("cal-1", "Standup", start, end)
	if a != b {
		t.Fatalf("fingerprint not deterministic: %s vs %s", a, b)
	}
}

func TestEventFingerprintNormalizesTitle(t *testing.T) {
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)

	a := EventFingerprint("cal-1", "Weekly  Standup", start, end)
	b := EventFingerprint("cal-1", " weekly standup ", start, end)
	if a != b {
		t.Fatalf("expected normalized titles to match: %s vs %s", a, b)
	}
}

func TestEventFingerprintTimezoneInsensitive(t *testing.T) {
	berlin := time.FixedZone("CET", 3600)
	startUTC := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	startCET := time.Date(2025, 3, 10, 10, 0, 0, 0, berlin)

	a := EventFingerprint("cal-1", "Standup", startUTC, startUTC.Add(time.Hour))
	b := EventFingerprint("cal-1", "Standup", startCET, startCET.Add(time.Hour))
	if a != b {
		t.Fatalf("same instant in different zones should fingerprint equal")
	}
}

func TestEventFingerprintDistinguishes(t *testing.T) {
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)

	base := EventFingerprint("cal-1", "Standup", start, end)
	cases := map[string]string{
		"calendar": EventFingerprint("cal-2", "Standup", start, end),
		"title":    EventFingerprint("cal-1", "Retro", start, end),
		"start":    EventFingerprint("cal-1", "Standup", start.Add(time.Minute), end),
		"end":      EventFingerprint("cal-1", "Standup", start, end.Add(time.Minute)),
	}
	for name, fp := range cases {
		if fp == base {
			t.Fatalf("different %s produced identical fingerprint", name)
		}
	}
}

func TestEventSameContent(t *testing.T) {
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	ev := Event{CalendarID: "cal-1", Title: "Standup", Start: start, End: start.Add(time.Hour), Location: "Room 4"}

	same := ev
	same.Version = 7
	same.UpdatedBy = "agent-a"
	if !ev.SameContent(same) {
		t.Fatalf("version bookkeeping must not affect content equality")
	}

	moved := ev
	moved.Location = "Room 5"
	if ev.SameContent(moved) {
		t.Fatalf("location change should break content equality")
	}

	// Same instant, different zone representation.
	berlin := time.FixedZone("CET", 3600)
	shifted := ev
	shifted.Start = ev.Start.In(berlin)
	if !ev.SameContent(shifted) {
		t.Fatalf("zone representation must not affect content equality")
	}
}
