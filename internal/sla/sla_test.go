package sla

import (
	"testing"
	"time"
)

func TestDueAtPerUrgency(t *testing.T) {
	policy := DefaultPolicy()
	submitted := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)

	if got := policy.DueAt(UrgencyKilat, submitted); !got.Equal(submitted.Add(4 * time.Hour)) {
		t.Fatalf("kilat due = %v, want submitted+4h", got)
	}
	if got := policy.DueAt(UrgencySegera, submitted); !got.Equal(submitted.Add(24 * time.Hour)) {
		t.Fatalf("segera due = %v, want submitted+24h", got)
	}
	if got := policy.DueAt(UrgencyBiasa, submitted); !got.Equal(submitted.Add(72 * time.Hour)) {
		t.Fatalf("biasa due = %v, want submitted+72h", got)
	}
}

func TestUnknownUrgencyFallsBackToDefault(t *testing.T) {
	policy := DefaultPolicy()
	submitted := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)

	if got := policy.DueAt("sangat-kilat", submitted); !got.Equal(submitted.Add(72 * time.Hour)) {
		t.Fatalf("unknown urgency due = %v, want default 72h", got)
	}
	if got := policy.Hours(""); got != 72 {
		t.Fatalf("Hours(\"\") = %d, want 72", got)
	}
}

func TestNewPolicyOverrides(t *testing.T) {
	policy := NewPolicy(48, 0, 2)

	if got := policy.Hours(UrgencyBiasa); got != 48 {
		t.Fatalf("biasa hours = %d, want 48", got)
	}
	if got := policy.Hours(UrgencySegera); got != 24 {
		t.Fatalf("segera hours = %d, want default 24", got)
	}
	if got := policy.Hours(UrgencyKilat); got != 2 {
		t.Fatalf("kilat hours = %d, want 2", got)
	}
}

func TestBreached(t *testing.T) {
	due := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)

	if Breached(due, due) {
		t.Fatalf("a letter is not breached exactly at its due time")
	}
	if !Breached(due, due.Add(time.Second)) {
		t.Fatalf("expected breach one second past due")
	}
	if Breached(due, due.Add(-time.Hour)) {
		t.Fatalf("expected no breach before due")
	}
}

func TestAgeHours(t *testing.T) {
	submitted := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)

	if got := AgeHours(submitted, submitted.Add(90*time.Minute)); got != 1.5 {
		t.Fatalf("age = %v, want 1.5", got)
	}
	if got := AgeHours(time.Time{}, submitted); got != 0 {
		t.Fatalf("age for zero submission = %v, want 0", got)
	}
	if got := AgeHours(submitted, submitted.Add(-time.Hour)); got != 0 {
		t.Fatalf("age must not go negative, got %v", got)
	}
}
