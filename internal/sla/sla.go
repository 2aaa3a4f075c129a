// Package sla maps letter urgency to approval deadlines.
package sla

import "time"

const (
	UrgencyBiasa  = "biasa"
	UrgencySegera = "segera"
	UrgencyKilat  = "kilat"
)

const (
	StatusOK     = "ok"
	StatusBreach = "breach"
)

const defaultDuration = 72 * time.Hour

// ValidUrgency reports whether the value is a known urgency level.
func ValidUrgency(urgency string) bool {
	switch urgency {
	case UrgencyBiasa, UrgencySegera, UrgencyKilat:
		return true
	}
	return false
}

// Policy is the urgency -> duration lookup table. Unknown urgencies fall
// back to the default duration.
type Policy struct {
	durations map[string]time.Duration
	fallback  time.Duration
}

func DefaultPolicy() *Policy {
	return &Policy{
		durations: map[string]time.Duration{
			UrgencyBiasa:  72 * time.Hour,
			UrgencySegera: 24 * time.Hour,
			UrgencyKilat:  4 * time.Hour,
		},
		fallback: defaultDuration,
	}
}

// NewPolicy builds a policy from per-urgency hour overrides. A zero or
// negative override keeps the default for that urgency.
func NewPolicy(biasaHours, segeraHours, kilatHours int) *Policy {
	p := DefaultPolicy()
	if biasaHours > 0 {
		p.durations[UrgencyBiasa] = time.Duration(biasaHours) * time.Hour
	}
	if segeraHours > 0 {
		p.durations[UrgencySegera] = time.Duration(segeraHours) * time.Hour
	}
	if kilatHours > 0 {
		p.durations[UrgencyKilat] = time.Duration(kilatHours) * time.Hour
	}
	return p
}

func (p *Policy) Duration(urgency string) time.Duration {
	if d, ok := p.durations[urgency]; ok {
		return d
	}
	return p.fallback
}

func (p *Policy) Hours(urgency string) int {
	return int(p.Duration(urgency) / time.Hour)
}

func (p *Policy) DueAt(urgency string, submittedAt time.Time) time.Time {
	return submittedAt.Add(p.Duration(urgency))
}

// Breached reports whether a due timestamp has passed.
func Breached(dueAt, now time.Time) bool {
	return now.After(dueAt)
}

// AgeHours is a display-only quantity; it never drives a transition.
func AgeHours(submittedAt, now time.Time) float64 {
	if submittedAt.IsZero() || now.Before(submittedAt) {
		return 0
	}
	return now.Sub(submittedAt).Hours()
}
