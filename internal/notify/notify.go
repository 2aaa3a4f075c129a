// Package notify delivers lifecycle notifications for letters.
package notify

import (
	"context"
	"log"
)

type Kind string

const (
	KindSubmitted         Kind = "submitted"
	KindAwaitingSecondary Kind = "awaiting_secondary"
	KindApproved          Kind = "approved"
	KindRejected          Kind = "rejected"
	KindRevised           Kind = "revised"
	KindSent              Kind = "sent"
	KindArchived          Kind = "archived"
	KindSLABreach         Kind = "sla_breach"
)

// Event describes a letter lifecycle change worth telling someone about.
type Event struct {
	Kind         Kind
	LetterID     string
	LetterNumber string
	Subject      string
	UnitName     string
	ActorName    string
	Note         string
	Recipients   []string
}

// Dispatcher delivers events. Implementations must be safe for
// concurrent use; delivery is best effort and never blocks a workflow
// transition.
type Dispatcher interface {
	Dispatch(ctx context.Context, event Event) error
}

// LogDispatcher writes events to the process log. It is the fallback
// when SMTP is not configured.
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(_ context.Context, event Event) error {
	log.Printf(`{"notify":"%s","letter_id":"%s","letter_number":"%s","actor":"%s"}`,
		event.Kind, event.LetterID, event.LetterNumber, event.ActorName)
	return nil
}
