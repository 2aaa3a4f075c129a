package store

import (
	"errors"
	"time"
)

// ErrConflict is returned by guarded writes when the letter changed
// between the caller's read and the transactional re-check. The caller
// re-fetches current state before retrying.
var ErrConflict = errors.New("letter state changed")

// Letter workflow statuses.
const (
	StatusDraft     = "draft"
	StatusSubmitted = "submitted"
	StatusRevision  = "revision"
	StatusRejected  = "rejected"
	StatusApproved  = "approved"
	StatusSent      = "sent"
	StatusArchived  = "archived"
)

// Recipient kinds.
const (
	ToUnit       = "unit"
	ToMember     = "member"
	ToAdminPusat = "admin_pusat"
)

// ValidToType reports whether the value names a known recipient kind.
func ValidToType(toType string) bool {
	switch toType {
	case ToUnit, ToMember, ToAdminPusat:
		return true
	}
	return false
}

// Confidentiality tiers, from open to closed.
const (
	ConfidentialityBiasa    = "biasa"
	ConfidentialityTerbatas = "terbatas"
	ConfidentialityRahasia  = "rahasia"
)

// ValidConfidentiality reports whether the value names a known tier.
func ValidConfidentiality(confidentiality string) bool {
	switch confidentiality {
	case ConfidentialityBiasa, ConfidentialityTerbatas, ConfidentialityRahasia:
		return true
	}
	return false
}

type Letter struct {
	ID              string `json:"id"`
	CategoryID      string `json:"categoryId"`
	Urgency         string `json:"urgency"`
	Confidentiality string `json:"confidentiality"`

	FromUnitID string `json:"fromUnitId"`
	ToType     string `json:"toType"`
	ToRef      string `json:"toRef"`

	Subject string `json:"subject"`
	Body    string `json:"body"`

	SignerType          string  `json:"signerType"`
	SignerTypeSecondary *string `json:"signerTypeSecondary,omitempty"`

	Status    string `json:"status"`
	CreatedBy string `json:"createdBy"`

	SubmittedAt         *time.Time `json:"submittedAt,omitempty"`
	ApprovedBy          *string    `json:"approvedBy,omitempty"`
	ApprovedAt          *time.Time `json:"approvedAt,omitempty"`
	ApprovedPrimaryAt   *time.Time `json:"approvedPrimaryAt,omitempty"`
	ApprovedSecondaryBy *string    `json:"approvedSecondaryBy,omitempty"`
	ApprovedSecondaryAt *time.Time `json:"approvedSecondaryAt,omitempty"`
	RejectedBy          *string    `json:"rejectedBy,omitempty"`
	RejectedAt          *time.Time `json:"rejectedAt,omitempty"`
	RevisionNote        *string    `json:"revisionNote,omitempty"`

	Sequence     *int    `json:"sequence,omitempty"`
	Year         *int    `json:"year,omitempty"`
	LetterNumber *string `json:"letterNumber,omitempty"`

	SLADueAt    *time.Time `json:"slaDueAt,omitempty"`
	SLAStatus   string     `json:"slaStatus"`
	SLAMarkedAt *time.Time `json:"slaMarkedAt,omitempty"`

	VerificationToken string `json:"verificationToken"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TwoStage reports whether the letter requires a second signer.
func (l Letter) TwoStage() bool {
	return l.SignerTypeSecondary != nil && *l.SignerTypeSecondary != ""
}

// Terminal reports whether no further transition is possible.
func (l Letter) Terminal() bool {
	return l.Status == StatusRejected || l.Status == StatusArchived
}

// LetterFilter narrows ListLetters.
type LetterFilter struct {
	UnitID    string
	Status    string
	CreatedBy string
	Year      int
	Limit     int
}

// DraftUpdate carries the mutable draft fields. Nil pointers leave a
// field untouched.
type DraftUpdate struct {
	LetterID  string
	CreatedBy string

	Subject         *string
	Body            *string
	Urgency         *string
	Confidentiality *string
	ToType          *string
	ToRef           *string
}

// FinalizeApproval is the allocate-and-consume input: counter upsert and
// status flip happen in one transaction.
type FinalizeApproval struct {
	LetterID   string
	ApprovedBy string
	Secondary  bool
	Now        time.Time
}

// LetterApprover is a delegation record: it lets a specific user sign as
// a signer type within a unit regardless of union position.
type LetterApprover struct {
	ID         string    `json:"id"`
	UnitID     string    `json:"unitId"`
	SignerType string    `json:"signerType"`
	UserID     string    `json:"userId"`
	Active     bool      `json:"active"`
	CreatedBy  string    `json:"createdBy"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Unit struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

type Category struct {
	ID             string    `json:"id"`
	Code           string    `json:"code"`
	Name           string    `json:"name"`
	DefaultUrgency string    `json:"defaultUrgency"`
	CreatedAt      time.Time `json:"createdAt"`
}

type Member struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	UnitID    string    `json:"unitId"`
	Position  string    `json:"position"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

type User struct {
	ID                    string     `json:"id"`
	DisplayName           string     `json:"displayName"`
	Email                 string     `json:"email"`
	PasswordHash          string     `json:"-"`
	UnitID                *string    `json:"unitId,omitempty"` // direct unit assignment; member link wins when present
	UnitAdmin             bool       `json:"unitAdmin"`
	GlobalAccess          bool       `json:"globalAccess"`
	IsEmailVerified       bool       `json:"isEmailVerified"`
	VerificationToken     string     `json:"-"`
	VerificationExpiresAt *time.Time `json:"-"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// Revision is one entry of the append-only revision history.
type Revision struct {
	ID          int64     `json:"id"`
	LetterID    string    `json:"letterId"`
	Note        string    `json:"note"`
	RequestedBy string    `json:"requestedBy"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Attachment struct {
	ID          string    `json:"id"`
	LetterID    string    `json:"letterId"`
	FileName    string    `json:"fileName"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	ObjectKey   string    `json:"-"`
	UploadedBy  string    `json:"uploadedBy"`
	CreatedAt   time.Time `json:"createdAt"`
}

type AuditEvent struct {
	ID        int64          `json:"id"`
	EventType string         `json:"eventType"`
	ActorName string         `json:"actorName"`
	LetterID  string         `json:"letterId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}
