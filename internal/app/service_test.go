package app

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/crypto/bcrypt"

	"surat/api/internal/approval"
	"surat/api/internal/authpw"
	"surat/api/internal/config"
	"surat/api/internal/numbering"
	"surat/api/internal/sla"
	"surat/api/internal/store"
)

var testNow = time.Date(2026, time.December, 1, 9, 0, 0, 0, time.UTC)

// fakeStore is an in-memory stand-in that mirrors the transition guards
// and counter semantics of the Postgres layer.
type fakeStore struct {
	mu          sync.Mutex
	letters     map[string]store.Letter
	revisions   map[string][]store.Revision
	counters    map[string]int
	categories  map[string]store.Category
	units       map[string]store.Unit
	members     map[string]store.Member
	approvers   map[string]store.LetterApprover
	attachments map[string][]store.Attachment
	users       map[string]store.User
	events      []store.AuditEvent
	revokedJTI  map[string]bool
	resets      map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		letters:     map[string]store.Letter{},
		revisions:   map[string][]store.Revision{},
		counters:    map[string]int{},
		categories:  map[string]store.Category{},
		units:       map[string]store.Unit{},
		members:     map[string]store.Member{},
		approvers:   map[string]store.LetterApprover{},
		attachments: map[string][]store.Attachment{},
		users:       map[string]store.User{},
		revokedJTI:  map[string]bool{},
		resets:      map[string]string{},
	}
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

func (f *fakeStore) InsertLetter(_ context.Context, letter store.Letter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	letter.Status = store.StatusDraft
	letter.SLAStatus = sla.StatusOK
	letter.CreatedAt = testNow
	letter.UpdatedAt = testNow
	f.letters[letter.ID] = letter
	return nil
}

func (f *fakeStore) GetLetter(_ context.Context, letterID string) (store.Letter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	letter, ok := f.letters[letterID]
	if !ok {
		return store.Letter{}, sql.ErrNoRows
	}
	return letter, nil
}

func (f *fakeStore) GetLetterByToken(_ context.Context, token string) (store.Letter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, letter := range f.letters {
		if letter.VerificationToken == token {
			return letter, nil
		}
	}
	return store.Letter{}, sql.ErrNoRows
}

func (f *fakeStore) ListLetters(_ context.Context, filter store.LetterFilter) ([]store.Letter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Letter{}
	for _, letter := range f.letters {
		if filter.UnitID != "" && letter.FromUnitID != filter.UnitID {
			continue
		}
		if filter.Status != "" && letter.Status != filter.Status {
			continue
		}
		if filter.CreatedBy != "" && letter.CreatedBy != filter.CreatedBy {
			continue
		}
		if filter.Year != 0 && (letter.Year == nil || *letter.Year != filter.Year) {
			continue
		}
		out = append(out, letter)
	}
	return out, nil
}

func (f *fakeStore) UpdateDraft(_ context.Context, update store.DraftUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	letter, ok := f.letters[update.LetterID]
	if !ok || letter.CreatedBy != update.CreatedBy || letter.Status != store.StatusDraft {
		return false, nil
	}
	if update.Subject != nil {
		letter.Subject = *update.Subject
	}
	if update.Body != nil {
		letter.Body = *update.Body
	}
	if update.Urgency != nil {
		letter.Urgency = *update.Urgency
	}
	if update.Confidentiality != nil {
		letter.Confidentiality = *update.Confidentiality
	}
	if update.ToType != nil {
		letter.ToType = *update.ToType
	}
	if update.ToRef != nil {
		letter.ToRef = *update.ToRef
	}
	f.letters[update.LetterID] = letter
	return true, nil
}

func (f *fakeStore) SubmitLetter(_ context.Context, letterID string, submittedAt, dueAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	letter, ok := f.letters[letterID]
	if !ok || (letter.Status != store.StatusDraft && letter.Status != store.StatusRevision) {
		return false, nil
	}
	letter.Status = store.StatusSubmitted
	letter.SubmittedAt = &submittedAt
	letter.SLADueAt = &dueAt
	letter.SLAStatus = sla.StatusOK
	letter.SLAMarkedAt = nil
	f.letters[letterID] = letter
	return true, nil
}

func (f *fakeStore) MarkPrimaryApproved(_ context.Context, letterID, approvedBy string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	letter, ok := f.letters[letterID]
	if !ok || letter.Status != store.StatusSubmitted || letter.SignerTypeSecondary == nil || letter.ApprovedPrimaryAt != nil {
		return false, nil
	}
	letter.ApprovedBy = &approvedBy
	letter.ApprovedPrimaryAt = &at
	f.letters[letterID] = letter
	return true, nil
}

func (f *fakeStore) FinalizeApproval(_ context.Context, input store.FinalizeApproval) (store.Letter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	letter, ok := f.letters[input.LetterID]
	if !ok {
		return store.Letter{}, sql.ErrNoRows
	}
	if letter.Status != store.StatusSubmitted {
		return store.Letter{}, store.ErrConflict
	}
	if input.Secondary {
		if letter.SignerTypeSecondary == nil || letter.ApprovedPrimaryAt == nil || letter.ApprovedSecondaryAt != nil {
			return store.Letter{}, store.ErrConflict
		}
	} else if letter.SignerTypeSecondary != nil {
		return store.Letter{}, store.ErrConflict
	}

	year := input.Now.Year()
	counterKey := fmt.Sprintf("%s|%s|%d", letter.CategoryID, letter.FromUnitID, year)
	f.counters[counterKey]++
	sequence := f.counters[counterKey]

	category := f.categories[letter.CategoryID]
	unit := f.units[letter.FromUnitID]
	letterNumber := numbering.Format(sequence, category.Code, unit.Code, year)

	at := input.Now
	letter.Status = store.StatusApproved
	letter.Sequence = &sequence
	letter.Year = &year
	letter.LetterNumber = &letterNumber
	letter.ApprovedAt = &at
	if input.Secondary {
		letter.ApprovedSecondaryBy = &input.ApprovedBy
		letter.ApprovedSecondaryAt = &at
	} else {
		letter.ApprovedBy = &input.ApprovedBy
	}
	f.letters[input.LetterID] = letter
	return letter, nil
}

func (f *fakeStore) RejectLetter(_ context.Context, letterID, rejectedBy, note string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	letter, ok := f.letters[letterID]
	if !ok || letter.Status != store.StatusSubmitted {
		return false, nil
	}
	letter.Status = store.StatusRejected
	letter.RejectedBy = &rejectedBy
	letter.RejectedAt = &at
	letter.RevisionNote = &note
	f.letters[letterID] = letter
	return true, nil
}

func (f *fakeStore) ReviseLetter(_ context.Context, letterID, requestedBy, note string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	letter, ok := f.letters[letterID]
	if !ok || letter.Status != store.StatusSubmitted {
		return false, nil
	}
	letter.Status = store.StatusRevision
	letter.RevisionNote = &note
	letter.ApprovedBy = nil
	letter.ApprovedPrimaryAt = nil
	f.letters[letterID] = letter
	f.revisions[letterID] = append(f.revisions[letterID], store.Revision{
		ID:          int64(len(f.revisions[letterID]) + 1),
		LetterID:    letterID,
		Note:        note,
		RequestedBy: requestedBy,
		CreatedAt:   at,
	})
	return true, nil
}

func (f *fakeStore) SendLetter(_ context.Context, letterID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	letter, ok := f.letters[letterID]
	if !ok || letter.Status != store.StatusApproved {
		return false, nil
	}
	letter.Status = store.StatusSent
	f.letters[letterID] = letter
	return true, nil
}

func (f *fakeStore) ArchiveLetter(_ context.Context, letterID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	letter, ok := f.letters[letterID]
	if !ok || (letter.Status != store.StatusApproved && letter.Status != store.StatusSent) {
		return false, nil
	}
	letter.Status = store.StatusArchived
	f.letters[letterID] = letter
	return true, nil
}

func (f *fakeStore) SweepSLA(_ context.Context, now time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	marked := []string{}
	for id, letter := range f.letters {
		if letter.Status != store.StatusSubmitted || letter.SLAStatus != sla.StatusOK {
			continue
		}
		if letter.SLADueAt == nil || !letter.SLADueAt.Before(now) {
			continue
		}
		letter.SLAStatus = sla.StatusBreach
		at := now
		letter.SLAMarkedAt = &at
		f.letters[id] = letter
		marked = append(marked, id)
	}
	return marked, nil
}

func (f *fakeStore) ListRevisions(_ context.Context, letterID string) ([]store.Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Revision{}, f.revisions[letterID]...), nil
}

func (f *fakeStore) GetCategory(_ context.Context, id string) (store.Category, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	category, ok := f.categories[id]
	if !ok {
		return store.Category{}, sql.ErrNoRows
	}
	return category, nil
}

func (f *fakeStore) ListCategories(_ context.Context) ([]store.Category, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Category{}
	for _, category := range f.categories {
		out = append(out, category)
	}
	return out, nil
}

func (f *fakeStore) InsertCategory(_ context.Context, category store.Category) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.categories[category.ID] = category
	return nil
}

func (f *fakeStore) GetUnit(_ context.Context, id string) (store.Unit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	unit, ok := f.units[id]
	if !ok {
		return store.Unit{}, sql.ErrNoRows
	}
	return unit, nil
}

func (f *fakeStore) ListUnits(_ context.Context) ([]store.Unit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Unit{}
	for _, unit := range f.units {
		out = append(out, unit)
	}
	return out, nil
}

func (f *fakeStore) InsertUnit(_ context.Context, unit store.Unit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.units[unit.ID] = unit
	return nil
}

func (f *fakeStore) GetMemberByUser(_ context.Context, userID string) (*store.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	member, ok := f.members[userID]
	if !ok || !member.Active {
		return nil, nil
	}
	copied := member
	return &copied, nil
}

func (f *fakeStore) InsertMember(_ context.Context, member store.Member) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[member.UserID] = member
	return nil
}

func (f *fakeStore) HasActiveDelegation(_ context.Context, unitID, signerType, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, approver := range f.approvers {
		if approver.Active && approver.UnitID == unitID && approver.SignerType == signerType && approver.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) InsertApprover(_ context.Context, approver store.LetterApprover) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvers[approver.ID] = approver
	return nil
}

func (f *fakeStore) SetApproverActive(_ context.Context, approverID string, active bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	approver, ok := f.approvers[approverID]
	if !ok {
		return false, nil
	}
	approver.Active = active
	f.approvers[approverID] = approver
	return true, nil
}

func (f *fakeStore) ListApprovers(_ context.Context, unitID string) ([]store.LetterApprover, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.LetterApprover{}
	for _, approver := range f.approvers {
		if approver.UnitID == unitID {
			out = append(out, approver)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertAttachment(_ context.Context, attachment store.Attachment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachments[attachment.LetterID] = append(f.attachments[attachment.LetterID], attachment)
	return nil
}

func (f *fakeStore) ListAttachments(_ context.Context, letterID string) ([]store.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Attachment{}, f.attachments[letterID]...), nil
}

func (f *fakeStore) GetAttachment(_ context.Context, letterID, attachmentID string) (store.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, attachment := range f.attachments[letterID] {
		if attachment.ID == attachmentID {
			return attachment, nil
		}
	}
	return store.Attachment{}, sql.ErrNoRows
}

func (f *fakeStore) DeleteAttachment(_ context.Context, letterID, attachmentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.attachments[letterID][:0]
	found := false
	for _, attachment := range f.attachments[letterID] {
		if attachment.ID == attachmentID {
			found = true
			continue
		}
		kept = append(kept, attachment)
	}
	if !found {
		return sql.ErrNoRows
	}
	f.attachments[letterID] = kept
	return nil
}

func (f *fakeStore) InsertAuditEvent(_ context.Context, event store.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeStore) auditCount(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, event := range f.events {
		if event.EventType == eventType {
			count++
		}
	}
	return count
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) UpdateUserVerificationToken(_ context.Context, userID, token string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[userID]
	user.VerificationToken = token
	user.VerificationExpiresAt = &expiresAt
	f.users[userID] = user
	return nil
}

func (f *fakeStore) VerifyUserEmail(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, user := range f.users {
		if user.VerificationToken == token {
			user.IsEmailVerified = true
			user.VerificationToken = ""
			f.users[id] = user
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) UpdateUserPassword(_ context.Context, userID, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[userID]
	user.PasswordHash = passwordHash
	f.users[userID] = user
	return nil
}

func (f *fakeStore) CreatePasswordReset(_ context.Context, userID, token string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets[token] = userID
	return nil
}

func (f *fakeStore) GetPasswordReset(_ context.Context, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.resets[token]
	if !ok {
		return "", sql.ErrNoRows
	}
	return userID, nil
}

func (f *fakeStore) MarkPasswordResetUsed(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.resets, token)
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokedJTI[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revokedJTI[jti], nil
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]store.User
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: map[string]store.User{}}
}

func (f *fakeSessions) SaveRefreshSession(_ context.Context, tokenHash string, user store.User, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[tokenHash] = user
	return nil
}

func (f *fakeSessions) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.sessions[tokenHash]
	if !ok {
		return store.User{}, errors.New("refresh session not found")
	}
	return user, nil
}

func (f *fakeSessions) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, tokenHash)
	return nil
}

func newTestService(fake *fakeStore) *Service {
	return &Service{
		cfg: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: time.Hour,
		},
		store:      fake,
		sessions:   newFakeSessions(),
		pw:         authpw.NewService(fake, "test-secret"),
		authorizer: approval.NewAuthorizer(fake),
		sla:        sla.DefaultPolicy(),
		validate:   validator.New(),
		sanitize:   bluemonday.UGCPolicy(),
		now:        func() time.Time { return testNow },
	}
}

func seedDirectory(t *testing.T, fake *fakeStore) {
	t.Helper()
	ctx := context.Background()
	units := []store.Unit{
		{ID: "unit-dpc-bdg", Code: "DPC-BDG", Name: "DPC Bandung"},
		{ID: "unit-dpc-sby", Code: "DPC-SBY", Name: "DPC Surabaya"},
	}
	for _, unit := range units {
		if err := fake.InsertUnit(ctx, unit); err != nil {
			t.Fatalf("seed unit: %v", err)
		}
	}
	categories := []store.Category{
		{ID: "cat-sk", Code: "SK", Name: "Surat Keputusan", DefaultUrgency: sla.UrgencyBiasa},
		{ID: "cat-und", Code: "UND", Name: "Undangan", DefaultUrgency: sla.UrgencyBiasa},
	}
	for _, category := range categories {
		if err := fake.InsertCategory(ctx, category); err != nil {
			t.Fatalf("seed category: %v", err)
		}
	}
	bandung := "unit-dpc-bdg"
	surabaya := "unit-dpc-sby"
	users := []store.User{
		{ID: "user-author", DisplayName: "Rina", Email: "rina@example.com", UnitID: &bandung},
		{ID: "user-ketua", DisplayName: "Budi", Email: "budi@example.com", UnitID: &bandung},
		{ID: "user-sekretaris", DisplayName: "Dewi", Email: "dewi@example.com", UnitID: &bandung},
		{ID: "user-bendahara", DisplayName: "Agus", Email: "agus@example.com", UnitID: &bandung},
		{ID: "user-staff", DisplayName: "Sari", Email: "sari@example.com", UnitID: &bandung},
		{ID: "user-sby", DisplayName: "Joko", Email: "joko@example.com", UnitID: &surabaya},
	}
	for _, user := range users {
		if err := fake.CreateUser(ctx, user); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	members := []store.Member{
		{ID: "mbr-ketua", UserID: "user-ketua", UnitID: "unit-dpc-bdg", Position: "Ketua", Active: true},
		{ID: "mbr-sek", UserID: "user-sekretaris", UnitID: "unit-dpc-bdg", Position: "Sekretaris", Active: true},
		{ID: "mbr-ben", UserID: "user-bendahara", UnitID: "unit-dpc-bdg", Position: "Bendahara", Active: true},
		{ID: "mbr-sby", UserID: "user-sby", UnitID: "unit-dpc-sby", Position: "Ketua", Active: true},
	}
	for _, member := range members {
		if err := fake.InsertMember(ctx, member); err != nil {
			t.Fatalf("seed member: %v", err)
		}
	}
}

var (
	authorSession     = Session{UserID: "user-author", UserName: "Rina", UnitID: "unit-dpc-bdg"}
	ketuaSession      = Session{UserID: "user-ketua", UserName: "Budi", UnitID: "unit-dpc-bdg"}
	sekretarisSession = Session{UserID: "user-sekretaris", UserName: "Dewi", UnitID: "unit-dpc-bdg"}
	bendaharaSession  = Session{UserID: "user-bendahara", UserName: "Agus", UnitID: "unit-dpc-bdg"}
	staffSession      = Session{UserID: "user-staff", UserName: "Sari", UnitID: "unit-dpc-bdg"}
	sbySession        = Session{UserID: "user-sby", UserName: "Joko", UnitID: "unit-dpc-sby"}
	adminSession      = Session{UserID: "user-admin", UserName: "Pusat", GlobalAccess: true}
)

func createDraft(t *testing.T, svc *Service, session Session, input CreateLetterInput) store.Letter {
	t.Helper()
	if input.CategoryID == "" {
		input.CategoryID = "cat-sk"
	}
	if input.ToType == "" {
		input.ToType = "unit"
		input.ToRef = "unit-dpc-sby"
	}
	if input.Subject == "" {
		input.Subject = "Permohonan Audiensi"
	}
	if input.Body == "" {
		input.Body = "Mohon kesediaan waktu untuk audiensi."
	}
	if input.SignerType == "" {
		input.SignerType = "ketua"
	}
	letter, err := svc.CreateLetter(context.Background(), session, input)
	if err != nil {
		t.Fatalf("create letter: %v", err)
	}
	return letter
}

func submitLetter(t *testing.T, svc *Service, session Session, letterID string) store.Letter {
	t.Helper()
	letter, err := svc.Submit(context.Background(), session, letterID)
	if err != nil {
		t.Fatalf("submit letter: %v", err)
	}
	return letter
}

func wantStatus(t *testing.T, err error, status int) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected domain error, got %v", err)
	}
	if domainErr.Status != status {
		t.Fatalf("expected status %d, got %d (%s)", status, domainErr.Status, domainErr.Code)
	}
	return domainErr
}

func TestSingleStageApprovalAllocatesNumber(t *testing.T) {
	fake := newFakeStore()
	seedDirectory(t, fake)
	svc := newTestService(fake)
	ctx := context.Background()

	letter := createDraft(t, svc, authorSession, CreateLetterInput{})
	if letter.Status != store.StatusDraft {
		t.Fatalf("expected draft, got %s", letter.Status)
	}
	if letter.LetterNumber != nil {
		t.Fatalf("draft must not carry a letter number")
	}

	submitted := submitLetter(t, svc, authorSession, letter.ID)
	if submitted.Status != store.StatusSubmitted {
		t.Fatalf("expected submitted, got %s", submitted.Status)
	}
	if submitted.SLADueAt == nil || !submitted.SLADueAt.Equal(testNow.Add(72*time.Hour)) {
		t.Fatalf("expected biasa due at +72h, got %v", submitted.SLADueAt)
	}

	approved, err := svc.Approve(ctx, ketuaSession, letter.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != store.StatusApproved {
		t.Fatalf("expected approved, got %s", approved.Status)
	}
	if approved.Sequence == nil || *approved.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %v", approved.Sequence)
	}
	want := "001/SK/DPC-BDG/SP-PIPS/2026"
	if approved.LetterNumber == nil || *approved.LetterNumber != want {
		t.Fatalf("expected number %q, got %v", want, approved.LetterNumber)
	}

	// A second approval must not consume another sequence.
	if _, err := svc.Approve(ctx, ketuaSession, letter.ID); err == nil {
		t.Fatal("expected conflict on double approve")
	} else {
		wantStatus(t, err, 409)
	}
	after, _ := fake.GetLetter(ctx, letter.ID)
	if *after.LetterNumber != want {
		t.Fatalf("letter number changed after failed approve: %s", *after.LetterNumber)
	}

	sent, err := svc.Send(ctx, adminSession, letter.ID)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.Status != store.StatusSent {
		t.Fatalf("expected sent, got %s", sent.Status)
	}

	archived, err := svc.Archive(ctx, adminSession, letter.ID)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if archived.Status != store.StatusArchived {
		t.Fatalf("expected archived, got %s", archived.Status)
	}
	if *archived.LetterNumber != want {
		t.Fatalf("letter number must survive archive, got %s", *archived.LetterNumber)
	}
}

func TestTwoStageApproval(t *testing.T) {
	fake := newFakeStore()
	seedDirectory(t, fake)
	svc := newTestService(fake)
	ctx := context.Background()

	letter := createDraft(t, svc, authorSession, CreateLetterInput{
		SignerType:          "ketua",
		SignerTypeSecondary: "sekretaris",
	})
	submitLetter(t, svc, authorSession, letter.ID)

	// Secondary signer cannot jump the queue while the ketua slot is open.
	if _, err := svc.Approve(ctx, sekretarisSession, letter.ID); err == nil {
		t.Fatal("expected forbidden for secondary before primary")
	} else {
		wantStatus(t, err, 403)
	}

	afterPrimary, err := svc.Approve(ctx, ketuaSession, letter.ID)
	if err != nil {
		t.Fatalf("primary approve: %v", err)
	}
	if afterPrimary.Status != store.StatusSubmitted {
		t.Fatalf("letter must stay submitted after primary, got %s", afterPrimary.Status)
	}
	if afterPrimary.ApprovedPrimaryAt == nil {
		t.Fatal("primary approval timestamp missing")
	}
	if afterPrimary.LetterNumber != nil {
		t.Fatal("number must not be allocated before the final approval")
	}

	// The ketua is done; the open slot now belongs to the sekretaris.
	if _, err := svc.Approve(ctx, ketuaSession, letter.ID); err == nil {
		t.Fatal("expected forbidden for ketua on the secondary slot")
	} else {
		wantStatus(t, err, 403)
	}

	final, err := svc.Approve(ctx, sekretarisSession, letter.ID)
	if err != nil {
		t.Fatalf("secondary approve: %v", err)
	}
	if final.Status != store.StatusApproved {
		t.Fatalf("expected approved, got %s", final.Status)
	}
	if final.Sequence == nil || *final.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %v", final.Sequence)
	}
	if final.ApprovedSecondaryBy == nil || *final.ApprovedSecondaryBy != "user-sekretaris" {
		t.Fatalf("secondary approver not recorded: %v", final.ApprovedSecondaryBy)
	}
}

func TestApprovalAuthorization(t *testing.T) {
	fake := newFakeStore()
	seedDirectory(t, fake)
	svc := newTestService(fake)
	ctx := context.Background()

	letter := createDraft(t, svc, authorSession, CreateLetterInput{})
	submitLetter(t, svc, authorSession, letter.ID)

	// Same position, wrong unit.
	if _, err := svc.Approve(ctx, sbySession, letter.ID); err == nil {
		t.Fatal("expected forbidden for cross-unit ketua")
	} else {
		wantStatus(t, err, 403)
	}

	// Right unit, wrong position.
	if _, err := svc.Approve(ctx, bendaharaSession, letter.ID); err == nil {
		t.Fatal("expected forbidden for bendahara on a ketua slot")
	} else {
		wantStatus(t, err, 403)
	}

	// A staff member with no position gains authority only by delegation.
	if _, err := svc.Approve(ctx, staffSession, letter.ID); err == nil {
		t.Fatal("expected forbidden before delegation")
	}
	if err := fake.InsertApprover(ctx, store.LetterApprover{
		ID: "apr-1", UnitID: "unit-dpc-bdg", SignerType: "ketua", UserID: "user-staff", Active: true,
	}); err != nil {
		t.Fatalf("insert approver: %v", err)
	}
	if _, err := svc.Approve(ctx, staffSession, letter.ID); err != nil {
		t.Fatalf("delegated approve: %v", err)
	}

	// An inactive delegation grants nothing.
	second := createDraft(t, svc, authorSession, CreateLetterInput{})
	submitLetter(t, svc, authorSession, second.ID)
	if _, err := fake.SetApproverActive(ctx, "apr-1", false); err != nil {
		t.Fatalf("deactivate approver: %v", err)
	}
	if _, err := svc.Approve(ctx, staffSession, second.ID); err == nil {
		t.Fatal("expected forbidden after delegation revoked")
	} else {
		wantStatus(t, err, 403)
	}
}

func TestConcurrentApprovalsYieldGapFreeSequence(t *testing.T) {
	fake := newFakeStore()
	seedDirectory(t, fake)
	svc := newTestService(fake)
	ctx := context.Background()

	const n = 8
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		letter := createDraft(t, svc, authorSession, CreateLetterInput{})
		submitLetter(t, svc, authorSession, letter.ID)
		ids = append(ids, letter.ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(letterID string) {
			defer wg.Done()
			if _, err := svc.Approve(ctx, adminSession, letterID); err != nil {
				t.Errorf("approve %s: %v", letterID, err)
			}
		}(id)
	}
	wg.Wait()

	seen := map[int]bool{}
	for _, id := range ids {
		letter, err := fake.GetLetter(ctx, id)
		if err != nil {
			t.Fatalf("get letter: %v", err)
		}
		if letter.Sequence == nil {
			t.Fatalf("letter %s has no sequence", id)
		}
		if seen[*letter.Sequence] {
			t.Fatalf("duplicate sequence %d", *letter.Sequence)
		}
		seen[*letter.Sequence] = true
	}
	for seq := 1; seq <= n; seq++ {
		if !seen[seq] {
			t.Fatalf("gap in sequence: %d missing", seq)
		}
	}
}

func TestCountersScopedByCategoryUnitYear(t *testing.T) {
	fake := newFakeStore()
	seedDirectory(t, fake)
	svc := newTestService(fake)
	ctx := context.Background()

	first := createDraft(t, svc, authorSession, CreateLetterInput{CategoryID: "cat-sk"})
	submitLetter(t, svc, authorSession, first.ID)
	other := createDraft(t, svc, authorSession, CreateLetterInput{CategoryID: "cat-und"})
	submitLetter(t, svc, authorSession, other.ID)

	approvedFirst, err := svc.Approve(ctx, ketuaSession, first.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	approvedOther, err := svc.Approve(ctx, ketuaSession, other.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if *approvedFirst.Sequence != 1 || *approvedOther.Sequence != 1 {
		t.Fatalf("categories must count independently, got %d and %d", *approvedFirst.Sequence, *approvedOther.Sequence)
	}

	// The counter restarts with the calendar year.
	svc.now = func() time.Time { return testNow.AddDate(1, 0, 0) }
	next := createDraft(t, svc, authorSession, CreateLetterInput{CategoryID: "cat-sk"})
	submitLetter(t, svc, authorSession, next.ID)
	approvedNext, err := svc.Approve(ctx, ketuaSession, next.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if *approvedNext.Sequence != 1 {
		t.Fatalf("expected sequence 1 after year rollover, got %d", *approvedNext.Sequence)
	}
	if *approvedNext.Year != 2027 {
		t.Fatalf("expected year 2027, got %d", *approvedNext.Year)
	}
	if *approvedFirst.LetterNumber != "001/SK/DPC-BDG/SP-PIPS/2026" {
		t.Fatalf("prior year number changed: %s", *approvedFirst.LetterNumber)
	}
}

func TestRejectAndReviseCycle(t *testing.T) {
	fake := newFakeStore()
	seedDirectory(t, fake)
	svc := newTestService(fake)
	ctx := context.Background()

	letter := createDraft(t, svc, authorSession, CreateLetterInput{})
	submitLetter(t, svc, authorSession, letter.ID)

	if _, err := svc.Reject(ctx, ketuaSession, letter.ID, DecisionInput{}); err == nil {
		t.Fatal("expected validation error for empty note")
	} else {
		wantStatus(t, err, 400)
	}

	revised, err := svc.Revise(ctx, ketuaSession, letter.ID, DecisionInput{Note: "Perbaiki nomor lampiran"})
	if err != nil {
		t.Fatalf("revise: %v", err)
	}
	if revised.Status != store.StatusRevision {
		t.Fatalf("expected revision, got %s", revised.Status)
	}
	if revised.RevisionNote == nil || *revised.RevisionNote != "Perbaiki nomor lampiran" {
		t.Fatalf("revision note not stored: %v", revised.RevisionNote)
	}

	revisions, err := svc.Revisions(ctx, authorSession, letter.ID)
	if err != nil {
		t.Fatalf("list revisions: %v", err)
	}
	if len(revisions) != 1 || revisions[0].RequestedBy != "user-ketua" {
		t.Fatalf("unexpected revision history: %+v", revisions)
	}

	// The author resubmits and the signer rejects for good.
	resubmitted := submitLetter(t, svc, authorSession, letter.ID)
	if resubmitted.Status != store.StatusSubmitted {
		t.Fatalf("expected submitted after resubmit, got %s", resubmitted.Status)
	}
	rejected, err := svc.Reject(ctx, ketuaSession, letter.ID, DecisionInput{Note: "Tidak sesuai agenda"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != store.StatusRejected {
		t.Fatalf("expected rejected, got %s", rejected.Status)
	}
	if rejected.LetterNumber != nil {
		t.Fatal("rejected letters never carry a number")
	}
	if _, err := svc.Submit(ctx, authorSession, letter.ID); err == nil {
		t.Fatal("rejected letters cannot be resubmitted")
	} else {
		wantStatus(t, err, 409)
	}
}

func TestDraftRules(t *testing.T) {
	fake := newFakeStore()
	seedDirectory(t, fake)
	svc := newTestService(fake)
	ctx := context.Background()

	if _, err := svc.CreateLetter(ctx, authorSession, CreateLetterInput{
		CategoryID: "cat-sk",
		ToType:     "unit",
		ToRef:      "unit-dpc-sby",
		Subject:    "Tes",
		Body:       "Isi",
		SignerType: "ketua",
		// Same role twice is never a valid pairing.
		SignerTypeSecondary: "ketua",
	}); err == nil {
		t.Fatal("expected validation error for duplicate signer roles")
	} else {
		wantStatus(t, err, 400)
	}

	letter := createDraft(t, svc, authorSession, CreateLetterInput{})

	subject := "Perubahan Agenda"
	if _, err := svc.UpdateDraft(ctx, staffSession, letter.ID, UpdateDraftInput{Subject: &subject}); err == nil {
		t.Fatal("expected forbidden for non-author draft edit")
	} else {
		wantStatus(t, err, 403)
	}

	updated, err := svc.UpdateDraft(ctx, authorSession, letter.ID, UpdateDraftInput{Subject: &subject})
	if err != nil {
		t.Fatalf("update draft: %v", err)
	}
	if updated.Subject != subject {
		t.Fatalf("subject not updated: %s", updated.Subject)
	}

	// Enum fields are checked on edit just as on create.
	badConfidentiality := "garbage"
	if _, err := svc.UpdateDraft(ctx, authorSession, letter.ID, UpdateDraftInput{Confidentiality: &badConfidentiality}); err == nil {
		t.Fatal("expected validation error for unknown confidentiality")
	} else {
		wantStatus(t, err, 400)
	}
	badToType := "nobody"
	if _, err := svc.UpdateDraft(ctx, authorSession, letter.ID, UpdateDraftInput{ToType: &badToType}); err == nil {
		t.Fatal("expected validation error for unknown recipient type")
	} else {
		wantStatus(t, err, 400)
	}
	terbatas := "terbatas"
	reclassified, err := svc.UpdateDraft(ctx, authorSession, letter.ID, UpdateDraftInput{Confidentiality: &terbatas})
	if err != nil {
		t.Fatalf("update confidentiality: %v", err)
	}
	if reclassified.Confidentiality != "terbatas" {
		t.Fatalf("confidentiality not updated: %s", reclassified.Confidentiality)
	}

	submitLetter(t, svc, authorSession, letter.ID)
	if _, err := svc.UpdateDraft(ctx, authorSession, letter.ID, UpdateDraftInput{Subject: &subject}); err == nil {
		t.Fatal("expected conflict editing a submitted letter")
	} else {
		wantStatus(t, err, 409)
	}
}

func TestConfidentialityTiers(t *testing.T) {
	fake := newFakeStore()
	seedDirectory(t, fake)
	svc := newTestService(fake)
	ctx := context.Background()

	for _, tier := range []string{"biasa", "terbatas", "rahasia"} {
		letter := createDraft(t, svc, authorSession, CreateLetterInput{Confidentiality: tier})
		if letter.Confidentiality != tier {
			t.Fatalf("tier %q not stored, got %q", tier, letter.Confidentiality)
		}
	}

	// Omitting the field falls back to the open tier.
	open := createDraft(t, svc, authorSession, CreateLetterInput{})
	if open.Confidentiality != store.ConfidentialityBiasa {
		t.Fatalf("expected biasa default, got %q", open.Confidentiality)
	}

	if _, err := svc.CreateLetter(ctx, authorSession, CreateLetterInput{
		CategoryID:      "cat-sk",
		Confidentiality: "sangat-rahasia",
		ToType:          "unit",
		ToRef:           "unit-dpc-sby",
		Subject:         "Tes",
		Body:            "Isi",
		SignerType:      "ketua",
	}); err == nil {
		t.Fatal("expected validation error for unknown confidentiality")
	} else {
		wantStatus(t, err, 400)
	}
}

func TestSLASweep(t *testing.T) {
	fake := newFakeStore()
	seedDirectory(t, fake)
	svc := newTestService(fake)
	ctx := context.Background()

	urgent := createDraft(t, svc, authorSession, CreateLetterInput{Urgency: "kilat"})
	submitLetter(t, svc, authorSession, urgent.ID)
	relaxed := createDraft(t, svc, authorSession, CreateLetterInput{Urgency: "biasa"})
	submitLetter(t, svc, authorSession, relaxed.ID)

	// Five hours later the kilat letter is past its 4h deadline.
	svc.now = func() time.Time { return testNow.Add(5 * time.Hour) }

	if _, err := svc.RunSLASweep(ctx, authorSession); err == nil {
		t.Fatal("expected forbidden for non-global sweep")
	} else {
		wantStatus(t, err, 403)
	}

	marked, err := svc.RunSLASweep(ctx, adminSession)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(marked) != 1 || marked[0] != urgent.ID {
		t.Fatalf("expected only the kilat letter marked, got %v", marked)
	}
	breached, _ := fake.GetLetter(ctx, urgent.ID)
	if breached.SLAStatus != sla.StatusBreach || breached.SLAMarkedAt == nil {
		t.Fatalf("breach not recorded: %s %v", breached.SLAStatus, breached.SLAMarkedAt)
	}

	// Already-marked letters are not reported twice.
	again, err := svc.RunSLASweep(ctx, adminSession)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("sweep must be idempotent, got %v", again)
	}
	if got := fake.auditCount("sla.breach"); got != 1 {
		t.Fatalf("expected one breach audit event, got %d", got)
	}

	// A breached letter can still be approved.
	if _, err := svc.Approve(ctx, ketuaSession, urgent.ID); err != nil {
		t.Fatalf("approve after breach: %v", err)
	}
}

func TestVerificationToken(t *testing.T) {
	fake := newFakeStore()
	seedDirectory(t, fake)
	svc := newTestService(fake)
	ctx := context.Background()

	letter := createDraft(t, svc, authorSession, CreateLetterInput{})
	token := letter.VerificationToken
	if token == "" {
		t.Fatal("letters must carry a verification token")
	}

	payload, err := svc.VerifyByToken(ctx, token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if payload["valid"] != false {
		t.Fatalf("draft must not verify as valid: %v", payload)
	}

	submitLetter(t, svc, authorSession, letter.ID)
	if _, err := svc.Approve(ctx, ketuaSession, letter.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	payload, err = svc.VerifyByToken(ctx, token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if payload["valid"] != true {
		t.Fatalf("approved letter must verify: %v", payload)
	}
	if payload["letterNumber"] != "001/SK/DPC-BDG/SP-PIPS/2026" {
		t.Fatalf("unexpected number in verification payload: %v", payload["letterNumber"])
	}

	if _, err := svc.VerifyByToken(ctx, "no-such-token"); err == nil {
		t.Fatal("expected not found for unknown token")
	} else {
		wantStatus(t, err, 404)
	}
}

func TestListLettersScopedToUnit(t *testing.T) {
	fake := newFakeStore()
	seedDirectory(t, fake)
	svc := newTestService(fake)
	ctx := context.Background()

	createDraft(t, svc, authorSession, CreateLetterInput{})
	createDraft(t, svc, sbySession, CreateLetterInput{})

	mine, err := svc.ListLetters(ctx, authorSession, store.LetterFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, letter := range mine {
		if letter.FromUnitID != "unit-dpc-bdg" {
			t.Fatalf("unit scope leaked letter from %s", letter.FromUnitID)
		}
	}

	all, err := svc.ListLetters(ctx, adminSession, store.LetterFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("global access should see both letters, got %d", len(all))
	}

	// A cross-unit viewer cannot open someone else's letter either.
	theirs := all[0]
	if theirs.FromUnitID == "unit-dpc-bdg" {
		theirs = all[1]
	}
	if _, err := svc.GetLetter(ctx, authorSession, theirs.ID); err == nil {
		t.Fatal("expected forbidden for cross-unit read")
	} else {
		wantStatus(t, err, 403)
	}
}

type fakeFiles struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{objects: map[string][]byte{}}
}

func (f *fakeFiles) Put(_ context.Context, key string, reader io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeFiles) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeFiles) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func TestAttachments(t *testing.T) {
	fake := newFakeStore()
	seedDirectory(t, fake)
	svc := newTestService(fake)
	files := newFakeFiles()
	svc.files = files
	ctx := context.Background()

	letter := createDraft(t, svc, authorSession, CreateLetterInput{})

	attachment, err := svc.AddAttachment(ctx, authorSession, letter.ID, "lampiran.pdf", "application/pdf", 11, bytes.NewReader([]byte("isi berkas.")))
	if err != nil {
		t.Fatalf("add attachment: %v", err)
	}
	if attachment.ObjectKey == "" {
		t.Fatal("object key not assigned")
	}

	got, reader, err := svc.OpenAttachment(ctx, authorSession, letter.ID, attachment.ID)
	if err != nil {
		t.Fatalf("open attachment: %v", err)
	}
	data, _ := io.ReadAll(reader)
	reader.Close()
	if got.FileName != "lampiran.pdf" || string(data) != "isi berkas." {
		t.Fatalf("unexpected attachment content: %s %q", got.FileName, data)
	}

	// Strangers in the same unit read but do not remove.
	if err := svc.RemoveAttachment(ctx, sekretarisSession, letter.ID, attachment.ID); err == nil {
		t.Fatal("expected forbidden for non-uploader removal")
	} else {
		wantStatus(t, err, 403)
	}
	if err := svc.RemoveAttachment(ctx, authorSession, letter.ID, attachment.ID); err != nil {
		t.Fatalf("remove attachment: %v", err)
	}
	if len(files.objects) != 0 {
		t.Fatal("object not removed from storage")
	}
	remaining, err := svc.ListAttachments(ctx, authorSession, letter.ID)
	if err != nil {
		t.Fatalf("list attachments: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("attachment row not deleted: %+v", remaining)
	}
}

func TestSessionLifecycle(t *testing.T) {
	fake := newFakeStore()
	seedDirectory(t, fake)
	svc := newTestService(fake)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("rahasia-123"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	unitID := "unit-dpc-bdg"
	if err := fake.CreateUser(ctx, store.User{
		ID:              "user-login",
		DisplayName:     "Tono",
		Email:           "tono@example.com",
		PasswordHash:    string(hash),
		UnitID:          &unitID,
		IsEmailVerified: true,
	}); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	session, err := svc.Login(ctx, "tono@example.com", "rahasia-123")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if session.UnitID != unitID {
		t.Fatalf("unit not carried onto session: %q", session.UnitID)
	}

	parsed, err := svc.SessionFromToken(ctx, session.Token)
	if err != nil {
		t.Fatalf("parse session: %v", err)
	}
	if parsed.UserID != "user-login" || parsed.UnitID != unitID {
		t.Fatalf("unexpected parsed session: %+v", parsed)
	}

	rotated, err := svc.Refresh(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.RefreshToken == session.RefreshToken {
		t.Fatal("refresh token must rotate")
	}
	if _, err := svc.Refresh(ctx, session.RefreshToken); err == nil {
		t.Fatal("old refresh token must be revoked")
	}

	if err := svc.Logout(ctx, rotated, rotated.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.SessionFromToken(ctx, rotated.Token); err == nil {
		t.Fatal("access token must be revoked after logout")
	}

	if _, err := svc.Login(ctx, "tono@example.com", "salah"); err == nil {
		t.Fatal("expected invalid credentials")
	} else {
		wantStatus(t, err, 401)
	}
}
