package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"

	"surat/api/internal/approval"
	"surat/api/internal/archive"
	"surat/api/internal/auth"
	"surat/api/internal/authpw"
	"surat/api/internal/config"
	"surat/api/internal/notify"
	"surat/api/internal/search"
	"surat/api/internal/sla"
	"surat/api/internal/store"
	"surat/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	UnitID       string
	UnitAdmin    bool
	GlobalAccess bool
	JTI          string
	ExpiresAt    time.Time
}

type CreateLetterInput struct {
	CategoryID          string `json:"categoryId" validate:"required"`
	FromUnitID          string `json:"fromUnitId"`
	Urgency             string `json:"urgency" validate:"omitempty,oneof=biasa segera kilat"`
	Confidentiality     string `json:"confidentiality" validate:"omitempty,oneof=biasa terbatas rahasia"`
	ToType              string `json:"toType" validate:"required,oneof=unit member admin_pusat"`
	ToRef               string `json:"toRef" validate:"required"`
	Subject             string `json:"subject" validate:"required,max=300"`
	Body                string `json:"body" validate:"required"`
	SignerType          string `json:"signerType" validate:"required,oneof=ketua sekretaris bendahara"`
	SignerTypeSecondary string `json:"signerTypeSecondary" validate:"omitempty,oneof=ketua sekretaris bendahara,nefield=SignerType"`
}

// UpdateDraftInput carries partial draft edits; nil fields are left as is.
type UpdateDraftInput struct {
	Subject         *string `json:"subject"`
	Body            *string `json:"body"`
	Urgency         *string `json:"urgency"`
	Confidentiality *string `json:"confidentiality"`
	ToType          *string `json:"toType"`
	ToRef           *string `json:"toRef"`
}

type DecisionInput struct {
	Note string `json:"note"`
}

type ApproverInput struct {
	UnitID     string `json:"unitId" validate:"required"`
	SignerType string `json:"signerType" validate:"required,oneof=ketua sekretaris bendahara"`
	UserID     string `json:"userId" validate:"required"`
}

type dataStore interface {
	InsertLetter(context.Context, store.Letter) error
	GetLetter(context.Context, string) (store.Letter, error)
	GetLetterByToken(context.Context, string) (store.Letter, error)
	ListLetters(context.Context, store.LetterFilter) ([]store.Letter, error)
	UpdateDraft(context.Context, store.DraftUpdate) (bool, error)
	SubmitLetter(context.Context, string, time.Time, time.Time) (bool, error)
	MarkPrimaryApproved(context.Context, string, string, time.Time) (bool, error)
	FinalizeApproval(context.Context, store.FinalizeApproval) (store.Letter, error)
	RejectLetter(context.Context, string, string, string, time.Time) (bool, error)
	ReviseLetter(context.Context, string, string, string, time.Time) (bool, error)
	SendLetter(context.Context, string) (bool, error)
	ArchiveLetter(context.Context, string) (bool, error)
	SweepSLA(context.Context, time.Time) ([]string, error)
	ListRevisions(context.Context, string) ([]store.Revision, error)
	GetCategory(context.Context, string) (store.Category, error)
	ListCategories(context.Context) ([]store.Category, error)
	InsertCategory(context.Context, store.Category) error
	GetUnit(context.Context, string) (store.Unit, error)
	ListUnits(context.Context) ([]store.Unit, error)
	InsertUnit(context.Context, store.Unit) error
	GetMemberByUser(context.Context, string) (*store.Member, error)
	HasActiveDelegation(context.Context, string, string, string) (bool, error)
	InsertApprover(context.Context, store.LetterApprover) error
	SetApproverActive(context.Context, string, bool) (bool, error)
	ListApprovers(context.Context, string) ([]store.LetterApprover, error)
	InsertAttachment(context.Context, store.Attachment) error
	ListAttachments(context.Context, string) ([]store.Attachment, error)
	GetAttachment(context.Context, string, string) (store.Attachment, error)
	DeleteAttachment(context.Context, string, string) error
	InsertAuditEvent(context.Context, store.AuditEvent) error
	GetUserByID(context.Context, string) (store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type archiveKeeper interface {
	Record(letterID string, snapshot archive.Snapshot, author, message string) (archive.CommitInfo, error)
	History(letterID string, limit int) ([]archive.CommitInfo, error)
}

// FileStore is the attachment blob interface; nil disables attachments.
type FileStore interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
}

type Service struct {
	cfg        config.Config
	store      dataStore
	sessions   sessionStore
	pw         *authpw.Service
	authorizer *approval.Authorizer
	sla        *sla.Policy
	notifier   notify.Dispatcher
	search     *search.Service
	archive    archiveKeeper
	files      FileStore
	validate   *validator.Validate
	sanitize   *bluemonday.Policy
	now        func() time.Time
}

func New(cfg config.Config, pg *store.PostgresStore, sessions sessionStore, pw *authpw.Service, searchSvc *search.Service, archiveSvc *archive.Service, files FileStore, notifier notify.Dispatcher) *Service {
	svc := &Service{
		cfg:        cfg,
		store:      pg,
		sessions:   sessions,
		pw:         pw,
		authorizer: approval.NewAuthorizer(pg),
		sla:        sla.NewPolicy(cfg.SLABiasaHours, cfg.SLASegeraHours, cfg.SLAKilatHours),
		notifier:   notifier,
		search:     searchSvc,
		files:      files,
		validate:   validator.New(),
		sanitize:   bluemonday.UGCPolicy(),
		now:        time.Now,
	}
	if archiveSvc != nil {
		svc.archive = archiveSvc
	}
	return svc
}

// Bootstrap seeds the organizational directory on an empty database.
func (s *Service) Bootstrap(ctx context.Context) error {
	units, err := s.store.ListUnits(ctx)
	if err != nil {
		return err
	}
	if len(units) > 0 {
		return nil
	}

	unitSeeds := []store.Unit{
		{ID: "unit-dpp", Code: "DPP", Name: "Dewan Pimpinan Pusat"},
		{ID: "unit-dpc-bdg", Code: "DPC-BDG", Name: "DPC Bandung"},
		{ID: "unit-dpc-sby", Code: "DPC-SBY", Name: "DPC Surabaya"},
	}
	for _, seed := range unitSeeds {
		if err := s.store.InsertUnit(ctx, seed); err != nil {
			return err
		}
	}

	categorySeeds := []store.Category{
		{ID: "cat-sk", Code: "SK", Name: "Surat Keputusan", DefaultUrgency: sla.UrgencyBiasa},
		{ID: "cat-und", Code: "UND", Name: "Undangan", DefaultUrgency: sla.UrgencyBiasa},
		{ID: "cat-edr", Code: "EDR", Name: "Surat Edaran", DefaultUrgency: sla.UrgencySegera},
		{ID: "cat-tgs", Code: "TGS", Name: "Surat Tugas", DefaultUrgency: sla.UrgencyBiasa},
	}
	for _, seed := range categorySeeds {
		if err := s.store.InsertCategory(ctx, seed); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- sessions ---

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	resp, err := s.pw.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	if err != nil {
		return Session{}, domainError(401, "INVALID_CREDENTIALS", "invalid email or password", nil)
	}
	if resp.RequiresVerify {
		return Session{}, domainError(403, "EMAIL_NOT_VERIFIED", "email address is not verified", nil)
	}
	return s.issueSession(ctx, resp.User)
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (*authpw.SignUpResponse, error) {
	resp, err := s.pw.SignUp(ctx, req)
	if err != nil {
		return nil, validationError(err.Error(), nil)
	}
	if mailer, ok := s.notifier.(*notify.Mailer); ok && mailer.IsConfigured() {
		verifyURL := fmt.Sprintf("%s/verify-email?token=%s", s.cfg.AppBaseURL, resp.VerificationToken)
		go func() {
			if err := mailer.SendVerificationEmail(req.Email, req.DisplayName, verifyURL); err != nil {
				log.Printf("notify: verification email to %s: %v", req.Email, err)
			}
		}()
	}
	return resp, nil
}

func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	if err := s.pw.VerifyEmail(ctx, token); err != nil {
		return validationError(err.Error(), nil)
	}
	return nil
}

func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	token, err := s.pw.RequestPasswordReset(ctx, email)
	if err != nil || token == "" {
		return token, err
	}
	if mailer, ok := s.notifier.(*notify.Mailer); ok && mailer.IsConfigured() {
		resetURL := fmt.Sprintf("%s/reset-password?token=%s", s.cfg.AppBaseURL, token)
		go func() {
			if err := mailer.SendPasswordResetEmail(email, "", resetURL); err != nil {
				log.Printf("notify: reset email to %s: %v", email, err)
			}
		}()
	}
	return token, nil
}

func (s *Service) ResetPassword(ctx context.Context, req authpw.ResetPasswordRequest) error {
	if err := s.pw.ResetPassword(ctx, req); err != nil {
		return validationError(err.Error(), nil)
	}
	return nil
}

// SMTPConfigured reports whether outbound mail is wired up; without it
// verification and reset tokens are returned inline for development.
func (s *Service) SMTPConfigured() bool {
	mailer, ok := s.notifier.(*notify.Mailer)
	return ok && mailer.IsConfigured()
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	unitID := ""
	if user.UnitID != nil {
		unitID = *user.UnitID
	}

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:    user.ID,
		Name:   user.DisplayName,
		Unit:   unitID,
		Global: user.GlobalAccess,
		JTI:    jti,
		Exp:    expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		UnitID:       unitID,
		UnitAdmin:    user.UnitAdmin,
		GlobalAccess: user.GlobalAccess,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	unitID := ""
	if user.UnitID != nil {
		unitID = *user.UnitID
	}
	return Session{
		Token:        token,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		UnitID:       unitID,
		UnitAdmin:    user.UnitAdmin,
		GlobalAccess: user.GlobalAccess,
		JTI:          claims.JTI,
		ExpiresAt:    time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// actor resolves the caller into an approval actor. A member link wins
// over the user's direct unit assignment.
func (s *Service) actor(ctx context.Context, session Session) (approval.Actor, error) {
	actor := approval.Actor{
		UserID:       session.UserID,
		Name:         session.UserName,
		UnitID:       session.UnitID,
		GlobalAccess: session.GlobalAccess,
	}
	member, err := s.store.GetMemberByUser(ctx, session.UserID)
	if err != nil {
		return actor, err
	}
	if member != nil {
		actor.UnitID = member.UnitID
		actor.Position = member.Position
	}
	return actor, nil
}

// --- letters ---

func (s *Service) CreateLetter(ctx context.Context, session Session, input CreateLetterInput) (store.Letter, error) {
	if err := s.validate.Struct(input); err != nil {
		return store.Letter{}, validationError("invalid letter", validationDetails(err))
	}

	category, err := s.store.GetCategory(ctx, input.CategoryID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Letter{}, notFoundError("category not found")
	}
	if err != nil {
		return store.Letter{}, err
	}

	fromUnitID := session.UnitID
	if session.GlobalAccess && input.FromUnitID != "" {
		fromUnitID = input.FromUnitID
	}
	if fromUnitID == "" {
		return store.Letter{}, validationError("caller has no unit to send from", nil)
	}
	if _, err := s.store.GetUnit(ctx, fromUnitID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Letter{}, notFoundError("unit not found")
		}
		return store.Letter{}, err
	}

	urgency := input.Urgency
	if urgency == "" {
		urgency = category.DefaultUrgency
	}
	if urgency == "" {
		urgency = sla.UrgencyBiasa
	}
	confidentiality := input.Confidentiality
	if confidentiality == "" {
		confidentiality = store.ConfidentialityBiasa
	}

	letter := store.Letter{
		ID:                util.NewID("ltr"),
		CategoryID:        category.ID,
		Urgency:           urgency,
		Confidentiality:   confidentiality,
		FromUnitID:        fromUnitID,
		ToType:            input.ToType,
		ToRef:             strings.TrimSpace(input.ToRef),
		Subject:           s.sanitize.Sanitize(strings.TrimSpace(input.Subject)),
		Body:              s.sanitize.Sanitize(input.Body),
		SignerType:        approval.CanonicalSigner(input.SignerType),
		Status:            store.StatusDraft,
		CreatedBy:         session.UserID,
		SLAStatus:         sla.StatusOK,
		VerificationToken: util.NewVerificationToken(),
	}
	if input.SignerTypeSecondary != "" {
		secondary := approval.CanonicalSigner(input.SignerTypeSecondary)
		letter.SignerTypeSecondary = &secondary
	}

	if err := s.store.InsertLetter(ctx, letter); err != nil {
		return store.Letter{}, err
	}

	created, err := s.store.GetLetter(ctx, letter.ID)
	if err != nil {
		return store.Letter{}, err
	}
	s.audit(ctx, "letter.created", session.UserName, created.ID, map[string]any{"categoryId": category.ID, "unitId": fromUnitID})
	s.indexLetter(created)
	s.recordSnapshot(created, session.UserName, "create draft")
	return created, nil
}

func (s *Service) GetLetter(ctx context.Context, session Session, letterID string) (store.Letter, error) {
	letter, err := s.store.GetLetter(ctx, letterID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Letter{}, notFoundError("letter not found")
	}
	if err != nil {
		return store.Letter{}, err
	}
	if !s.canView(session, letter) {
		return store.Letter{}, forbiddenError("no access to this letter")
	}
	return letter, nil
}

func (s *Service) ListLetters(ctx context.Context, session Session, filter store.LetterFilter) ([]store.Letter, error) {
	if !session.GlobalAccess {
		filter.UnitID = session.UnitID
	}
	return s.store.ListLetters(ctx, filter)
}

func (s *Service) canView(session Session, letter store.Letter) bool {
	if session.GlobalAccess {
		return true
	}
	if letter.CreatedBy == session.UserID {
		return true
	}
	return session.UnitID != "" && session.UnitID == letter.FromUnitID
}

func (s *Service) UpdateDraft(ctx context.Context, session Session, letterID string, input UpdateDraftInput) (store.Letter, error) {
	update := store.DraftUpdate{
		LetterID:        letterID,
		CreatedBy:       session.UserID,
		Urgency:         input.Urgency,
		Confidentiality: input.Confidentiality,
		ToType:          input.ToType,
		ToRef:           input.ToRef,
	}
	if input.Subject != nil {
		subject := s.sanitize.Sanitize(strings.TrimSpace(*input.Subject))
		if subject == "" {
			return store.Letter{}, validationError("subject cannot be empty", nil)
		}
		update.Subject = &subject
	}
	if input.Body != nil {
		body := s.sanitize.Sanitize(*input.Body)
		update.Body = &body
	}
	if input.Urgency != nil && !sla.ValidUrgency(*input.Urgency) {
		return store.Letter{}, validationError("unknown urgency", nil)
	}
	if input.Confidentiality != nil && !store.ValidConfidentiality(*input.Confidentiality) {
		return store.Letter{}, validationError("unknown confidentiality", nil)
	}
	if input.ToType != nil && !store.ValidToType(*input.ToType) {
		return store.Letter{}, validationError("unknown recipient type", nil)
	}

	ok, err := s.store.UpdateDraft(ctx, update)
	if err != nil {
		return store.Letter{}, err
	}
	if !ok {
		letter, err := s.store.GetLetter(ctx, letterID)
		if errors.Is(err, sql.ErrNoRows) {
			return store.Letter{}, notFoundError("letter not found")
		}
		if err != nil {
			return store.Letter{}, err
		}
		if letter.CreatedBy != session.UserID {
			return store.Letter{}, forbiddenError("only the author can edit a draft")
		}
		return store.Letter{}, conflictError("letter is no longer an editable draft")
	}

	updated, err := s.store.GetLetter(ctx, letterID)
	if err != nil {
		return store.Letter{}, err
	}
	s.indexLetter(updated)
	return updated, nil
}

func (s *Service) Submit(ctx context.Context, session Session, letterID string) (store.Letter, error) {
	letter, err := s.GetLetter(ctx, session, letterID)
	if err != nil {
		return store.Letter{}, err
	}
	if letter.CreatedBy != session.UserID && !s.unitAdminFor(session, letter.FromUnitID) {
		return store.Letter{}, forbiddenError("only the author or unit admin can submit")
	}
	if strings.TrimSpace(letter.Subject) == "" || strings.TrimSpace(letter.Body) == "" {
		return store.Letter{}, validationError("subject and body are required before submitting", nil)
	}

	now := s.now()
	dueAt := s.sla.DueAt(letter.Urgency, now)
	ok, err := s.store.SubmitLetter(ctx, letterID, now, dueAt)
	if err != nil {
		return store.Letter{}, err
	}
	if !ok {
		return store.Letter{}, conflictError("letter cannot be submitted from its current status")
	}

	submitted, err := s.store.GetLetter(ctx, letterID)
	if err != nil {
		return store.Letter{}, err
	}
	s.audit(ctx, "letter.submitted", session.UserName, letterID, map[string]any{"dueAt": dueAt})
	s.indexLetter(submitted)
	s.recordSnapshot(submitted, session.UserName, "submit for approval")
	s.notifySigners(ctx, submitted, submitted.SignerType, notify.KindSubmitted, session.UserName, "")
	return submitted, nil
}

// Approve signs the currently open slot. On a two-stage letter the first
// call records the primary signature and the second call finalizes; the
// letter number is allocated only at finalization.
func (s *Service) Approve(ctx context.Context, session Session, letterID string) (store.Letter, error) {
	letter, err := s.store.GetLetter(ctx, letterID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Letter{}, notFoundError("letter not found")
	}
	if err != nil {
		return store.Letter{}, err
	}

	signerType, secondary, open := openSlot(letter)
	if !open {
		return store.Letter{}, conflictError("letter is not awaiting approval")
	}

	actor, err := s.actor(ctx, session)
	if err != nil {
		return store.Letter{}, err
	}
	allowed, err := s.authorizer.Authorize(ctx, actor, letter.FromUnitID, signerType)
	if err != nil {
		return store.Letter{}, err
	}
	if !allowed {
		return store.Letter{}, forbiddenError(fmt.Sprintf("not authorized to sign as %s for this unit", signerType))
	}

	now := s.now()
	if letter.TwoStage() && !secondary {
		ok, err := s.store.MarkPrimaryApproved(ctx, letterID, session.UserID, now)
		if err != nil {
			return store.Letter{}, err
		}
		if !ok {
			return store.Letter{}, conflictError("letter state changed, re-read and retry")
		}
		updated, err := s.store.GetLetter(ctx, letterID)
		if err != nil {
			return store.Letter{}, err
		}
		s.audit(ctx, "letter.approved_primary", session.UserName, letterID, map[string]any{"signerType": signerType})
		s.recordSnapshot(updated, session.UserName, "primary approval")
		s.notifySigners(ctx, updated, *updated.SignerTypeSecondary, notify.KindAwaitingSecondary, session.UserName, "")
		return updated, nil
	}

	approved, err := s.store.FinalizeApproval(ctx, store.FinalizeApproval{
		LetterID:   letterID,
		ApprovedBy: session.UserID,
		Secondary:  secondary,
		Now:        now,
	})
	if errors.Is(err, store.ErrConflict) {
		return store.Letter{}, conflictError("letter state changed, re-read and retry")
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.Letter{}, notFoundError("letter not found")
	}
	if err != nil {
		return store.Letter{}, allocationError("could not allocate letter number, retry")
	}

	s.audit(ctx, "letter.approved", session.UserName, letterID, map[string]any{
		"letterNumber": deref(approved.LetterNumber),
		"signerType":   signerType,
	})
	s.indexLetter(approved)
	s.recordSnapshot(approved, session.UserName, "final approval")
	s.notifyAuthor(ctx, approved, notify.KindApproved, session.UserName, "")
	return approved, nil
}

func (s *Service) Reject(ctx context.Context, session Session, letterID string, input DecisionInput) (store.Letter, error) {
	note := strings.TrimSpace(input.Note)
	if note == "" {
		return store.Letter{}, validationError("a rejection note is required", nil)
	}
	letter, signerType, err := s.authorizeDecision(ctx, session, letterID)
	if err != nil {
		return store.Letter{}, err
	}

	ok, err := s.store.RejectLetter(ctx, letter.ID, session.UserID, note, s.now())
	if err != nil {
		return store.Letter{}, err
	}
	if !ok {
		return store.Letter{}, conflictError("letter state changed, re-read and retry")
	}

	rejected, err := s.store.GetLetter(ctx, letterID)
	if err != nil {
		return store.Letter{}, err
	}
	s.audit(ctx, "letter.rejected", session.UserName, letterID, map[string]any{"note": note, "signerType": signerType})
	s.indexLetter(rejected)
	s.recordSnapshot(rejected, session.UserName, "reject")
	s.notifyAuthor(ctx, rejected, notify.KindRejected, session.UserName, note)
	return rejected, nil
}

func (s *Service) Revise(ctx context.Context, session Session, letterID string, input DecisionInput) (store.Letter, error) {
	note := strings.TrimSpace(input.Note)
	if note == "" {
		return store.Letter{}, validationError("a revision note is required", nil)
	}
	letter, signerType, err := s.authorizeDecision(ctx, session, letterID)
	if err != nil {
		return store.Letter{}, err
	}

	ok, err := s.store.ReviseLetter(ctx, letter.ID, session.UserID, note, s.now())
	if err != nil {
		return store.Letter{}, err
	}
	if !ok {
		return store.Letter{}, conflictError("letter state changed, re-read and retry")
	}

	revised, err := s.store.GetLetter(ctx, letterID)
	if err != nil {
		return store.Letter{}, err
	}
	s.audit(ctx, "letter.revised", session.UserName, letterID, map[string]any{"note": note, "signerType": signerType})
	s.indexLetter(revised)
	s.recordSnapshot(revised, session.UserName, "request revision")
	s.notifyAuthor(ctx, revised, notify.KindRevised, session.UserName, note)
	return revised, nil
}

// authorizeDecision checks that the caller may decide on the currently
// open signing slot of a submitted letter.
func (s *Service) authorizeDecision(ctx context.Context, session Session, letterID string) (store.Letter, string, error) {
	letter, err := s.store.GetLetter(ctx, letterID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Letter{}, "", notFoundError("letter not found")
	}
	if err != nil {
		return store.Letter{}, "", err
	}

	signerType, _, open := openSlot(letter)
	if !open {
		return store.Letter{}, "", conflictError("letter is not awaiting a decision")
	}

	actor, err := s.actor(ctx, session)
	if err != nil {
		return store.Letter{}, "", err
	}
	allowed, err := s.authorizer.Authorize(ctx, actor, letter.FromUnitID, signerType)
	if err != nil {
		return store.Letter{}, "", err
	}
	if !allowed {
		return store.Letter{}, "", forbiddenError(fmt.Sprintf("not authorized to decide as %s for this unit", signerType))
	}
	return letter, signerType, nil
}

func (s *Service) Send(ctx context.Context, session Session, letterID string) (store.Letter, error) {
	letter, err := s.GetLetter(ctx, session, letterID)
	if err != nil {
		return store.Letter{}, err
	}
	if !session.GlobalAccess && !s.unitAdminFor(session, letter.FromUnitID) {
		return store.Letter{}, forbiddenError("only a unit admin can send letters")
	}

	ok, err := s.store.SendLetter(ctx, letterID)
	if err != nil {
		return store.Letter{}, err
	}
	if !ok {
		return store.Letter{}, conflictError("only approved letters can be sent")
	}

	sent, err := s.store.GetLetter(ctx, letterID)
	if err != nil {
		return store.Letter{}, err
	}
	s.audit(ctx, "letter.sent", session.UserName, letterID, nil)
	s.indexLetter(sent)
	s.recordSnapshot(sent, session.UserName, "send")
	s.notifyAuthor(ctx, sent, notify.KindSent, session.UserName, "")
	return sent, nil
}

func (s *Service) Archive(ctx context.Context, session Session, letterID string) (store.Letter, error) {
	if !session.GlobalAccess {
		return store.Letter{}, forbiddenError("only central administrators can archive letters")
	}
	if _, err := s.GetLetter(ctx, session, letterID); err != nil {
		return store.Letter{}, err
	}

	ok, err := s.store.ArchiveLetter(ctx, letterID)
	if err != nil {
		return store.Letter{}, err
	}
	if !ok {
		return store.Letter{}, conflictError("only approved or sent letters can be archived")
	}

	archived, err := s.store.GetLetter(ctx, letterID)
	if err != nil {
		return store.Letter{}, err
	}
	s.audit(ctx, "letter.archived", session.UserName, letterID, nil)
	s.indexLetter(archived)
	s.recordSnapshot(archived, session.UserName, "archive")
	return archived, nil
}

// VerifyByToken powers the public verification endpoint printed on
// letters. It exposes only what a QR scan is allowed to see.
func (s *Service) VerifyByToken(ctx context.Context, token string) (map[string]any, error) {
	letter, err := s.store.GetLetterByToken(ctx, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError("no letter matches this verification token")
	}
	if err != nil {
		return nil, err
	}

	valid := letter.Status == store.StatusApproved || letter.Status == store.StatusSent || letter.Status == store.StatusArchived
	payload := map[string]any{
		"valid":  valid,
		"status": letter.Status,
	}
	if valid {
		payload["letterNumber"] = deref(letter.LetterNumber)
		payload["subject"] = letter.Subject
		if letter.ApprovedAt != nil {
			payload["approvedAt"] = letter.ApprovedAt
		}
		if unit, err := s.store.GetUnit(ctx, letter.FromUnitID); err == nil {
			payload["unit"] = unit.Name
		}
	}
	return payload, nil
}

func (s *Service) Revisions(ctx context.Context, session Session, letterID string) ([]store.Revision, error) {
	if _, err := s.GetLetter(ctx, session, letterID); err != nil {
		return nil, err
	}
	return s.store.ListRevisions(ctx, letterID)
}

func (s *Service) SnapshotHistory(ctx context.Context, session Session, letterID string, limit int) ([]archive.CommitInfo, error) {
	if _, err := s.GetLetter(ctx, session, letterID); err != nil {
		return nil, err
	}
	if s.archive == nil {
		return []archive.CommitInfo{}, nil
	}
	return s.archive.History(letterID, limit)
}

// --- delegations ---

func (s *Service) AddApprover(ctx context.Context, session Session, input ApproverInput) (store.LetterApprover, error) {
	if err := s.validate.Struct(input); err != nil {
		return store.LetterApprover{}, validationError("invalid delegation", validationDetails(err))
	}
	if !session.GlobalAccess && !s.unitAdminFor(session, input.UnitID) {
		return store.LetterApprover{}, forbiddenError("only a unit admin can delegate signing")
	}
	if _, err := s.store.GetUserByID(ctx, input.UserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.LetterApprover{}, notFoundError("user not found")
		}
		return store.LetterApprover{}, err
	}

	approver := store.LetterApprover{
		ID:         util.NewID("apr"),
		UnitID:     input.UnitID,
		SignerType: approval.CanonicalSigner(input.SignerType),
		UserID:     input.UserID,
		Active:     true,
		CreatedBy:  session.UserID,
	}
	if err := s.store.InsertApprover(ctx, approver); err != nil {
		return store.LetterApprover{}, err
	}
	s.audit(ctx, "delegation.created", session.UserName, "", map[string]any{
		"unitId": input.UnitID, "signerType": approver.SignerType, "userId": input.UserID,
	})
	return approver, nil
}

func (s *Service) SetApproverActive(ctx context.Context, session Session, unitID, approverID string, active bool) error {
	if !session.GlobalAccess && !s.unitAdminFor(session, unitID) {
		return forbiddenError("only a unit admin can change delegations")
	}
	ok, err := s.store.SetApproverActive(ctx, approverID, active)
	if err != nil {
		return err
	}
	if !ok {
		return notFoundError("delegation not found")
	}
	s.audit(ctx, "delegation.updated", session.UserName, "", map[string]any{"approverId": approverID, "active": active})
	return nil
}

func (s *Service) ListApprovers(ctx context.Context, session Session, unitID string) ([]store.LetterApprover, error) {
	if !session.GlobalAccess && session.UnitID != unitID {
		return nil, forbiddenError("no access to this unit's delegations")
	}
	return s.store.ListApprovers(ctx, unitID)
}

// --- attachments ---

func (s *Service) AddAttachment(ctx context.Context, session Session, letterID, fileName, contentType string, size int64, reader io.Reader) (store.Attachment, error) {
	if s.files == nil {
		return store.Attachment{}, domainError(503, "ATTACHMENTS_DISABLED", "attachment storage is not configured", nil)
	}
	letter, err := s.GetLetter(ctx, session, letterID)
	if err != nil {
		return store.Attachment{}, err
	}
	if letter.Terminal() {
		return store.Attachment{}, conflictError("cannot attach files to a closed letter")
	}
	if strings.TrimSpace(fileName) == "" {
		return store.Attachment{}, validationError("file name is required", nil)
	}

	attachment := store.Attachment{
		ID:          util.NewID("att"),
		LetterID:    letterID,
		FileName:    fileName,
		ContentType: contentType,
		Size:        size,
		UploadedBy:  session.UserID,
	}
	attachment.ObjectKey = fmt.Sprintf("letters/%s/%s", letterID, attachment.ID)

	if err := s.files.Put(ctx, attachment.ObjectKey, reader, size, contentType); err != nil {
		return store.Attachment{}, fmt.Errorf("store attachment: %w", err)
	}
	if err := s.store.InsertAttachment(ctx, attachment); err != nil {
		return store.Attachment{}, err
	}
	s.audit(ctx, "attachment.added", session.UserName, letterID, map[string]any{"fileName": fileName})
	return attachment, nil
}

func (s *Service) ListAttachments(ctx context.Context, session Session, letterID string) ([]store.Attachment, error) {
	if _, err := s.GetLetter(ctx, session, letterID); err != nil {
		return nil, err
	}
	return s.store.ListAttachments(ctx, letterID)
}

func (s *Service) OpenAttachment(ctx context.Context, session Session, letterID, attachmentID string) (store.Attachment, io.ReadCloser, error) {
	if s.files == nil {
		return store.Attachment{}, nil, domainError(503, "ATTACHMENTS_DISABLED", "attachment storage is not configured", nil)
	}
	if _, err := s.GetLetter(ctx, session, letterID); err != nil {
		return store.Attachment{}, nil, err
	}
	attachment, err := s.store.GetAttachment(ctx, letterID, attachmentID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Attachment{}, nil, notFoundError("attachment not found")
	}
	if err != nil {
		return store.Attachment{}, nil, err
	}
	reader, err := s.files.Get(ctx, attachment.ObjectKey)
	if err != nil {
		return store.Attachment{}, nil, err
	}
	return attachment, reader, nil
}

func (s *Service) RemoveAttachment(ctx context.Context, session Session, letterID, attachmentID string) error {
	if s.files == nil {
		return domainError(503, "ATTACHMENTS_DISABLED", "attachment storage is not configured", nil)
	}
	letter, err := s.GetLetter(ctx, session, letterID)
	if err != nil {
		return err
	}
	attachment, err := s.store.GetAttachment(ctx, letterID, attachmentID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFoundError("attachment not found")
	}
	if err != nil {
		return err
	}
	if attachment.UploadedBy != session.UserID && letter.CreatedBy != session.UserID && !session.GlobalAccess {
		return forbiddenError("only the uploader or author can remove an attachment")
	}
	if letter.Terminal() {
		return conflictError("cannot change attachments on a closed letter")
	}
	if err := s.files.Remove(ctx, attachment.ObjectKey); err != nil {
		return fmt.Errorf("remove attachment object: %w", err)
	}
	if err := s.store.DeleteAttachment(ctx, letterID, attachmentID); err != nil {
		return err
	}
	s.audit(ctx, "attachment.removed", session.UserName, letterID, map[string]any{"fileName": attachment.FileName})
	return nil
}

// --- SLA ---

func (s *Service) SLAHours() map[string]int {
	return map[string]int{
		sla.UrgencyBiasa:  s.sla.Hours(sla.UrgencyBiasa),
		sla.UrgencySegera: s.sla.Hours(sla.UrgencySegera),
		sla.UrgencyKilat:  s.sla.Hours(sla.UrgencyKilat),
	}
}

// RunSLASweep marks overdue submitted letters breached and notifies
// authors. Safe to call repeatedly.
func (s *Service) RunSLASweep(ctx context.Context, session Session) ([]string, error) {
	if !session.GlobalAccess {
		return nil, forbiddenError("only central administrators can run the sweep")
	}
	marked, err := s.store.SweepSLA(ctx, s.now())
	if err != nil {
		return nil, err
	}
	for _, letterID := range marked {
		s.audit(ctx, "sla.breach", session.UserName, letterID, nil)
		if letter, err := s.store.GetLetter(ctx, letterID); err == nil {
			s.notifyAuthor(ctx, letter, notify.KindSLABreach, session.UserName, "")
		}
	}
	return marked, nil
}

// --- search and directory ---

func (s *Service) Search(ctx context.Context, session Session, q search.Query) search.Response {
	if !session.GlobalAccess {
		q.FilterUnitID = session.UnitID
		q.IncludeConfidential = false
	} else {
		q.IncludeConfidential = true
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) ListUnits(ctx context.Context) ([]store.Unit, error) {
	return s.store.ListUnits(ctx)
}

func (s *Service) ListCategories(ctx context.Context) ([]store.Category, error) {
	return s.store.ListCategories(ctx)
}

// --- helpers ---

func openSlot(letter store.Letter) (signerType string, secondary bool, open bool) {
	if letter.Status != store.StatusSubmitted {
		return "", false, false
	}
	if !letter.TwoStage() {
		return letter.SignerType, false, true
	}
	if letter.ApprovedPrimaryAt == nil {
		return letter.SignerType, false, true
	}
	if letter.ApprovedSecondaryAt == nil {
		return *letter.SignerTypeSecondary, true, true
	}
	return "", false, false
}

func (s *Service) unitAdminFor(session Session, unitID string) bool {
	return session.UnitAdmin && session.UnitID == unitID
}

func (s *Service) audit(ctx context.Context, eventType, actorName, letterID string, payload map[string]any) {
	if err := s.store.InsertAuditEvent(ctx, store.AuditEvent{
		EventType: eventType,
		ActorName: actorName,
		LetterID:  letterID,
		Payload:   payload,
	}); err != nil {
		log.Printf("audit: record %s for %s: %v", eventType, letterID, err)
	}
}

func (s *Service) indexLetter(letter store.Letter) {
	if s.search == nil {
		return
	}
	s.search.IndexLetter(search.LetterRecord{
		ID:              letter.ID,
		Subject:         letter.Subject,
		Body:            letter.Body,
		LetterNumber:    deref(letter.LetterNumber),
		UnitID:          letter.FromUnitID,
		CategoryID:      letter.CategoryID,
		Status:          letter.Status,
		Urgency:         letter.Urgency,
		Confidentiality: letter.Confidentiality,
	})
}

func (s *Service) recordSnapshot(letter store.Letter, author, message string) {
	if s.archive == nil {
		return
	}
	snapshot := archive.Snapshot{
		Subject:      letter.Subject,
		Body:         letter.Body,
		Urgency:      letter.Urgency,
		Status:       letter.Status,
		LetterNumber: deref(letter.LetterNumber),
		SignerType:   letter.SignerType,
		Note:         deref(letter.RevisionNote),
	}
	go func() {
		if _, err := s.archive.Record(letter.ID, snapshot, author, message); err != nil {
			log.Printf("archive: record snapshot for %s: %v", letter.ID, err)
		}
	}()
}

// notifySigners emails the active delegates for a signing slot.
func (s *Service) notifySigners(ctx context.Context, letter store.Letter, signerType string, kind notify.Kind, actorName, note string) {
	if s.notifier == nil {
		return
	}
	recipients := []string{}
	approvers, err := s.store.ListApprovers(ctx, letter.FromUnitID)
	if err == nil {
		for _, approver := range approvers {
			if !approver.Active || approver.SignerType != signerType {
				continue
			}
			if user, err := s.store.GetUserByID(ctx, approver.UserID); err == nil && user.Email != "" {
				recipients = append(recipients, user.Email)
			}
		}
	}
	s.dispatch(letter, kind, actorName, note, recipients)
}

func (s *Service) notifyAuthor(ctx context.Context, letter store.Letter, kind notify.Kind, actorName, note string) {
	if s.notifier == nil {
		return
	}
	recipients := []string{}
	if user, err := s.store.GetUserByID(ctx, letter.CreatedBy); err == nil && user.Email != "" {
		recipients = append(recipients, user.Email)
	}
	s.dispatch(letter, kind, actorName, note, recipients)
}

func (s *Service) dispatch(letter store.Letter, kind notify.Kind, actorName, note string, recipients []string) {
	event := notify.Event{
		Kind:         kind,
		LetterID:     letter.ID,
		LetterNumber: deref(letter.LetterNumber),
		Subject:      letter.Subject,
		ActorName:    actorName,
		Note:         note,
		Recipients:   recipients,
	}
	go func() {
		if err := s.notifier.Dispatch(context.Background(), event); err != nil {
			log.Printf("notify: %s for %s: %v", kind, letter.ID, err)
		}
	}()
}

func validationDetails(err error) any {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return nil
	}
	details := make([]map[string]string, 0, len(fieldErrors))
	for _, fieldError := range fieldErrors {
		details = append(details, map[string]string{
			"field": fieldError.Field(),
			"rule":  fieldError.Tag(),
		})
	}
	return details
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
