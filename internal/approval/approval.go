// Package approval decides whether an actor may sign as a given signer
// type within a unit. Resolution is a prioritized chain: explicit
// delegation, then the actor's union position, then the global override.
package approval

import (
	"context"
	"strings"
)

const (
	SignerKetua      = "ketua"
	SignerSekretaris = "sekretaris"
	SignerBendahara  = "bendahara"
)

// Actor is the identity slice this package needs. The workflow resolves
// it from the session and member directory.
type Actor struct {
	UserID       string
	Name         string
	UnitID       string
	Position     string // union position name, "" when the actor holds none
	GlobalAccess bool
}

// Provider answers one source of signing authority.
type Provider interface {
	Allows(ctx context.Context, actor Actor, unitID, signerType string) (bool, error)
}

// DelegationSource looks up active LetterApprover rows.
type DelegationSource interface {
	HasActiveDelegation(ctx context.Context, unitID, signerType, userID string) (bool, error)
}

// DelegationProvider grants authority from explicit, active delegation
// records. Inactive records are invisible here and fall through.
type DelegationProvider struct {
	src DelegationSource
}

func (p DelegationProvider) Allows(ctx context.Context, actor Actor, unitID, signerType string) (bool, error) {
	return p.src.HasActiveDelegation(ctx, unitID, signerType, actor.UserID)
}

// PositionProvider grants authority when the actor's union position
// matches the signer type by canonical name ("Ketua" fills "ketua").
type PositionProvider struct{}

func (PositionProvider) Allows(_ context.Context, actor Actor, unitID, signerType string) (bool, error) {
	if actor.UnitID != unitID {
		return false, nil
	}
	return CanonicalSigner(actor.Position) == CanonicalSigner(signerType) && signerType != "", nil
}

// GlobalProvider grants any signer type in any unit to global actors.
// Used administratively, e.g. to unblock a stuck workflow.
type GlobalProvider struct{}

func (GlobalProvider) Allows(_ context.Context, actor Actor, _, _ string) (bool, error) {
	return actor.GlobalAccess, nil
}

// Authorizer walks the provider chain; the first grant wins.
type Authorizer struct {
	providers []Provider
}

func NewAuthorizer(src DelegationSource) *Authorizer {
	return &Authorizer{providers: []Provider{
		DelegationProvider{src: src},
		PositionProvider{},
		GlobalProvider{},
	}}
}

// NewAuthorizerWithProviders builds a chain in the given order; tests use
// this to exercise a single source in isolation.
func NewAuthorizerWithProviders(providers ...Provider) *Authorizer {
	return &Authorizer{providers: providers}
}

func (a *Authorizer) Authorize(ctx context.Context, actor Actor, unitID, signerType string) (bool, error) {
	for _, provider := range a.providers {
		ok, err := provider.Allows(ctx, actor, unitID, signerType)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// CanonicalSigner lowercases and trims a signer type or position name so
// "Ketua " and "ketua" compare equal.
func CanonicalSigner(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ValidSignerType reports whether the label names a known signer role.
func ValidSignerType(signerType string) bool {
	switch CanonicalSigner(signerType) {
	case SignerKetua, SignerSekretaris, SignerBendahara:
		return true
	default:
		return false
	}
}
