// Package auth defines the pluggable auth-provider capability consulted
// by the manager's auth gate, and the built-in providers.
package auth

import (
	"context"
	"os"

	"github.com/marmos91/meshfile/pkg/meshfile"
)

// Identity is the authenticated caller the provider resolved a token to.
type Identity struct {
	// ID uniquely names the caller.
	ID string

	// Permissions are the capabilities granted to the caller.
	Permissions []meshfile.Permission
}

// Has reports whether the identity holds the given permission.
// Admin implies everything.
func (i *Identity) Has(p meshfile.Permission) bool {
	for _, g := range i.Permissions {
		if g == p || g == meshfile.PermAdmin {
			return true
		}
	}
	return false
}

// HasAll reports whether the identity holds every required permission.
func (i *Identity) HasAll(required []meshfile.Permission) bool {
	for _, p := range required {
		if !i.Has(p) {
			return false
		}
	}
	return true
}

// Provider is the capability consulted by the auth gate.
//
// Authorize resolves a token to an identity or fails with a domain error
// of kind KindAuthDenied. Providers must not mutate manager state.
type Provider interface {
	// Authorize validates the token and returns the caller identity.
	Authorize(ctx context.Context, token string) (*Identity, error)

	// Name identifies the provider in logs.
	Name() string
}

// StaticProvider accepts any non-empty token and grants full permissions.
// It is a test-only provider: construction outside TEST_ENV=1 fails.
type StaticProvider struct{}

// NewStaticProvider returns the static provider, or an error when the
// process is not running in a test environment.
func NewStaticProvider() (*StaticProvider, error) {
	if os.Getenv("TEST_ENV") != "1" {
		return nil, meshfile.NewError(meshfile.KindInvalidRequest,
			"static auth provider requires TEST_ENV=1")
	}
	return &StaticProvider{}, nil
}

// Name implements Provider.
func (p *StaticProvider) Name() string { return "static" }

// Authorize implements Provider. Any non-empty token is accepted.
func (p *StaticProvider) Authorize(_ context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, meshfile.NewError(meshfile.KindAuthDenied, "empty auth token")
	}
	return &Identity{
		ID:          token,
		Permissions: []meshfile.Permission{meshfile.PermAdmin},
	}, nil
}
