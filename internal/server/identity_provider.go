package server

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/fortresshq/fortress/modules/iam/infrastructure/kratos"
)

var errInvalidCredentials = errors.New("server: invalid credentials")

type authenticatedIdentity struct {
	IdentityID string
	Email      string
	RoleSlug   string
}

type identityProvider interface {
	AuthenticatePassword(ctx context.Context, tenant Tenant, email string, password string) (authenticatedIdentity, error)
}

type kratosIdentityProvider struct {
	client *kratos.Client
}

func newKratosIdentityProviderFromEnv() (identityProvider, error) {
	publicURL := strings.TrimSpace(os.Getenv("KRATOS_PUBLIC_URL"))
	if publicURL == "" {
		publicURL = "http://127.0.0.1:4433"
	}
	c, err := kratos.New(publicURL)
	if err != nil {
		return nil, err
	}
	return &kratosIdentityProvider{client: c}, nil
}

func (p *kratosIdentityProvider) AuthenticatePassword(ctx context.Context, tenant Tenant, email string, password string) (authenticatedIdentity, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	identifier := tenant.ID + ":" + email

	ident, err := p.client.LoginPassword(ctx, identifier, password)
	if err != nil {
		var he *kratos.HTTPError
		if errors.As(err, &he) {
			switch he.StatusCode {
			case 400, 401, 403:
				return authenticatedIdentity{}, errInvalidCredentials
			}
		}
		return authenticatedIdentity{}, err
	}

	if ident.ID == "" {
		return authenticatedIdentity{}, errors.New("server: missing identity id")
	}
	if trait(ident.Traits, "tenant_uuid") != tenant.ID {
		return authenticatedIdentity{}, errors.New("server: identity tenant mismatch")
	}
	if strings.ToLower(trait(ident.Traits, "email")) != email {
		return authenticatedIdentity{}, errors.New("server: identity email mismatch")
	}

	roleSlug := strings.ToLower(trait(ident.Traits, "role_slug"))

	return authenticatedIdentity{
		IdentityID: ident.ID,
		Email:      email,
		RoleSlug:   roleSlug,
	}, nil
}

// trait returns the named string trait, trimmed, or "" when absent or not a
// string. Empty traits never compare equal to a real tenant id or email.
func trait(traits map[string]any, key string) string {
	s, _ := traits[key].(string)
	return strings.TrimSpace(s)
}
