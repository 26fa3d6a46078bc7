package auth

import (
	"context"
	"errors"

	"github.com/chatrelay/chatrelay/config"
	"github.com/chatrelay/chatrelay/persistence"
	"github.com/chatrelay/chatrelay/types"
)

var (
	// ErrInvalidCredential covers malformed, forged and expired credentials alike,
	// clients get no hint which one it was.
	ErrInvalidCredential = errors.New("invalid or expired credential")
	ErrUnknownProvider   = errors.New("unknown auth provider")
	ErrUnknownUser       = errors.New("credential does not map to a known user")
)

// Verifier resolves a bearer credential to a stored user identity.
type Verifier interface {
	Verify(ctx context.Context, credential string) (*types.User, error)
}

// Authenticator fans out to the configured verifiers: the local HS256 token
// manager for an empty provider name, one OIDC verifier per configured provider.
type Authenticator struct {
	local     *TokenManager
	providers map[string]*OIDCVerifier
}

func NewAuthenticator(cfg *config.Config, persister persistence.Persister) (*Authenticator, error) {
	a := &Authenticator{
		providers: make(map[string]*OIDCVerifier),
	}
	if cfg.AuthConfig.JWTSecret != "" {
		tm, err := NewTokenManager(&cfg.AuthConfig, persister)
		if err != nil {
			return nil, err
		}
		a.local = tm
	}
	for i := range cfg.OIDCConfigs {
		oc := cfg.OIDCConfigs[i]
		a.providers[oc.Name] = NewOIDCVerifier(&oc, persister)
	}
	if a.local == nil && len(a.providers) == 0 {
		return nil, errors.New("no identity verifier configured, set auth.jwt_secret or an [[oidc]] block")
	}
	return a, nil
}

// Verify dispatches on the provider name, "" selects the local token manager.
func (a *Authenticator) Verify(ctx context.Context, credential, provider string) (*types.User, error) {
	if provider == "" {
		if a.local == nil {
			return nil, ErrUnknownProvider
		}
		return a.local.Verify(ctx, credential)
	}
	v, ok := a.providers[provider]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return v.Verify(ctx, credential)
}

// Tokens exposes the local token manager, nil when no jwt_secret is configured.
func (a *Authenticator) Tokens() *TokenManager {
	return a.local
}
