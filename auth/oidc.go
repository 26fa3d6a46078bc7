package auth

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/chatrelay/chatrelay/config"
	"github.com/chatrelay/chatrelay/globals"
	"github.com/chatrelay/chatrelay/persistence"
	"github.com/chatrelay/chatrelay/types"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
)

// OIDCVerifier validates ID tokens against one configured provider. Users are
// provisioned on first sight, keyed by the email claim.
type OIDCVerifier struct {
	cfg       *config.OIDCConfig
	persister persistence.Persister

	mu       sync.Mutex
	provider *oidc.Provider
}

func NewOIDCVerifier(cfg *config.OIDCConfig, persister persistence.Persister) *OIDCVerifier {
	return &OIDCVerifier{cfg: cfg, persister: persister}
}

// discover runs provider discovery once and caches the result.
func (v *OIDCVerifier) discover(ctx context.Context) (*oidc.Provider, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.provider != nil {
		return v.provider, nil
	}
	provider, err := oidc.NewProvider(ctx, v.cfg.ProviderUrl)
	if err != nil {
		return nil, err
	}
	v.provider = provider
	return provider, nil
}

func (v *OIDCVerifier) Verify(ctx context.Context, credential string) (*types.User, error) {
	provider, err := v.discover(ctx)
	if err != nil {
		globals.AppLogger.Error("oidc discovery failed", "provider", v.cfg.Name, "error", err)
		return nil, err
	}
	oConfig := &oidc.Config{ClientID: v.cfg.ClientId}
	if v.cfg.ClientId == "" {
		oConfig.SkipClientIDCheck = true
	}
	idToken, err := provider.Verifier(oConfig).Verify(ctx, credential)
	if err != nil {
		globals.AppLogger.Debug("oidc token rejected", "provider", v.cfg.Name, "error", err)
		return nil, ErrInvalidCredential
	}
	claims := struct {
		Email    string `json:"email"`
		Nickname string `json:"nickname"`
		Name     string `json:"name"`
	}{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, err
	}
	if claims.Email == "" {
		return nil, ErrInvalidCredential
	}
	user, err := v.persister.GetUserByEmail(claims.Email)
	if errors.Is(err, persistence.ErrNotFound) {
		return v.provision(claims.Email, claims.Nickname, claims.Name)
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (v *OIDCVerifier) provision(email, nickname, name string) (*types.User, error) {
	username := nickname
	if username == "" {
		username = strings.SplitN(email, "@", 2)[0]
	}
	displayName := name
	if displayName == "" {
		displayName = username
	}
	user := &types.User{
		Id:          uuid.NewString(),
		Username:    username,
		Email:       email,
		DisplayName: displayName,
	}
	if err := v.persister.StoreUser(*user); err != nil {
		return nil, err
	}
	globals.AppLogger.Info("provisioned oidc user", "provider", v.cfg.Name, "user", user.Id, "email", email)
	return user, nil
}
