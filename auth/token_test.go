package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/chatrelay/chatrelay/config"
	"github.com/chatrelay/chatrelay/persistence"
	"github.com/chatrelay/chatrelay/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPersister(t *testing.T) persistence.Persister {
	t.Helper()
	cfg := &config.Config{}
	cfg.PersistenceConfig.Type = "buntdb"
	cfg.PersistenceConfig.DSN = filepath.Join(t.TempDir(), "auth-test.db")
	p, err := persistence.NewPersister(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func newTestManager(t *testing.T, p persistence.Persister, lifetime time.Duration) *TokenManager {
	t.Helper()
	tm, err := NewTokenManager(&config.AuthConfig{
		JWTSecret:      "test-secret",
		TokenLifetime:  lifetime,
		TokenCacheSize: 16,
		Issuer:         "chatrelay-test",
	}, p)
	require.NoError(t, err)
	return tm
}

func TestTokenRoundTrip(t *testing.T) {
	p := newTestPersister(t)
	require.NoError(t, p.StoreUser(types.User{Id: "u1", Username: "alice", DisplayName: "Alice"}))
	tm := newTestManager(t, p, time.Hour)

	token, err := tm.Issue(&types.User{Id: "u1"})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	user, err := tm.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u1", user.Id)
	assert.Equal(t, "alice", user.Username)

	// second pass hits the cache
	user, err = tm.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u1", user.Id)
}

func TestTokenExpired(t *testing.T) {
	p := newTestPersister(t)
	require.NoError(t, p.StoreUser(types.User{Id: "u1", Username: "alice"}))
	tm := newTestManager(t, p, -time.Minute)

	token, err := tm.Issue(&types.User{Id: "u1"})
	require.NoError(t, err)

	_, err = tm.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestTokenTampered(t *testing.T) {
	p := newTestPersister(t)
	require.NoError(t, p.StoreUser(types.User{Id: "u1", Username: "alice"}))
	tm := newTestManager(t, p, time.Hour)

	token, err := tm.Issue(&types.User{Id: "u1"})
	require.NoError(t, err)

	_, err = tm.Verify(context.Background(), token+"x")
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = tm.Verify(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestTokenWrongSigningMethod(t *testing.T) {
	p := newTestPersister(t)
	tm := newTestManager(t, p, time.Hour)

	// "none" tokens must never pass, whatever the claims say
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserId: "u1"})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = tm.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestTokenUnknownUser(t *testing.T) {
	p := newTestPersister(t)
	tm := newTestManager(t, p, time.Hour)

	token, err := tm.Issue(&types.User{Id: "ghost"})
	require.NoError(t, err)

	_, err = tm.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestAuthenticatorDispatch(t *testing.T) {
	p := newTestPersister(t)
	require.NoError(t, p.StoreUser(types.User{Id: "u1", Username: "alice"}))

	cfg := &config.Config{}
	cfg.AuthConfig = config.AuthConfig{
		JWTSecret:      "test-secret",
		TokenLifetime:  time.Hour,
		TokenCacheSize: 16,
	}
	a, err := NewAuthenticator(cfg, p)
	require.NoError(t, err)
	require.NotNil(t, a.Tokens())

	token, err := a.Tokens().Issue(&types.User{Id: "u1"})
	require.NoError(t, err)

	user, err := a.Verify(context.Background(), token, "")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.Id)

	_, err = a.Verify(context.Background(), token, "nonexistent")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestAuthenticatorRequiresVerifier(t *testing.T) {
	p := newTestPersister(t)
	_, err := NewAuthenticator(&config.Config{}, p)
	assert.Error(t, err)
}
