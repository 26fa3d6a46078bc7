package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chatrelay/chatrelay/config"
	"github.com/chatrelay/chatrelay/persistence"
	"github.com/chatrelay/chatrelay/types"
	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Claims is the token payload. UserId doubles the registered subject so that
// tokens issued by older builds keep working.
type Claims struct {
	UserId string `json:"user_id"`
	jwt.RegisteredClaims
}

type cacheEntry struct {
	userId    string
	expiresAt time.Time
}

// TokenManager issues and verifies HS256 tokens. Verified tokens are cached so
// repeated reconnects with the same token skip the signature check, the cache
// entry carries the token expiry and is ignored once stale.
type TokenManager struct {
	secret    []byte
	lifetime  time.Duration
	issuer    string
	persister persistence.Persister
	cache     *lru.Cache[string, cacheEntry]
}

func NewTokenManager(cfg *config.AuthConfig, persister persistence.Persister) (*TokenManager, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("auth.jwt_secret is not set")
	}
	cache, err := lru.New[string, cacheEntry](cfg.TokenCacheSize)
	if err != nil {
		return nil, err
	}
	return &TokenManager{
		secret:    []byte(cfg.JWTSecret),
		lifetime:  cfg.TokenLifetime,
		issuer:    cfg.Issuer,
		persister: persister,
		cache:     cache,
	}, nil
}

// Issue signs a fresh token for the user.
func (m *TokenManager) Issue(user *types.User) (string, error) {
	now := time.Now()
	claims := Claims{
		UserId: user.Id,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Id,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.lifetime)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify checks the token signature and expiry and loads the user it names.
func (m *TokenManager) Verify(ctx context.Context, credential string) (*types.User, error) {
	userId := ""
	if entry, ok := m.cache.Get(credential); ok && time.Now().Before(entry.expiresAt) {
		userId = entry.userId
	}
	if userId == "" {
		claims := &Claims{}
		token, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return m.secret, nil
		})
		if err != nil || !token.Valid {
			return nil, ErrInvalidCredential
		}
		userId = claims.UserId
		if userId == "" {
			userId = claims.Subject
		}
		if userId == "" {
			return nil, ErrInvalidCredential
		}
		if claims.ExpiresAt != nil {
			m.cache.Add(credential, cacheEntry{userId: userId, expiresAt: claims.ExpiresAt.Time})
		}
	}
	user := &types.User{Id: userId}
	if err := m.persister.GetUser(user); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, ErrUnknownUser
		}
		return nil, err
	}
	return user, nil
}
