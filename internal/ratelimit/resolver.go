package ratelimit

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/alanyoungcy/foresight/internal/domain"
)

// Resolver maps a bearer credential to a principal. An empty credential
// resolves to the anonymous principal.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (domain.Principal, error)
}

// Credential returns the bearer token or X-API-Key of r.
func Credential(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// APIKey is one statically configured credential.
type APIKey struct {
	ID    string
	Key   string
	Tiers []domain.Tier
}

// Claims is the JWT payload the resolver accepts.
type Claims struct {
	jwt.RegisteredClaims
	Tier  domain.Tier   `json:"tier"`
	Tiers []domain.Tier `json:"tiers,omitempty"`
}

// CredentialResolver checks static API keys, then HS256 JWTs.
type CredentialResolver struct {
	keys      []APIKey
	jwtSecret []byte
}

// NewResolver creates a CredentialResolver. An empty secret disables JWTs.
func NewResolver(keys []APIKey, jwtSecret string) *CredentialResolver {
	return &CredentialResolver{keys: keys, jwtSecret: []byte(jwtSecret)}
}

func (r *CredentialResolver) Resolve(_ context.Context, credential string) (domain.Principal, error) {
	if credential == "" {
		return domain.Principal{}, nil
	}
	for _, k := range r.keys {
		if subtle.ConstantTimeCompare([]byte(credential), []byte(k.Key)) == 1 {
			return domain.Principal{ID: k.ID, Tiers: k.Tiers}, nil
		}
	}
	if len(r.jwtSecret) > 0 && strings.Count(credential, ".") == 2 {
		return r.parseJWT(credential)
	}
	return domain.Principal{}, fmt.Errorf("ratelimit: unknown credential: %w", domain.ErrUnauthorized)
}

func (r *CredentialResolver) parseJWT(raw string) (domain.Principal, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return r.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return domain.Principal{}, fmt.Errorf("ratelimit: jwt: %v: %w", err, domain.ErrUnauthorized)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return domain.Principal{}, fmt.Errorf("ratelimit: jwt invalid: %w", domain.ErrUnauthorized)
	}
	sub, _ := claims.GetSubject()
	p := domain.Principal{ID: sub, Tiers: claims.Tiers}
	if claims.Tier != "" {
		p.Tiers = append(p.Tiers, claims.Tier)
	}
	for _, t := range p.Tiers {
		if t != domain.TierAnonymous && t != domain.TierTrader && t != domain.TierAdmin {
			return domain.Principal{}, fmt.Errorf("ratelimit: jwt tier %q: %w", t, domain.ErrUnauthorized)
		}
	}
	return p, nil
}

// SignToken issues an HS256 token for subject with tier. Used by operator
// tooling and tests.
func SignToken(secret, subject string, tier domain.Tier, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = subject
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: claims, Tier: tier})
	return t.SignedString([]byte(secret))
}

var _ Resolver = (*CredentialResolver)(nil)
