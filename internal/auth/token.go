// Package auth turns request credentials into a model.Principal. Two
// credentials are accepted: an HS256 bearer token whose subject is the user,
// and a signed deeplink that binds one position to one user.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/blendguard/safety-vault/internal/model"
)

// Method names recorded on verified principals.
const (
	MethodJWT      = "jwt"
	MethodDeeplink = "deeplink"
)

var (
	ErrMissingCredentials = errors.New("auth: missing credentials")
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrNotConfigured      = errors.New("auth: verifier not configured")
)

// TokenVerifier checks HS256 bearer tokens.
type TokenVerifier struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewTokenVerifier creates a verifier. issuer and audience are only checked
// when non-empty.
func NewTokenVerifier(secret, issuer, audience string) *TokenVerifier {
	return &TokenVerifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}
}

// Issue signs a token for subject valid for ttl. Used by tooling and tests.
func (v *TokenVerifier) Issue(subject string, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", ErrNotConfigured
	}
	now := v.now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses a raw token and returns the principal it names.
func (v *TokenVerifier) Verify(raw string) (model.Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return model.Principal{}, ErrMissingCredentials
	}
	if len(v.secret) == 0 {
		return model.Principal{}, ErrNotConfigured
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return model.Principal{}, ErrTokenExpired
		}
		return model.Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if v.issuer != "" && claims.Issuer != v.issuer {
		return model.Principal{}, fmt.Errorf("%w: issuer mismatch", ErrInvalidToken)
	}
	if v.audience != "" && !slices.Contains(claims.Audience, v.audience) {
		return model.Principal{}, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return model.Principal{}, fmt.Errorf("%w: subject is required", ErrInvalidToken)
	}
	return model.Principal{Subject: claims.Subject, Method: MethodJWT}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
