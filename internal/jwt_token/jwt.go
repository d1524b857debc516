// Package jwttoken verifies the HS256 bearer tokens a registry attaches to
// webhook calls, and mints them for replays.
package jwttoken

import (
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	dErrors "syncbridge/pkg/domain-errors"
)

// Claims carries the calling platform.
type Claims struct {
	Platform string `json:"platform"`
	jwt.RegisteredClaims
}

// JWTService holds the shared secret and the acceptance rules.
type JWTService struct {
	signingKey []byte
	issuer     string
	leeway     time.Duration
	platforms  []string
	now        func() time.Time
}

type Option func(*JWTService)

// WithLeeway tolerates clock skew between the registry and this host.
func WithLeeway(d time.Duration) Option {
	return func(s *JWTService) {
		if d > 0 {
			s.leeway = d
		}
	}
}

// WithAllowedPlatforms rejects tokens whose platform claim is not listed.
// An empty list accepts any non-empty platform.
func WithAllowedPlatforms(platforms ...string) Option {
	return func(s *JWTService) {
		s.platforms = append(s.platforms, platforms...)
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *JWTService) {
		if now != nil {
			s.now = now
		}
	}
}

func NewJWTService(signingKey string, issuer string, opts ...Option) *JWTService {
	s := &JWTService{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerateWebhookToken mints a token the way a registry does.
func (s *JWTService) GenerateWebhookToken(platform string, expiresIn time.Duration) (string, error) {
	if platform == "" {
		return "", dErrors.New(dErrors.CodeBadRequest, "platform is required")
	}
	issued := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Platform: platform,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(issued.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(issued),
			Issuer:    s.issuer,
			ID:        uuid.NewString(),
		},
	})
	return token.SignedString(s.signingKey)
}

func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(s.leeway))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return s.signingKey, nil
	}, opts...)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, dErrors.New(dErrors.CodeUnauthorized, "token has expired")
	case err != nil:
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}

	if claims.Platform == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "token has no platform")
	}
	if len(s.platforms) > 0 && !slices.Contains(s.platforms, claims.Platform) {
		return nil, dErrors.Newf(dErrors.CodeForbidden, "platform %q is not allowed", claims.Platform)
	}
	return claims, nil
}
