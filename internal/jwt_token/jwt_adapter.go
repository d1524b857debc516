package jwttoken

import (
	"syncbridge/internal/platform/middleware"
)

func ToMiddlewareClaims(claims *Claims) *middleware.WebhookClaims {
	return &middleware.WebhookClaims{
		Platform: claims.Platform,
		Issuer:   claims.Issuer,
		JTI:      claims.ID,
	}
}

type JWTServiceAdapter struct {
	service *JWTService
}

func NewJWTServiceAdapter(service *JWTService) *JWTServiceAdapter {
	return &JWTServiceAdapter{service: service}
}

func (a *JWTServiceAdapter) ValidateToken(tokenString string) (*middleware.WebhookClaims, error) {
	claims, err := a.service.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	return ToMiddlewareClaims(claims), nil
}
