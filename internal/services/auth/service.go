package auth

import (
	"context"
	"fmt"
	"strings"
)

type Service struct {
	jwt *JWTManager
}

func NewService(jwt *JWTManager) *Service {
	return &Service{jwt: jwt}
}

func (s *Service) ValidateAccessToken(_ context.Context, accessToken string) (AccessClaims, error) {
	if s == nil || s.jwt == nil {
		return AccessClaims{}, fmt.Errorf("jwt manager is nil")
	}
	if strings.TrimSpace(accessToken) == "" {
		return AccessClaims{}, ErrUnauthorized
	}

	return s.jwt.ParseAccessToken(accessToken)
}
