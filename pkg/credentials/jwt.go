package credentials

import (
	"time"

	"harbor/pkg/apperr"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims issued to users.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
}

// IssueJWT signs a token for userID and returns it with its expiry.
func (s *Service) IssueJWT(userID string) (string, time.Time, error) {
	if len(s.opts.JWTSecret) == 0 {
		return "", time.Time{}, apperr.Wrap(apperr.ErrInternal, "jwt secret is not configured")
	}
	now := s.meta.Now()
	expiry := now.Add(s.opts.JWTTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
		UserID: userID,
	})

	signed, err := token.SignedString(s.opts.JWTSecret)
	if err != nil {
		return "", time.Time{}, apperr.Internal(err)
	}
	return signed, expiry, nil
}

// ParseJWT validates a token and returns its user id.
func (s *Service) ParseJWT(tokenString string) (string, error) {
	if len(s.opts.JWTSecret) == 0 {
		return "", apperr.Wrap(apperr.ErrUnauthorized, "jwt authentication is disabled")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return s.opts.JWTSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.meta.Now),
	)
	if err != nil {
		return "", apperr.Wrap(apperr.ErrUnauthorized, "invalid token: %v", err)
	}
	if !token.Valid || claims.UserID == "" {
		return "", apperr.Wrap(apperr.ErrUnauthorized, "invalid token")
	}
	return claims.UserID, nil
}
