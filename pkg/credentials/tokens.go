package credentials

import (
	"context"
	"errors"

	"harbor/pkg/apperr"
	"harbor/pkg/models"
)

func (s *Service) newToken(userID string) (*models.AuthToken, error) {
	key, err := randomHex(tokenBytes)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return &models.AuthToken{Key: key, UserID: userID, CreatedAt: s.meta.Now()}, nil
}

// Token returns the user's API token, creating it on first use.
func (s *Service) Token(ctx context.Context, userID string) (*models.AuthToken, error) {
	token, err := s.meta.GetToken(ctx, userID)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	token, err = s.newToken(userID)
	if err != nil {
		return nil, err
	}
	err = s.meta.InsertToken(ctx, token)
	if errors.Is(err, apperr.ErrAlreadyExists) {
		return s.meta.GetToken(ctx, userID)
	}
	if err != nil {
		return nil, err
	}
	return token, nil
}

// RefreshToken revokes the user's token and issues a new one.
func (s *Service) RefreshToken(ctx context.Context, userID string) (*models.AuthToken, error) {
	token, err := s.newToken(userID)
	if err != nil {
		return nil, err
	}
	if err := s.meta.ReplaceToken(ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}

// UserForToken resolves an API token to its user id.
func (s *Service) UserForToken(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", apperr.ErrUnauthorized
	}
	return s.meta.UserIDForToken(ctx, key)
}
