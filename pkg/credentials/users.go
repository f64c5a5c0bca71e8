package credentials

import (
	"context"
	"errors"
	"strings"

	"harbor/pkg/apperr"
	"harbor/pkg/log"
	"harbor/pkg/models"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// CreateUser registers a user with a bcrypt-hashed password.
func (s *Service) CreateUser(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, apperr.Wrap(apperr.ErrInvalidName, "username is required")
	}
	if len(password) < MinPasswordLength {
		return nil, apperr.Wrap(apperr.ErrPasswordTooShort, "at least %d characters", MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	user := &models.User{ID: uuid.NewString(), Username: username, PasswordHash: string(hash)}
	if err := s.meta.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	log.Info().Str("user", username).Str("id", user.ID).Msg("User created")
	return user, nil
}

// Authenticate checks a username and password.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	user, err := s.meta.GetUserByName(ctx, username)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.Wrap(apperr.ErrUnauthorized, "invalid username or password")
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, apperr.Wrap(apperr.ErrUnauthorized, "invalid username or password")
	}
	return user, nil
}
