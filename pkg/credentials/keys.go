package credentials

import (
	"context"
	"strings"

	"harbor/pkg/apperr"
	"harbor/pkg/models"

	"github.com/google/uuid"
)

// CreateAccessKey issues an active key pair for the user.
func (s *Service) CreateAccessKey(ctx context.Context, userID string) (*models.AccessKey, error) {
	secret, err := randomHex(tokenBytes)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	key := &models.AccessKey{
		AccessKey: strings.ReplaceAll(uuid.NewString(), "-", ""),
		SecretKey: secret,
		UserID:    userID,
		Active:    true,
		CreatedAt: s.meta.Now(),
	}
	if err := s.meta.InsertAccessKey(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ListAccessKeys returns the user's key pairs.
func (s *Service) ListAccessKeys(ctx context.Context, userID string) ([]models.AccessKey, error) {
	return s.meta.ListAccessKeys(ctx, userID)
}

// SetAccessKeyActive enables or disables one of the user's keys.
func (s *Service) SetAccessKeyActive(ctx context.Context, userID, accessKey string, active bool) (*models.AccessKey, error) {
	key, err := s.ownedKey(ctx, userID, accessKey)
	if err != nil {
		return nil, err
	}
	if err := s.meta.SetAccessKeyActive(ctx, accessKey, active); err != nil {
		return nil, err
	}
	key.Active = active
	return key, nil
}

// DeleteAccessKey removes one of the user's keys.
func (s *Service) DeleteAccessKey(ctx context.Context, userID, accessKey string) error {
	if _, err := s.ownedKey(ctx, userID, accessKey); err != nil {
		return err
	}
	return s.meta.DeleteAccessKey(ctx, accessKey)
}

func (s *Service) ownedKey(ctx context.Context, userID, accessKey string) (*models.AccessKey, error) {
	key, err := s.meta.GetAccessKey(ctx, accessKey)
	if err != nil {
		return nil, err
	}
	if key.UserID != userID {
		return nil, apperr.Wrap(apperr.ErrForbidden, "access key belongs to another user")
	}
	return key, nil
}
