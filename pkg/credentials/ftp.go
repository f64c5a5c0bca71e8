package credentials

import (
	"context"
	"crypto/subtle"

	"harbor/pkg/apperr"
	"harbor/pkg/log"
	"harbor/pkg/manager"
	"harbor/pkg/models"
)

// FTPUpdate carries the FTP settings to change; nil fields stay as they are.
type FTPUpdate struct {
	Enable     *bool
	Password   *string
	ROPassword *string
}

// FTPAccess is the grant an FTP login receives.
type FTPAccess int

const (
	FTPReadOnly FTPAccess = iota
	FTPReadWrite
)

func (a FTPAccess) String() string {
	if a == FTPReadWrite {
		return "read-write"
	}
	return "read-only"
}

// SetFTP updates the FTP settings of a bucket owned by owner.
func (s *Service) SetFTP(ctx context.Context, owner, bucketRef string, update FTPUpdate) (*models.FTPConfig, error) {
	for _, password := range []*string{update.Password, update.ROPassword} {
		if password != nil && len(*password) < MinPasswordLength {
			return nil, apperr.Wrap(apperr.ErrPasswordTooShort, "FTP passwords need at least %d characters", MinPasswordLength)
		}
	}
	if update.Enable == nil && update.Password == nil && update.ROPassword == nil {
		return nil, apperr.Wrap(apperr.ErrInvalidArgument, "nothing to update")
	}

	bucket, err := s.manager.BucketByRef(ctx, owner, bucketRef, manager.AccessOwner)
	if err != nil {
		return nil, err
	}
	cfg := bucket.FTP
	if update.Enable != nil {
		cfg.Enabled = *update.Enable
	}
	if update.Password != nil {
		cfg.Password = *update.Password
	}
	if update.ROPassword != nil {
		cfg.ROPassword = *update.ROPassword
	}
	if err := s.meta.SetFTP(ctx, bucket.ID, cfg); err != nil {
		return nil, err
	}
	log.Info().Str("bucket", bucket.Name).Bool("enabled", cfg.Enabled).Msg("FTP settings updated")
	return &cfg, nil
}

// FTPAuthenticate checks an FTP login against a bucket's passwords.
func (s *Service) FTPAuthenticate(ctx context.Context, bucketName, password string) (FTPAccess, error) {
	bucket, err := s.meta.GetBucket(ctx, bucketName)
	if err != nil {
		return FTPReadOnly, err
	}
	if !bucket.FTP.Enabled {
		return FTPReadOnly, apperr.Wrap(apperr.ErrForbidden, "FTP is disabled for %q", bucket.Name)
	}
	switch {
	case matches(bucket.FTP.Password, password):
		return FTPReadWrite, nil
	case matches(bucket.FTP.ROPassword, password):
		return FTPReadOnly, nil
	}
	return FTPReadOnly, apperr.ErrWrongPassword
}

func matches(stored, presented string) bool {
	return stored != "" && subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}
