// Package share exposes directories and objects to anonymous readers through
// share links, optionally guarded by an expiry and a password.
package share

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"time"

	"harbor/pkg/apperr"
	"harbor/pkg/log"
	"harbor/pkg/manager"
	"harbor/pkg/models"
	"harbor/pkg/paths"

	"golang.org/x/crypto/bcrypt"
)

const (
	// PasswordLength is the length of generated share passwords.
	PasswordLength = 6

	passwordAlphabet = "abcdefghijkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	day              = 24 * time.Hour
)

// Request asks to share or unshare an entry. Days of 0 means no expiry; a
// negative value revokes like Share=false.
type Request struct {
	Share    bool
	Days     int
	Password bool
}

// Result is the outcome of a share change. Password is only set right after
// it was generated.
type Result struct {
	Entry    *models.Entry `json:"-"`
	Shared   bool          `json:"share"`
	URI      string        `json:"share_uri,omitempty"`
	Expiry   *time.Time    `json:"expiry,omitempty"`
	Password string        `json:"password,omitempty"`
}

// Info describes the current share state of an entry for its owner.
type Info struct {
	IsObject    bool       `json:"is_obj"`
	Shared      bool       `json:"share"`
	Active      bool       `json:"active"`
	URI         string     `json:"share_uri,omitempty"`
	Expiry      *time.Time `json:"expiry,omitempty"`
	HasPassword bool       `json:"has_password"`
}

// Resolution is what a share link grants access to.
type Resolution struct {
	Bucket *models.Bucket
	// Target is the linked entry; nil for the bucket root.
	Target *models.Entry
	// Governing is the entry whose share state granted access; nil when the
	// bucket permission did.
	Governing *models.Entry
}

// Service manages share settings and resolves share links.
type Service struct {
	manager *manager.Manager
	baseURL string
}

// New creates a Service. baseURL prefixes generated share URIs.
func New(m *manager.Manager, baseURL string) *Service {
	return &Service{manager: m, baseURL: strings.TrimSuffix(baseURL, "/")}
}

// URI builds the share link of an entry.
func (s *Service) URI(bucket string, entry *models.Entry) string {
	segments := []string{url.PathEscape(bucket)}
	if entry.Path != "" {
		for _, segment := range strings.Split(entry.Path, paths.Separator) {
			segments = append(segments, url.PathEscape(segment))
		}
	}
	return s.baseURL + "/share/" + strings.Join(segments, "/") + "?c=" + strconv.FormatInt(entry.Share.Code, 10)
}

// Set changes the share state of the directory or object at key.
func (s *Service) Set(ctx context.Context, caller string, key paths.Key, req Request) (*Result, error) {
	bucket, entry, err := s.owned(ctx, caller, key)
	if err != nil {
		return nil, err
	}
	meta := s.manager.Meta()

	if !req.Share || req.Days < 0 {
		if err := meta.SetShare(ctx, entry.ID, models.PermissionPrivate, models.Share{}); err != nil {
			return nil, err
		}
		entry.AccessPermission, entry.Share = models.PermissionPrivate, models.Share{}
		log.Info().Str("bucket", bucket.Name).Str("path", entry.Path).Msg("Share revoked")
		return &Result{Entry: entry}, nil
	}

	// An expired code is never revived: its old links stay dead.
	var share models.Share
	if entry.Share.Active(meta.Now()) {
		share.Code = entry.Share.Code
	} else {
		if share.Code, err = newCode(); err != nil {
			return nil, apperr.Internal(err)
		}
	}
	if req.Days > 0 {
		expiry := meta.Now().Add(time.Duration(req.Days) * day)
		share.Expiry = &expiry
	}

	var password string
	if req.Password {
		if password, err = newPassword(); err != nil {
			return nil, apperr.Internal(err)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		share.PasswordHash = string(hash)
	}

	if err := meta.SetShare(ctx, entry.ID, models.PermissionPublicRead, share); err != nil {
		return nil, err
	}
	entry.AccessPermission, entry.Share = models.PermissionPublicRead, share
	log.Info().Str("bucket", bucket.Name).Str("path", entry.Path).Int("days", req.Days).
		Bool("password", req.Password).Msg("Share updated")

	return &Result{
		Entry:    entry,
		Shared:   true,
		URI:      s.URI(bucket.Name, entry),
		Expiry:   share.Expiry,
		Password: password,
	}, nil
}

// Info reports the share state of the entry at key to its owner.
func (s *Service) Info(ctx context.Context, caller string, key paths.Key) (*Info, error) {
	bucket, entry, err := s.owned(ctx, caller, key)
	if err != nil {
		return nil, err
	}
	info := &Info{
		IsObject:    !entry.IsDir,
		Shared:      entry.Share.Code != 0,
		Active:      entry.Share.Active(s.manager.Meta().Now()),
		Expiry:      entry.Share.Expiry,
		HasPassword: entry.Share.HasPassword(),
	}
	if info.Shared {
		info.URI = s.URI(bucket.Name, entry)
	}
	return info, nil
}

func (s *Service) owned(ctx context.Context, caller string, key paths.Key) (*models.Bucket, *models.Entry, error) {
	if key.Name == "" {
		return nil, nil, apperr.Wrap(apperr.ErrInvalidArgument, "a directory or object path is required")
	}
	bucket, err := s.manager.Bucket(ctx, caller, key.Bucket, manager.AccessOwner)
	if err != nil {
		return nil, nil, err
	}
	entry, err := s.manager.Meta().GetEntry(ctx, bucket.ID, key.Path())
	if err != nil {
		return nil, nil, err
	}
	return bucket, entry, nil
}

// Resolve checks an anonymous share link. The nearest of the entry and its
// ancestors that carries a share code governs access when a code is
// presented. A request without a code is let in by a public bucket alone.
func (s *Service) Resolve(ctx context.Context, bucketName, path, code, password string) (*Resolution, error) {
	meta := s.manager.Meta()
	bucket, err := meta.GetBucket(ctx, bucketName)
	if err != nil {
		return nil, err
	}
	resolution := &Resolution{Bucket: bucket}
	public := code == "" && bucket.AccessPermission.IsPublic()

	chain := make([]*models.Entry, 0, 4)
	if path != "" {
		target, err := meta.GetEntry(ctx, bucket.ID, path)
		if err != nil {
			return nil, err
		}
		resolution.Target = target
		chain = append(chain, target)
		for _, dir := range paths.Ancestors(path) {
			ancestor, err := meta.GetDir(ctx, bucket.ID, dir)
			if err != nil {
				return nil, err
			}
			chain = append(chain, ancestor)
		}
	}

	if public {
		return resolution, nil
	}

	for _, entry := range chain {
		if entry.Share.Code == 0 {
			continue
		}
		if err := s.check(entry, code, password); err != nil {
			return nil, err
		}
		resolution.Governing = entry
		return resolution, nil
	}

	if bucket.AccessPermission.IsPublic() {
		return resolution, nil
	}
	return nil, apperr.Wrap(apperr.ErrNotShared, "%q", path)
}

func (s *Service) check(entry *models.Entry, code, password string) error {
	presented, err := strconv.ParseInt(code, 10, 64)
	if err != nil || presented != entry.Share.Code {
		return apperr.Wrap(apperr.ErrNotShared, "%q", entry.Path)
	}
	if entry.Share.Expired(s.manager.Meta().Now()) {
		return apperr.Wrap(apperr.ErrExpired, "%q expired at %s", entry.Path, entry.Share.Expiry.Format(time.RFC3339))
	}
	if entry.Share.HasPassword() {
		if password == "" {
			return apperr.Wrap(apperr.ErrWrongPassword, "password required")
		}
		err := bcrypt.CompareHashAndPassword([]byte(entry.Share.PasswordHash), []byte(password))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return apperr.ErrWrongPassword
		}
		if err != nil {
			return apperr.Internal(err)
		}
	}
	return nil
}

// newCode returns a random positive share code.
func newCode() (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(math.MaxInt64))
	if err != nil {
		return 0, err
	}
	return n.Int64() + 1, nil
}

func newPassword() (string, error) {
	limit := big.NewInt(int64(len(passwordAlphabet)))
	out := make([]byte, PasswordLength)
	for i := range out {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		out[i] = passwordAlphabet[n.Int64()]
	}
	return string(out), nil
}
