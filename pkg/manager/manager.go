// Package manager coordinates metadata and blob storage for buckets,
// directories and objects, and decides who may touch them.
package manager

import (
	"context"
	"errors"
	"strconv"

	"harbor/pkg/apperr"
	"harbor/pkg/blob"
	"harbor/pkg/keylock"
	"harbor/pkg/log"
	"harbor/pkg/metadata"
	"harbor/pkg/models"
	"harbor/pkg/paths"
)

const (
	DefaultListLimit = 200
	MaxListLimit     = 1000
)

// Access is the kind of operation a caller wants to perform.
type Access int

const (
	// AccessRead covers listing and downloading.
	AccessRead Access = iota
	// AccessUpload covers creating or overwriting objects.
	AccessUpload
	// AccessOwner covers everything else.
	AccessOwner
)

// Options tune listing limits.
type Options struct {
	DefaultListLimit int
	MaxListLimit     int
}

// Manager is the entry point for bucket, directory and object management.
type Manager struct {
	meta  *metadata.Store
	blobs blob.Store
	locks *keylock.Locker
	opts  Options
}

// New creates a Manager.
func New(meta *metadata.Store, blobs blob.Store, locks *keylock.Locker, opts Options) *Manager {
	if opts.DefaultListLimit <= 0 {
		opts.DefaultListLimit = DefaultListLimit
	}
	if opts.MaxListLimit <= 0 {
		opts.MaxListLimit = MaxListLimit
	}
	if opts.DefaultListLimit > opts.MaxListLimit {
		opts.DefaultListLimit = opts.MaxListLimit
	}
	if locks == nil {
		locks = keylock.New()
	}
	return &Manager{meta: meta, blobs: blobs, locks: locks, opts: opts}
}

// Meta exposes the metadata store to the engines built on the manager.
func (m *Manager) Meta() *metadata.Store {
	return m.meta
}

// Blobs exposes the content store.
func (m *Manager) Blobs() blob.Store {
	return m.blobs
}

// LockObject serializes mutations of one object inside this process.
func (m *Manager) LockObject(id int64) func() {
	return m.locks.Lock("object:" + strconv.FormatInt(id, 10))
}

// Authorize checks whether caller may perform access on bucket. An empty
// caller is anonymous.
func (m *Manager) Authorize(bucket *models.Bucket, caller string, access Access) error {
	if caller != "" && caller == bucket.OwnerID {
		return nil
	}
	switch access {
	case AccessRead:
		if bucket.AccessPermission.IsPublic() {
			return nil
		}
	case AccessUpload:
		if bucket.AccessPermission == models.PermissionPublicReadWrite {
			return nil
		}
	}
	if caller == "" {
		return apperr.Wrap(apperr.ErrUnauthorized, "bucket %q", bucket.Name)
	}
	return apperr.Wrap(apperr.ErrNotOwner, "bucket %q", bucket.Name)
}

// Bucket loads a bucket by name and checks access.
func (m *Manager) Bucket(ctx context.Context, caller, name string, access Access) (*models.Bucket, error) {
	bucket, err := m.meta.GetBucket(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := m.Authorize(bucket, caller, access); err != nil {
		return nil, err
	}
	return bucket, nil
}

// BucketByRef accepts a numeric id or a bucket name.
func (m *Manager) BucketByRef(ctx context.Context, caller, ref string, access Access) (*models.Bucket, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		bucket, err := m.meta.GetBucketByID(ctx, id)
		if err == nil {
			if err := m.Authorize(bucket, caller, access); err != nil {
				return nil, err
			}
			return bucket, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
	}
	return m.Bucket(ctx, caller, ref, access)
}

// CreateBucket creates a private bucket owned by owner.
func (m *Manager) CreateBucket(ctx context.Context, owner, name, remarks string) (*models.Bucket, error) {
	if owner == "" {
		return nil, apperr.ErrUnauthorized
	}
	bucket, err := m.meta.CreateBucket(ctx, name, owner, remarks)
	if err != nil {
		return nil, err
	}
	log.Info().Str("bucket", bucket.Name).Str("owner", owner).Msg("Bucket created")
	return bucket, nil
}

// ListBuckets lists the caller's buckets.
func (m *Manager) ListBuckets(ctx context.Context, owner string) ([]models.Bucket, error) {
	if owner == "" {
		return nil, apperr.ErrUnauthorized
	}
	return m.meta.ListBuckets(ctx, owner)
}

// DeleteBuckets deletes each id independently and reports one result per id.
func (m *Manager) DeleteBuckets(ctx context.Context, owner string, ids []int64) []models.BucketDeleteResult {
	results := make([]models.BucketDeleteResult, 0, len(ids))
	for _, id := range ids {
		result := models.BucketDeleteResult{ID: id}
		bucket, err := m.meta.GetBucketByID(ctx, id)
		if err == nil {
			result.Name = bucket.Name
			err = m.Authorize(bucket, owner, AccessOwner)
		}
		if err == nil {
			result.StorageKeys, err = m.meta.DeleteBucket(ctx, id)
		}
		if err == nil {
			m.Discard(ctx, result.StorageKeys)
			log.Info().Str("bucket", bucket.Name).Int("blobs", len(result.StorageKeys)).Msg("Bucket deleted")
		}
		result.Err = err
		results = append(results, result)
	}
	return results
}

// SetBucketPermission changes the bucket-wide access permission.
func (m *Manager) SetBucketPermission(ctx context.Context, owner, ref string, perm models.Permission) (*models.Bucket, error) {
	bucket, err := m.BucketByRef(ctx, owner, ref, AccessOwner)
	if err != nil {
		return nil, err
	}
	if err := m.meta.SetBucketPermission(ctx, bucket.ID, perm); err != nil {
		return nil, err
	}
	bucket.AccessPermission = perm
	return bucket, nil
}

// SetBucketRemarks updates the bucket remarks.
func (m *Manager) SetBucketRemarks(ctx context.Context, owner, ref, remarks string) (*models.Bucket, error) {
	bucket, err := m.BucketByRef(ctx, owner, ref, AccessOwner)
	if err != nil {
		return nil, err
	}
	if err := m.meta.SetBucketRemarks(ctx, bucket.ID, remarks); err != nil {
		return nil, err
	}
	bucket.Remarks = remarks
	return bucket, nil
}

// Mkdir creates key.Name inside key.Dir. The parent must exist.
func (m *Manager) Mkdir(ctx context.Context, caller string, key paths.Key) (*models.Entry, error) {
	if err := paths.ValidateName(key.Name); err != nil {
		return nil, err
	}
	bucket, err := m.Bucket(ctx, caller, key.Bucket, AccessOwner)
	if err != nil {
		return nil, err
	}
	return m.meta.CreateDir(ctx, bucket.ID, key.Dir, key.Name)
}

// ListDir returns a page of dir. A zero limit means the default page size;
// limits above the maximum are clamped.
func (m *Manager) ListDir(ctx context.Context, caller, bucketName, dir string, offset, limit int) (*models.DirListing, error) {
	bucket, err := m.Bucket(ctx, caller, bucketName, AccessRead)
	if err != nil {
		return nil, err
	}
	return m.ListBucketDir(ctx, bucket, dir, offset, limit)
}

// ListBucketDir lists a directory of an already authorized bucket.
func (m *Manager) ListBucketDir(ctx context.Context, bucket *models.Bucket, dir string, offset, limit int) (*models.DirListing, error) {
	if offset < 0 {
		return nil, apperr.Wrap(apperr.ErrInvalidArgument, "offset must not be negative")
	}
	switch {
	case limit <= 0:
		limit = m.opts.DefaultListLimit
	case limit > m.opts.MaxListLimit:
		limit = m.opts.MaxListLimit
	}

	if dir != "" {
		if _, err := m.meta.GetDir(ctx, bucket.ID, dir); err != nil {
			return nil, err
		}
	}

	entries, total, err := m.meta.ListDir(ctx, bucket.ID, dir, offset, limit)
	if err != nil {
		return nil, err
	}

	listing := &models.DirListing{
		Bucket:  bucket.Name,
		Dir:     dir,
		Entries: entries,
		Count:   total,
		Offset:  offset,
		Limit:   limit,
	}
	if offset > 0 {
		prev := max(offset-limit, 0)
		listing.PreviousOffset = &prev
	}
	if next := offset + limit; int64(next) < total {
		listing.NextOffset = &next
	}
	return listing, nil
}

// DeleteDir removes a directory and everything below it.
func (m *Manager) DeleteDir(ctx context.Context, caller string, key paths.Key) error {
	bucket, err := m.Bucket(ctx, caller, key.Bucket, AccessOwner)
	if err != nil {
		return err
	}
	if _, err := m.meta.GetDir(ctx, bucket.ID, key.Path()); err != nil {
		return err
	}
	keys, err := m.meta.DeleteTree(ctx, bucket.ID, key.Path())
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return apperr.Wrap(apperr.ErrNoSuchDirectory, "%q", key.Path())
		}
		return err
	}
	m.Discard(ctx, keys)
	log.Info().Str("bucket", bucket.Name).Str("dir", key.Path()).Int("blobs", len(keys)).Msg("Directory deleted")
	return nil
}

// Entry returns metadata of a directory or object.
func (m *Manager) Entry(ctx context.Context, caller string, key paths.Key) (*models.Bucket, *models.Entry, error) {
	bucket, err := m.Bucket(ctx, caller, key.Bucket, AccessRead)
	if err != nil {
		return nil, nil, err
	}
	entry, err := m.meta.GetEntry(ctx, bucket.ID, key.Path())
	if err != nil {
		return nil, nil, err
	}
	return bucket, entry, nil
}

// Object returns an object and its bucket after checking access.
func (m *Manager) Object(ctx context.Context, caller string, key paths.Key, access Access) (*models.Bucket, *models.Entry, error) {
	bucket, err := m.Bucket(ctx, caller, key.Bucket, access)
	if err != nil {
		return nil, nil, err
	}
	obj, err := m.meta.GetObject(ctx, bucket.ID, key.Path())
	if err != nil {
		return nil, nil, err
	}
	return bucket, obj, nil
}

// DeleteObject removes an object, complete or not, together with its content.
func (m *Manager) DeleteObject(ctx context.Context, caller string, key paths.Key) error {
	_, obj, err := m.Object(ctx, caller, key, AccessOwner)
	if err != nil {
		return err
	}

	unlock := m.LockObject(obj.ID)
	defer unlock()

	keys, err := m.meta.DeleteEntryByID(ctx, obj.ID)
	if err != nil {
		return err
	}
	m.Discard(ctx, keys)
	return nil
}

// Move renames and/or relocates an object. A nil target keeps the current
// value; moveTo "" or "/" is the bucket root.
func (m *Manager) Move(ctx context.Context, caller string, key paths.Key, rename, moveTo *string) (*models.Entry, error) {
	if rename == nil && moveTo == nil {
		return nil, apperr.Wrap(apperr.ErrInvalidArgument, "rename or move_to is required")
	}
	_, obj, err := m.Object(ctx, caller, key, AccessOwner)
	if err != nil {
		return nil, err
	}

	name, dir := obj.Name, obj.DirPath
	if rename != nil {
		if err := paths.ValidateName(*rename); err != nil {
			return nil, err
		}
		name = *rename
	}
	if moveTo != nil {
		if dir, err = paths.Normalize(*moveTo); err != nil {
			return nil, err
		}
	}
	if name == obj.Name && dir == obj.DirPath {
		return obj, nil
	}

	unlock := m.LockObject(obj.ID)
	defer unlock()
	return m.meta.MoveObject(ctx, obj.ID, dir, name)
}

// Discard deletes blobs that no longer back any entry. Failures only leave
// orphaned content behind and are logged.
func (m *Manager) Discard(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	if err := blob.DeleteAll(context.WithoutCancel(ctx), m.blobs, keys); err != nil {
		log.Warn().Err(err).Int("blobs", len(keys)).Msg("Failed to delete blobs")
	}
}
