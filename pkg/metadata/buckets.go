package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"harbor/pkg/apperr"
	"harbor/pkg/models"
	"harbor/pkg/paths"
)

const bucketColumns = `id, name, owner_id, created_at, access_permission, remarks,
	ftp_enable, ftp_password, ftp_ro_password, stats_objects, stats_bytes, stats_time`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBucket(row rowScanner) (*models.Bucket, error) {
	var (
		bucket    models.Bucket
		perm      int64
		statsTime sql.NullTime
	)
	err := row.Scan(
		&bucket.ID, &bucket.Name, &bucket.OwnerID, &bucket.CreatedAt, &perm, &bucket.Remarks,
		&bucket.FTP.Enabled, &bucket.FTP.Password, &bucket.FTP.ROPassword,
		&bucket.Stats.ObjectCount, &bucket.Stats.TotalBytes, &statsTime,
	)
	if err != nil {
		return nil, err
	}
	bucket.AccessPermission = models.Permission(perm)
	bucket.Stats.ComputedAt = nullTime(statsTime)
	return &bucket, nil
}

// CreateBucket creates a bucket. Names are unique regardless of case.
func (s *Store) CreateBucket(ctx context.Context, name, ownerID, remarks string) (*models.Bucket, error) {
	if err := paths.ValidateBucketName(name); err != nil {
		return nil, err
	}

	now := s.Now()
	bucket := &models.Bucket{
		Name:      name,
		OwnerID:   ownerID,
		CreatedAt: now,
		Remarks:   remarks,
	}
	err := s.queryRow(ctx, s.db,
		`INSERT INTO buckets (name, name_key, owner_id, created_at, access_permission, remarks)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		name, paths.BucketKey(name), ownerID, now, int64(models.PermissionPrivate), remarks,
	).Scan(&bucket.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Wrap(apperr.ErrNameTaken, "bucket %q", name)
		}
		return nil, apperr.Internal(err)
	}
	return bucket, nil
}

// GetBucket looks a bucket up by name, ignoring case.
func (s *Store) GetBucket(ctx context.Context, name string) (*models.Bucket, error) {
	bucket, err := scanBucket(s.queryRow(ctx, s.db,
		`SELECT `+bucketColumns+` FROM buckets WHERE name_key = ?`, paths.BucketKey(name)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Wrap(apperr.ErrNoSuchBucket, "%q", name)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return bucket, nil
}

// GetBucketByID looks a bucket up by id.
func (s *Store) GetBucketByID(ctx context.Context, id int64) (*models.Bucket, error) {
	bucket, err := scanBucket(s.queryRow(ctx, s.db,
		`SELECT `+bucketColumns+` FROM buckets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Wrap(apperr.ErrNoSuchBucket, "id %d", id)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return bucket, nil
}

// ListBuckets lists the buckets of an owner by name. An empty owner lists
// every bucket.
func (s *Store) ListBuckets(ctx context.Context, ownerID string) ([]models.Bucket, error) {
	query := `SELECT ` + bucketColumns + ` FROM buckets`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY name_key`

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer func() { _ = rows.Close() }()

	buckets := []models.Bucket{}
	for rows.Next() {
		bucket, err := scanBucket(rows)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		buckets = append(buckets, *bucket)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err)
	}
	return buckets, nil
}

// DeleteBucket removes a bucket with all of its entries and returns the
// blob keys that no longer have an owner.
func (s *Store) DeleteBucket(ctx context.Context, id int64) ([]string, error) {
	var keys []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		keys, err = s.storageKeys(ctx, tx, `WHERE bucket_id = ?`, id)
		if err != nil {
			return err
		}
		result, err := s.exec(ctx, tx, `DELETE FROM buckets WHERE id = ?`, id)
		if err != nil {
			return apperr.Internal(err)
		}
		ok, err := affectedOne(result)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Wrap(apperr.ErrNoSuchBucket, "id %d", id)
		}
		// ON DELETE CASCADE covers entries on both dialects; the explicit
		// delete keeps it true for databases opened without foreign keys.
		_, err = s.exec(ctx, tx, `DELETE FROM entries WHERE bucket_id = ?`, id)
		return apperr.Internal(err)
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// SetBucketPermission updates the bucket-wide access permission.
func (s *Store) SetBucketPermission(ctx context.Context, id int64, perm models.Permission) error {
	return s.updateBucket(ctx, id, `UPDATE buckets SET access_permission = ? WHERE id = ?`, int64(perm), id)
}

// SetBucketRemarks updates the free-form remarks.
func (s *Store) SetBucketRemarks(ctx context.Context, id int64, remarks string) error {
	return s.updateBucket(ctx, id, `UPDATE buckets SET remarks = ? WHERE id = ?`, remarks, id)
}

// SetFTP stores the FTP settings of a bucket.
func (s *Store) SetFTP(ctx context.Context, id int64, cfg models.FTPConfig) error {
	return s.updateBucket(ctx, id,
		`UPDATE buckets SET ftp_enable = ?, ftp_password = ?, ftp_ro_password = ? WHERE id = ?`,
		cfg.Enabled, cfg.Password, cfg.ROPassword, id)
}

// SaveStats stores a stats snapshot on the bucket row.
func (s *Store) SaveStats(ctx context.Context, id int64, stats models.Stats) error {
	return s.updateBucket(ctx, id,
		`UPDATE buckets SET stats_objects = ?, stats_bytes = ?, stats_time = ? WHERE id = ?`,
		stats.ObjectCount, stats.TotalBytes, timeArg(stats.ComputedAt), id)
}

// CountObjects counts the complete objects of a bucket and sums their sizes.
func (s *Store) CountObjects(ctx context.Context, id int64) (int64, int64, error) {
	var count, total int64
	err := s.queryRow(ctx, s.db,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM entries WHERE bucket_id = ? AND is_dir = ? AND upload_state = ?`,
		id, false, int64(models.UploadComplete),
	).Scan(&count, &total)
	if err != nil {
		return 0, 0, apperr.Internal(err)
	}
	return count, total, nil
}

func (s *Store) updateBucket(ctx context.Context, id int64, query string, args ...any) error {
	result, err := s.exec(ctx, s.db, query, args...)
	if err != nil {
		return apperr.Internal(err)
	}
	ok, err := affectedOne(result)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Wrap(apperr.ErrNoSuchBucket, "id %d", id)
	}
	return nil
}

// storageKeys collects live and staged blob keys of the matching entries.
func (s *Store) storageKeys(ctx context.Context, q queryer, where string, args ...any) ([]string, error) {
	rows, err := s.query(ctx, q, `SELECT storage_key, pending_key FROM entries `+where, args...)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var (
			key     string
			pending sql.NullString
		)
		if err := rows.Scan(&key, &pending); err != nil {
			return nil, apperr.Internal(err)
		}
		if key != "" {
			keys = append(keys, key)
		}
		if pending.Valid && pending.String != "" {
			keys = append(keys, pending.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrInternal, err)
	}
	return keys, nil
}
