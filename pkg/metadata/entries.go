package metadata

import (
	"context"
	"database/sql"
	"errors"
	"time"
	"unicode/utf8"

	"harbor/pkg/apperr"
	"harbor/pkg/models"
	"harbor/pkg/paths"
)

const entryColumns = `id, bucket_id, parent_path, name, path, is_dir, size, declared_size,
	checksum, expected_checksum, upload_state, storage_key,
	pending_key, pending_size, pending_checksum, pending_at,
	created_at, modified_at, download_count, access_permission,
	share_code, share_expiry, share_password`

func scanEntry(row rowScanner) (*models.Entry, error) {
	var (
		entry           models.Entry
		state, perm     int64
		pendingKey      sql.NullString
		pendingSize     sql.NullInt64
		pendingChecksum sql.NullString
		pendingAt       sql.NullTime
		shareExpiry     sql.NullTime
	)
	err := row.Scan(
		&entry.ID, &entry.BucketID, &entry.DirPath, &entry.Name, &entry.Path, &entry.IsDir,
		&entry.Size, &entry.DeclaredSize, &entry.Checksum, &entry.ExpectedChecksum, &state, &entry.StorageKey,
		&pendingKey, &pendingSize, &pendingChecksum, &pendingAt,
		&entry.CreatedAt, &entry.ModifiedAt, &entry.DownloadCount, &perm,
		&entry.Share.Code, &shareExpiry, &entry.Share.PasswordHash,
	)
	if err != nil {
		return nil, err
	}
	entry.State = models.UploadState(state)
	entry.AccessPermission = models.Permission(perm)
	entry.Share.Expiry = nullTime(shareExpiry)
	if pendingKey.Valid && pendingKey.String != "" {
		entry.Pending = &models.Pending{
			StorageKey:   pendingKey.String,
			DeclaredSize: pendingSize.Int64,
			Checksum:     pendingChecksum.String,
		}
		if pendingAt.Valid {
			entry.Pending.CreatedAt = pendingAt.Time.UTC()
		}
	}
	return &entry, nil
}

// GetEntry returns the directory or object stored at path.
func (s *Store) GetEntry(ctx context.Context, bucketID int64, path string) (*models.Entry, error) {
	return s.getEntry(ctx, s.db, bucketID, path)
}

func (s *Store) getEntry(ctx context.Context, q queryer, bucketID int64, path string) (*models.Entry, error) {
	entry, err := scanEntry(s.queryRow(ctx, q,
		`SELECT `+entryColumns+` FROM entries WHERE bucket_id = ? AND path = ?`, bucketID, path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Wrap(apperr.ErrNotFound, "%q", path)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return entry, nil
}

// GetEntryByID returns an entry by id.
func (s *Store) GetEntryByID(ctx context.Context, id int64) (*models.Entry, error) {
	entry, err := scanEntry(s.queryRow(ctx, s.db, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Wrap(apperr.ErrNotFound, "entry %d", id)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return entry, nil
}

// GetDir returns the directory at path.
func (s *Store) GetDir(ctx context.Context, bucketID int64, path string) (*models.Entry, error) {
	entry, err := s.GetEntry(ctx, bucketID, path)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.Wrap(apperr.ErrNoSuchDirectory, "%q", path)
		}
		return nil, err
	}
	if !entry.IsDir {
		return nil, apperr.Wrap(apperr.ErrNoSuchDirectory, "%q is an object", path)
	}
	return entry, nil
}

// GetObject returns the object at path.
func (s *Store) GetObject(ctx context.Context, bucketID int64, path string) (*models.Entry, error) {
	entry, err := s.GetEntry(ctx, bucketID, path)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.Wrap(apperr.ErrNoSuchKey, "%q", path)
		}
		return nil, err
	}
	if entry.IsDir {
		return nil, apperr.Wrap(apperr.ErrNoSuchKey, "%q is a directory", path)
	}
	return entry, nil
}

// requireDir checks that dir exists as a directory. The root always exists.
func (s *Store) requireDir(ctx context.Context, q queryer, bucketID int64, dir string) error {
	if dir == "" {
		return nil
	}
	entry, err := s.getEntry(ctx, q, bucketID, dir)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return apperr.Wrap(apperr.ErrNoSuchDirectory, "%q", dir)
		}
		return err
	}
	if !entry.IsDir {
		return apperr.Wrap(apperr.ErrNoSuchDirectory, "%q is an object", dir)
	}
	return nil
}

func (s *Store) insertEntry(ctx context.Context, entry *models.Entry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireDir(ctx, tx, entry.BucketID, entry.DirPath); err != nil {
			return err
		}
		err := s.queryRow(ctx, tx,
			`INSERT INTO entries (bucket_id, parent_path, name, path, is_dir, size, declared_size,
			 expected_checksum, upload_state, storage_key, created_at, modified_at, access_permission)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
			entry.BucketID, entry.DirPath, entry.Name, entry.Path, entry.IsDir, entry.Size, entry.DeclaredSize,
			entry.ExpectedChecksum, int64(entry.State), entry.StorageKey, entry.CreatedAt, entry.ModifiedAt,
			int64(entry.AccessPermission),
		).Scan(&entry.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return apperr.Wrap(apperr.ErrAlreadyExists, "%q", entry.Path)
			}
			return apperr.Internal(err)
		}
		return nil
	})
}

// CreateDir creates the directory name inside dir.
func (s *Store) CreateDir(ctx context.Context, bucketID int64, dir, name string) (*models.Entry, error) {
	now := s.Now()
	entry := &models.Entry{
		BucketID:   bucketID,
		DirPath:    dir,
		Name:       name,
		Path:       paths.Join(dir, name),
		IsDir:      true,
		State:      models.UploadComplete,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	if err := s.insertEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// CreateObject inserts a fresh object row in the created state.
func (s *Store) CreateObject(ctx context.Context, entry *models.Entry) error {
	now := s.Now()
	entry.IsDir = false
	entry.Path = paths.Join(entry.DirPath, entry.Name)
	entry.State = models.UploadCreated
	entry.CreatedAt = now
	entry.ModifiedAt = now
	return s.insertEntry(ctx, entry)
}

// ListDir returns one page of dir: directories first, then objects, each
// group ordered by name. The total entry count of dir is returned as well.
func (s *Store) ListDir(ctx context.Context, bucketID int64, dir string, offset, limit int) ([]models.Entry, int64, error) {
	var total int64
	err := s.queryRow(ctx, s.db,
		`SELECT COUNT(*) FROM entries WHERE bucket_id = ? AND parent_path = ?`, bucketID, dir,
	).Scan(&total)
	if err != nil {
		return nil, 0, apperr.Internal(err)
	}

	rows, err := s.query(ctx, s.db,
		`SELECT `+entryColumns+` FROM entries WHERE bucket_id = ? AND parent_path = ?
		 ORDER BY is_dir DESC, name ASC LIMIT ? OFFSET ?`,
		bucketID, dir, limit, offset,
	)
	if err != nil {
		return nil, 0, apperr.Internal(err)
	}
	defer func() { _ = rows.Close() }()

	entries := []models.Entry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, 0, apperr.Internal(err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, apperr.Internal(err)
	}
	return entries, total, nil
}

// DeleteTree removes the entry at path and, for directories, everything
// below it. It returns the blob keys of the removed objects.
func (s *Store) DeleteTree(ctx context.Context, bucketID int64, path string) ([]string, error) {
	prefix := path + paths.Separator
	prefixLen := utf8.RuneCountInString(prefix)

	var keys []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		keys, err = s.storageKeys(ctx, tx,
			`WHERE bucket_id = ? AND (path = ? OR substr(path, 1, ?) = ?)`, bucketID, path, prefixLen, prefix)
		if err != nil {
			return err
		}
		result, err := s.exec(ctx, tx,
			`DELETE FROM entries WHERE bucket_id = ? AND (path = ? OR substr(path, 1, ?) = ?)`,
			bucketID, path, prefixLen, prefix)
		if err != nil {
			return apperr.Internal(err)
		}
		ok, err := affectedOne(result)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Wrap(apperr.ErrNotFound, "%q", path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// MoveObject renames and/or relocates an object. The id, creation time and
// content are kept; the target directory must exist.
func (s *Store) MoveObject(ctx context.Context, id int64, dir, name string) (*models.Entry, error) {
	var moved *models.Entry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanEntry(s.queryRow(ctx, tx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.Wrap(apperr.ErrNoSuchKey, "entry %d", id)
		}
		if err != nil {
			return apperr.Internal(err)
		}
		if err := s.requireDir(ctx, tx, current.BucketID, dir); err != nil {
			return err
		}

		now := s.Now()
		path := paths.Join(dir, name)
		_, err = s.exec(ctx, tx,
			`UPDATE entries SET parent_path = ?, name = ?, path = ?, modified_at = ? WHERE id = ?`,
			dir, name, path, now, id)
		if err != nil {
			if isUniqueViolation(err) {
				return apperr.Wrap(apperr.ErrAlreadyExists, "%q", path)
			}
			return apperr.Internal(err)
		}
		current.DirPath, current.Name, current.Path, current.ModifiedAt = dir, name, path, now
		moved = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return moved, nil
}

// SetShare stores the share state and the derived access permission.
func (s *Store) SetShare(ctx context.Context, id int64, perm models.Permission, share models.Share) error {
	result, err := s.exec(ctx, s.db,
		`UPDATE entries SET access_permission = ?, share_code = ?, share_expiry = ?, share_password = ? WHERE id = ?`,
		int64(perm), share.Code, timeArg(share.Expiry), share.PasswordHash, id)
	if err != nil {
		return apperr.Internal(err)
	}
	ok, err := affectedOne(result)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Wrap(apperr.ErrNotFound, "entry %d", id)
	}
	return nil
}

// IncrementDownloads bumps the download counter of an object.
func (s *Store) IncrementDownloads(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, s.db, `UPDATE entries SET download_count = download_count + 1 WHERE id = ?`, id)
	return apperr.Internal(err)
}

// UnfinishedObjects returns objects that still accept chunks or carry a
// staged overwrite, and were last touched before cutoff.
func (s *Store) UnfinishedObjects(ctx context.Context, cutoff time.Time) ([]models.Entry, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+entryColumns+` FROM entries WHERE is_dir = ? AND (upload_state <> ? OR pending_key IS NOT NULL)`,
		false, int64(models.UploadComplete))
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer func() { _ = rows.Close() }()

	var stale []models.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		touched := entry.ModifiedAt
		if entry.Pending != nil && entry.State == models.UploadComplete {
			touched = entry.Pending.CreatedAt
		}
		if touched.Before(cutoff) {
			stale = append(stale, *entry)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err)
	}
	return stale, nil
}
