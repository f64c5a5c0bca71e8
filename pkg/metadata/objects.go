package metadata

import (
	"context"
	"database/sql"
	"errors"

	"harbor/pkg/apperr"
	"harbor/pkg/models"
)

// StagePending records an overwrite that takes effect with its first chunk.
// A previously staged overwrite is replaced; its blob key is returned.
func (s *Store) StagePending(ctx context.Context, id int64, pending models.Pending) (string, error) {
	var previous string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var key sql.NullString
		err := s.queryRow(ctx, tx, `SELECT pending_key FROM entries WHERE id = ?`, id).Scan(&key)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.Wrap(apperr.ErrNoSuchKey, "entry %d", id)
		}
		if err != nil {
			return apperr.Internal(err)
		}
		previous = key.String

		_, err = s.exec(ctx, tx,
			`UPDATE entries SET pending_key = ?, pending_size = ?, pending_checksum = ?, pending_at = ? WHERE id = ?`,
			pending.StorageKey, pending.DeclaredSize, pending.Checksum, s.Now(), id)
		return apperr.Internal(err)
	})
	if err != nil {
		return "", err
	}
	return previous, nil
}

// ClearPending drops a staged overwrite and returns its blob key.
func (s *Store) ClearPending(ctx context.Context, id int64) (string, error) {
	var key sql.NullString
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := s.queryRow(ctx, tx, `SELECT pending_key FROM entries WHERE id = ?`, id).Scan(&key)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.Wrap(apperr.ErrNoSuchKey, "entry %d", id)
		}
		if err != nil {
			return apperr.Internal(err)
		}
		_, err = s.exec(ctx, tx,
			`UPDATE entries SET pending_key = NULL, pending_size = NULL, pending_checksum = NULL, pending_at = NULL WHERE id = ?`, id)
		return apperr.Internal(err)
	})
	if err != nil {
		return "", err
	}
	return key.String, nil
}

// ActivatePending swaps a staged overwrite into place once its first chunk of
// size bytes is stored. Identity and creation time survive; size, checksum,
// counters and state start over. The replaced blob key is returned.
func (s *Store) ActivatePending(ctx context.Context, id int64, size int64) (string, error) {
	var oldKey string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var pendingKey sql.NullString
		err := s.queryRow(ctx, tx, `SELECT storage_key, pending_key FROM entries WHERE id = ?`, id).
			Scan(&oldKey, &pendingKey)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.Wrap(apperr.ErrNoSuchKey, "entry %d", id)
		}
		if err != nil {
			return apperr.Internal(err)
		}
		if !pendingKey.Valid || pendingKey.String == "" {
			return apperr.Wrap(apperr.ErrOffsetMismatch, "no overwrite staged")
		}

		_, err = s.exec(ctx, tx,
			`UPDATE entries SET storage_key = pending_key, declared_size = pending_size,
			 expected_checksum = pending_checksum, checksum = '', size = ?, upload_state = ?,
			 download_count = 0, modified_at = ?,
			 pending_key = NULL, pending_size = NULL, pending_checksum = NULL, pending_at = NULL
			 WHERE id = ?`,
			size, int64(models.UploadInProgress), s.Now(), id)
		return apperr.Internal(err)
	})
	if err != nil {
		return "", err
	}
	return oldKey, nil
}

// AppendChunk advances the stored size from offset by n bytes. The update
// only applies while the stored size still equals offset, so two writers
// racing for the same offset cannot both win.
func (s *Store) AppendChunk(ctx context.Context, id, offset, n int64) error {
	result, err := s.exec(ctx, s.db,
		`UPDATE entries SET size = size + ?, upload_state = ?, modified_at = ?
		 WHERE id = ? AND size = ? AND upload_state <> ?`,
		n, int64(models.UploadInProgress), s.Now(), id, offset, int64(models.UploadComplete))
	if err != nil {
		return apperr.Internal(err)
	}
	ok, err := affectedOne(result)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Wrap(apperr.ErrOffsetMismatch, "offset %d", offset)
	}
	return nil
}

// CompleteObject marks an object complete with its content checksum.
func (s *Store) CompleteObject(ctx context.Context, id int64, checksum string) error {
	_, err := s.exec(ctx, s.db,
		`UPDATE entries SET upload_state = ?, checksum = ?, modified_at = ? WHERE id = ?`,
		int64(models.UploadComplete), checksum, s.Now(), id)
	return apperr.Internal(err)
}

// ResetObject discards the accepted bytes of an unfinished object.
func (s *Store) ResetObject(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, s.db,
		`UPDATE entries SET size = 0, checksum = '', upload_state = ?, modified_at = ? WHERE id = ?`,
		int64(models.UploadCreated), s.Now(), id)
	return apperr.Internal(err)
}

// DeleteEntryByID removes a single entry and returns its blob keys.
func (s *Store) DeleteEntryByID(ctx context.Context, id int64) ([]string, error) {
	var keys []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		keys, err = s.storageKeys(ctx, tx, `WHERE id = ?`, id)
		if err != nil {
			return err
		}
		result, err := s.exec(ctx, tx, `DELETE FROM entries WHERE id = ?`, id)
		if err != nil {
			return apperr.Internal(err)
		}
		ok, err := affectedOne(result)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Wrap(apperr.ErrNoSuchKey, "entry %d", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}
