package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"harbor/pkg/apperr"
	"harbor/pkg/models"
)

// CreateUser inserts a user. The username must be unused.
func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.Now()
	}
	_, err := s.exec(ctx, s.db,
		`INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		user.ID, user.Username, user.PasswordHash, user.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Wrap(apperr.ErrAlreadyExists, "user %q", user.Username)
		}
		return apperr.Internal(err)
	}
	return nil
}

// GetUserByName looks a user up by username.
func (s *Store) GetUserByName(ctx context.Context, username string) (*models.User, error) {
	return s.getUser(ctx, `SELECT id, username, password_hash, created_at FROM users WHERE username = ?`, username)
}

// GetUser looks a user up by id.
func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.getUser(ctx, `SELECT id, username, password_hash, created_at FROM users WHERE id = ?`, id)
}

func (s *Store) getUser(ctx context.Context, query string, arg string) (*models.User, error) {
	user := &models.User{}
	err := s.queryRow(ctx, s.db, query, arg).
		Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return user, nil
}

// GetToken returns the auth token of a user.
func (s *Store) GetToken(ctx context.Context, userID string) (*models.AuthToken, error) {
	token := &models.AuthToken{UserID: userID}
	err := s.queryRow(ctx, s.db, `SELECT token, created_at FROM auth_tokens WHERE user_id = ?`, userID).
		Scan(&token.Key, &token.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: token", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return token, nil
}

// InsertToken stores a token for a user that has none. A concurrent insert
// for the same user yields ErrAlreadyExists.
func (s *Store) InsertToken(ctx context.Context, token *models.AuthToken) error {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO auth_tokens (user_id, token, created_at) VALUES (?, ?, ?)`,
		token.UserID, token.Key, token.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: token", apperr.ErrAlreadyExists)
		}
		return apperr.Internal(err)
	}
	return nil
}

// ReplaceToken atomically swaps the user's token for a new one.
func (s *Store) ReplaceToken(ctx context.Context, token *models.AuthToken) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM auth_tokens WHERE user_id = ?`, token.UserID); err != nil {
			return apperr.Internal(err)
		}
		_, err := s.exec(ctx, tx,
			`INSERT INTO auth_tokens (user_id, token, created_at) VALUES (?, ?, ?)`,
			token.UserID, token.Key, token.CreatedAt,
		)
		return apperr.Internal(err)
	})
}

// UserIDForToken resolves a token to its owner.
func (s *Store) UserIDForToken(ctx context.Context, key string) (string, error) {
	var userID string
	err := s.queryRow(ctx, s.db, `SELECT user_id FROM auth_tokens WHERE token = ?`, key).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: unknown token", apperr.ErrUnauthorized)
	}
	if err != nil {
		return "", apperr.Internal(err)
	}
	return userID, nil
}

// InsertAccessKey stores a new access key pair.
func (s *Store) InsertAccessKey(ctx context.Context, key *models.AccessKey) error {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO access_keys (access_key, secret_key, user_id, active, created_at) VALUES (?, ?, ?, ?, ?)`,
		key.AccessKey, key.SecretKey, key.UserID, key.Active, key.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: access key", apperr.ErrAlreadyExists)
		}
		return apperr.Internal(err)
	}
	return nil
}

// GetAccessKey returns an access key pair.
func (s *Store) GetAccessKey(ctx context.Context, accessKey string) (*models.AccessKey, error) {
	key := &models.AccessKey{}
	err := s.queryRow(ctx, s.db,
		`SELECT access_key, secret_key, user_id, active, created_at FROM access_keys WHERE access_key = ?`,
		accessKey,
	).Scan(&key.AccessKey, &key.SecretKey, &key.UserID, &key.Active, &key.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: access key", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return key, nil
}

// ListAccessKeys returns the access keys of a user, oldest first.
func (s *Store) ListAccessKeys(ctx context.Context, userID string) ([]models.AccessKey, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT access_key, secret_key, user_id, active, created_at FROM access_keys WHERE user_id = ? ORDER BY created_at, access_key`,
		userID,
	)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer func() { _ = rows.Close() }()

	keys := []models.AccessKey{}
	for rows.Next() {
		var key models.AccessKey
		if err := rows.Scan(&key.AccessKey, &key.SecretKey, &key.UserID, &key.Active, &key.CreatedAt); err != nil {
			return nil, apperr.Internal(err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err)
	}
	return keys, nil
}

// SetAccessKeyActive toggles a key.
func (s *Store) SetAccessKeyActive(ctx context.Context, accessKey string, active bool) error {
	result, err := s.exec(ctx, s.db, `UPDATE access_keys SET active = ? WHERE access_key = ?`, active, accessKey)
	if err != nil {
		return apperr.Internal(err)
	}
	ok, err := affectedOne(result)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: access key", apperr.ErrNotFound)
	}
	return nil
}

// DeleteAccessKey removes a key.
func (s *Store) DeleteAccessKey(ctx context.Context, accessKey string) error {
	result, err := s.exec(ctx, s.db, `DELETE FROM access_keys WHERE access_key = ?`, accessKey)
	if err != nil {
		return apperr.Internal(err)
	}
	ok, err := affectedOne(result)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: access key", apperr.ErrNotFound)
	}
	return nil
}
