package models

import "time"

// User owns buckets and credentials.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuthToken is the single long-lived API token of a user.
type AuthToken struct {
	Key       string    `json:"key"`
	UserID    string    `json:"-"`
	CreatedAt time.Time `json:"created"`
}

// AccessKey is a user-scoped key pair used to sign requests.
type AccessKey struct {
	AccessKey string    `json:"access_key"`
	SecretKey string    `json:"secret_key"`
	UserID    string    `json:"user"`
	Active    bool      `json:"state"`
	CreatedAt time.Time `json:"create_time"`
}
