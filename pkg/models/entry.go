package models

import (
	"fmt"
	"time"
)

// UploadState tracks an object through its upload.
type UploadState uint8

const (
	UploadCreated UploadState = iota
	UploadInProgress
	UploadComplete
)

var uploadStateNames = map[UploadState]string{
	UploadCreated:    "created",
	UploadInProgress: "in-progress",
	UploadComplete:   "complete",
}

func (s UploadState) String() string {
	if name, ok := uploadStateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s UploadState) MarshalText() ([]byte, error) {
	if _, ok := uploadStateNames[s]; !ok {
		return nil, fmt.Errorf("unknown upload state %d", s)
	}
	return []byte(s.String()), nil
}

// Writable reports whether chunks may still be appended.
func (s UploadState) Writable() bool {
	return s == UploadCreated || s == UploadInProgress
}

// Share describes how an entry is exposed to anonymous readers.
// A zero Code means the entry is not shared.
type Share struct {
	Code         int64      `json:"-"`
	Expiry       *time.Time `json:"expiry,omitempty"`
	PasswordHash string     `json:"-"`
}

// Active reports whether the share grants access at the given instant.
func (s Share) Active(now time.Time) bool {
	return s.Code != 0 && !s.Expired(now)
}

// Expired reports whether a share with a deadline has passed it.
func (s Share) Expired(now time.Time) bool {
	return s.Expiry != nil && !now.Before(*s.Expiry)
}

// HasPassword reports whether readers must present a password.
func (s Share) HasPassword() bool {
	return s.PasswordHash != ""
}

// Entry is a directory or an object inside a bucket.
type Entry struct {
	ID               int64       `json:"id"`
	BucketID         int64       `json:"bucket_id"`
	DirPath          string      `json:"dir"`
	Name             string      `json:"name"`
	Path             string      `json:"path"`
	IsDir            bool        `json:"is_dir"`
	Size             int64       `json:"size"`
	DeclaredSize     int64       `json:"declared_size"`
	Checksum         string      `json:"checksum,omitempty"`
	ExpectedChecksum string      `json:"-"`
	State            UploadState `json:"upload_state"`
	StorageKey       string      `json:"-"`
	CreatedAt        time.Time   `json:"created_at"`
	ModifiedAt       time.Time   `json:"modified_at"`
	DownloadCount    int64       `json:"download_count"`
	AccessPermission Permission  `json:"access_permission"`
	Share            Share       `json:"share"`
	Pending          *Pending    `json:"-"`
}

// Pending is a staged overwrite that has not received its first chunk.
type Pending struct {
	StorageKey   string
	DeclaredSize int64
	Checksum     string
	CreatedAt    time.Time
}

// Remaining is the number of bytes the upload still expects.
func (e *Entry) Remaining() int64 {
	if e.State == UploadComplete {
		return 0
	}
	return e.DeclaredSize - e.Size
}

// DirListing is one page of a directory listing.
type DirListing struct {
	Bucket         string  `json:"bucket"`
	Dir            string  `json:"dir"`
	Entries        []Entry `json:"files"`
	Count          int64   `json:"count"`
	Offset         int     `json:"offset"`
	Limit          int     `json:"limit"`
	PreviousOffset *int    `json:"-"`
	NextOffset     *int    `json:"-"`
}
