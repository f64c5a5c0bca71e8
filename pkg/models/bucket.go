package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Permission is the access level of a bucket, directory or object.
type Permission uint8

const (
	PermissionPrivate Permission = iota
	PermissionPublicRead
	PermissionPublicReadWrite
)

var permissionNames = map[Permission]string{
	PermissionPrivate:         "private",
	PermissionPublicRead:      "public-read",
	PermissionPublicReadWrite: "public-read-write",
}

func (p Permission) String() string {
	if name, ok := permissionNames[p]; ok {
		return name
	}
	return "unknown"
}

// IsPublic reports whether anonymous reads are allowed.
func (p Permission) IsPublic() bool {
	return p == PermissionPublicRead || p == PermissionPublicReadWrite
}

func (p Permission) MarshalText() ([]byte, error) {
	if _, ok := permissionNames[p]; !ok {
		return nil, fmt.Errorf("unknown permission %d", p)
	}
	return []byte(p.String()), nil
}

func (p *Permission) UnmarshalText(text []byte) error {
	parsed, err := ParsePermission(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePermission accepts the permission names as well as their numeric codes.
func ParsePermission(s string) (Permission, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for perm, name := range permissionNames {
		if name == s {
			return perm, nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil {
		if _, ok := permissionNames[Permission(n)]; ok {
			return Permission(n), nil
		}
	}
	return PermissionPrivate, fmt.Errorf("unknown permission %q", s)
}

// Bucket is a named, owner-scoped namespace.
type Bucket struct {
	ID               int64      `json:"id"`
	Name             string     `json:"name"`
	OwnerID          string     `json:"owner_id"`
	CreatedAt        time.Time  `json:"created_at"`
	AccessPermission Permission `json:"access_permission"`
	Remarks          string     `json:"remarks"`
	FTP              FTPConfig  `json:"ftp"`
	Stats            Stats      `json:"stats"`
}

// FTPConfig holds the FTP credentials of a bucket.
type FTPConfig struct {
	Enabled    bool   `json:"enable"`
	Password   string `json:"password"`
	ROPassword string `json:"ro_password"`
}

// Stats is a point-in-time snapshot of a bucket's content.
type Stats struct {
	ObjectCount int64      `json:"count"`
	TotalBytes  int64      `json:"space"`
	ComputedAt  *time.Time `json:"stats_time"`
}

// BucketDeleteResult is the per-id outcome of a bulk bucket delete.
type BucketDeleteResult struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name,omitempty"`
	Err         error    `json:"-"`
	StorageKeys []string `json:"-"`
}
