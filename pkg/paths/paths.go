// Package paths turns raw request paths into canonical bucket keys.
package paths

import (
	"net/url"
	"regexp"
	"strings"

	"harbor/pkg/apperr"
)

const (
	bucketNameMinLength = 3
	bucketNameMaxLength = 63

	// MaxSegmentLength is the longest directory or object name accepted.
	MaxSegmentLength = 255

	Separator = "/"
)

// bucketNamePattern is a DNS label: letters, digits and inner hyphens.
var bucketNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]*[a-zA-Z0-9]$`)

// Key identifies an entry inside a bucket. Dir is empty for the bucket root.
type Key struct {
	Bucket string
	Dir    string
	Name   string
}

// Path returns the full in-bucket path of the key.
func (k Key) Path() string {
	return Join(k.Dir, k.Name)
}

// Crumb is one step of a breadcrumb trail.
type Crumb struct {
	Label string `json:"label"`
	Path  string `json:"path"`
}

// ValidateBucketName checks the bucket naming rules. Case is preserved;
// uniqueness is checked case-insensitively by the metadata store.
func ValidateBucketName(name string) error {
	if len(name) < bucketNameMinLength || len(name) > bucketNameMaxLength {
		return apperr.Wrap(apperr.ErrInvalidName, "bucket name must be %d-%d characters", bucketNameMinLength, bucketNameMaxLength)
	}
	if !bucketNamePattern.MatchString(name) {
		return apperr.Wrap(apperr.ErrInvalidName, "bucket name %q may only contain letters, digits and inner hyphens", name)
	}
	return nil
}

// BucketKey is the case-folded form used for uniqueness.
func BucketKey(name string) string {
	return strings.ToLower(name)
}

// Clean strips leading and trailing separators.
func Clean(p string) string {
	return strings.Trim(p, Separator)
}

// Normalize decodes and validates a directory or object path. The raw path
// is split on literal separators before each segment is decoded, so an
// escaped "%2F" stays inside its segment and is rejected. The empty string
// stands for the bucket root.
func Normalize(raw string) (string, error) {
	raw = Clean(raw)
	if raw == "" {
		return "", nil
	}
	segments := strings.Split(raw, Separator)
	for i, segment := range segments {
		decoded, err := url.PathUnescape(segment)
		if err != nil {
			return "", apperr.Wrap(apperr.ErrInvalidName, "malformed escape in %q", segment)
		}
		if err := ValidateName(decoded); err != nil {
			return "", err
		}
		segments[i] = decoded
	}
	return strings.Join(segments, Separator), nil
}

// ValidateName checks a single directory or object name.
func ValidateName(name string) error {
	switch {
	case name == "":
		return apperr.Wrap(apperr.ErrInvalidName, "empty path segment")
	case name == "." || name == "..":
		return apperr.Wrap(apperr.ErrInvalidName, "relative segment %q", name)
	case strings.Contains(name, Separator):
		return apperr.Wrap(apperr.ErrInvalidName, "name %q contains %q", name, Separator)
	case len(name) > MaxSegmentLength:
		return apperr.Wrap(apperr.ErrInvalidName, "name longer than %d bytes", MaxSegmentLength)
	}
	return nil
}

// Resolve builds a key from a bucket name, a directory path and an optional
// leaf name. A leaf name of "" means the key refers to dirPath itself.
func Resolve(bucket, dirPath, filename string) (Key, error) {
	if bucket == "" {
		return Key{}, apperr.Wrap(apperr.ErrInvalidName, "bucket name is required")
	}
	dir, err := Normalize(dirPath)
	if err != nil {
		return Key{}, err
	}
	if filename == "" {
		parent, name := Split(dir)
		return Key{Bucket: bucket, Dir: parent, Name: name}, nil
	}
	name, err := url.PathUnescape(filename)
	if err != nil {
		return Key{}, apperr.Wrap(apperr.ErrInvalidName, "malformed escape in %q", filename)
	}
	if err := ValidateName(name); err != nil {
		return Key{}, err
	}
	return Key{Bucket: bucket, Dir: dir, Name: name}, nil
}

// Split separates a clean path into its parent directory and last segment.
func Split(p string) (string, string) {
	p = Clean(p)
	idx := strings.LastIndex(p, Separator)
	if idx < 0 {
		return "", p
	}
	return p[:idx], p[idx+1:]
}

// Join glues a directory path and a name.
func Join(dir, name string) string {
	dir = Clean(dir)
	if dir == "" {
		return name
	}
	if name == "" {
		return dir
	}
	return dir + Separator + name
}

// Ancestors returns the directories containing p, innermost first.
func Ancestors(p string) []string {
	var out []string
	dir, _ := Split(p)
	for dir != "" {
		out = append(out, dir)
		dir, _ = Split(dir)
	}
	return out
}

// Breadcrumbs expands "a/b/c" into [(a,a),(b,a/b),(c,a/b/c)].
func Breadcrumbs(dirPath string) []Crumb {
	dirPath = Clean(dirPath)
	if dirPath == "" {
		return []Crumb{}
	}
	segments := strings.Split(dirPath, Separator)
	crumbs := make([]Crumb, 0, len(segments))
	for i, segment := range segments {
		crumbs = append(crumbs, Crumb{
			Label: segment,
			Path:  strings.Join(segments[:i+1], Separator),
		})
	}
	return crumbs
}
