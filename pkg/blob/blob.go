// Package blob stores object content as append-only byte sequences
// addressed by an opaque storage key.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Store defines the content operations the upload and download engines need.
type Store interface {
	// Append writes exactly size bytes from r at offset. offset must equal the
	// current length of the blob; the blob is created on the first write.
	Append(ctx context.Context, key string, offset int64, r io.Reader, size int64) (int64, error)

	// Open returns a reader over length bytes starting at offset.
	Open(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)

	// Size reports the current length of the blob.
	Size(ctx context.Context, key string) (int64, error)

	// Truncate shrinks the blob to size bytes.
	Truncate(ctx context.Context, key string, size int64) error

	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, key string) error
}

// ErrNotFound is returned when a blob does not exist.
var ErrNotFound = errors.New("blob not found")

// OffsetError is returned when a write does not continue the blob's tail.
type OffsetError struct {
	Key      string
	Offset   int64
	Expected int64
}

func (e OffsetError) Error() string {
	return fmt.Sprintf("blob %s: write at offset %d, length is %d", e.Key, e.Offset, e.Expected)
}

// ShortWriteError is returned when the reader ended before size bytes.
type ShortWriteError struct {
	Key      string
	Written  int64
	Expected int64
}

func (e ShortWriteError) Error() string {
	return fmt.Sprintf("blob %s: wrote %d of %d bytes", e.Key, e.Written, e.Expected)
}

// NewKey returns a fresh storage key.
func NewKey() string {
	return uuid.NewString()
}

// DeleteAll removes every key, returning the first failure.
func DeleteAll(ctx context.Context, store Store, keys []string) error {
	var first error
	for _, key := range keys {
		if err := store.Delete(ctx, key); err != nil && first == nil {
			first = fmt.Errorf("delete blob %s: %w", key, err)
		}
	}
	return first
}
