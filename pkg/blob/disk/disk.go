// Package disk keeps blobs as plain files under a root directory.
package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"harbor/pkg/blob"
	"harbor/pkg/log"
)

const (
	dirPerm  = 0750
	filePerm = 0640
	// Two levels of two characters each keep directories small.
	shardWidth = 2
	shardDepth = 2
)

// Store is a blob.Store on the local filesystem.
type Store struct {
	root string
}

// New creates the root directory if needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("create blob root %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

// path shards keys as root/ab/cd/abcd-....
func (s *Store) path(key string) string {
	parts := make([]string, 0, shardDepth+2)
	parts = append(parts, s.root)
	for i := 0; i < shardDepth && len(key) >= (i+1)*shardWidth; i++ {
		parts = append(parts, key[i*shardWidth:(i+1)*shardWidth])
	}
	parts = append(parts, key)
	return filepath.Join(parts...)
}

func (s *Store) Append(ctx context.Context, key string, offset int64, r io.Reader, size int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return 0, fmt.Errorf("create blob dir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return 0, fmt.Errorf("open blob %s: %w", key, err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			log.Error().Err(err).Str("key", key).Msg("Failed to close blob file")
		}
	}()

	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat blob %s: %w", key, err)
	}
	if info.Size() != offset {
		return 0, blob.OffsetError{Key: key, Offset: offset, Expected: info.Size()}
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek blob %s: %w", key, err)
	}

	written, err := io.Copy(file, io.LimitReader(r, size))
	if err == nil && written != size {
		err = blob.ShortWriteError{Key: key, Written: written, Expected: size}
	}
	if err == nil {
		err = file.Sync()
	}
	if err != nil {
		if truncErr := file.Truncate(offset); truncErr != nil {
			log.Error().Err(truncErr).Str("key", key).Int64("offset", offset).Msg("Failed to roll back partial write")
		}
		return 0, err
	}
	return written, nil
}

func (s *Store) Open(_ context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	file, err := os.Open(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", blob.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", key, err)
	}
	return &sectionReader{
		SectionReader: io.NewSectionReader(file, offset, length),
		file:          file,
	}, nil
}

func (s *Store) Size(_ context.Context, key string) (int64, error) {
	info, err := os.Stat(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat blob %s: %w", key, err)
	}
	return info.Size(), nil
}

func (s *Store) Truncate(_ context.Context, key string, size int64) error {
	err := os.Truncate(s.path(key), size)
	if errors.Is(err, os.ErrNotExist) && size == 0 {
		return nil
	}
	if err != nil {
		return fmt.Errorf("truncate blob %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	return nil
}

type sectionReader struct {
	*io.SectionReader
	file *os.File
}

func (r *sectionReader) Close() error {
	return r.file.Close()
}
