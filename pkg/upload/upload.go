// Package upload implements the append-only upload state machine: objects
// are created with a declared size, grow one chunk at a time at their tail
// and complete on their own once the declared size is reached.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"strings"
	"time"

	"harbor/pkg/apperr"
	"harbor/pkg/blob"
	"harbor/pkg/log"
	"harbor/pkg/manager"
	"harbor/pkg/models"
	"harbor/pkg/paths"

	"github.com/dustin/go-humanize"
)

const (
	// DefaultMaxSize is the first rejected declared size.
	DefaultMaxSize int64 = 5 << 30
	// DefaultMaxChunk bounds a single chunk body.
	DefaultMaxChunk int64 = 64 << 20

	checksumLength = sha256.Size * 2

	// Complete is the next offset reported once nothing is left to send.
	Complete int64 = -1
)

// Options bound upload sizes.
type Options struct {
	MaxSize  int64
	MaxChunk int64
}

// InitOptions describe a new upload.
type InitOptions struct {
	// TotalSize is the declared length of the object.
	TotalSize int64
	// Overwrite replaces an existing object of the same name.
	Overwrite bool
	// Checksum is an optional SHA-256 hex digest verified on completion.
	Checksum string
}

// Chunk is one piece of a chunked upload. Offset 0 initiates the upload.
type Chunk struct {
	Offset int64
	Size   int64
	Body   io.Reader
	InitOptions
}

// Progress reports the state of an upload after a write.
type Progress struct {
	Object     *models.Entry `json:"object"`
	NextOffset int64         `json:"next_offset"`
}

// Engine drives uploads on top of the manager's stores.
type Engine struct {
	manager *manager.Manager
	opts    Options
}

// New creates an upload Engine.
func New(m *manager.Manager, opts Options) *Engine {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.MaxChunk <= 0 {
		opts.MaxChunk = DefaultMaxChunk
	}
	return &Engine{manager: m, opts: opts}
}

// validate rejects a declared upload before anything is stored.
func (e *Engine) validate(opts *InitOptions) error {
	switch {
	case opts.TotalSize == 0:
		return apperr.ErrEmptyFile
	case opts.TotalSize < 0:
		return apperr.Wrap(apperr.ErrInvalidArgument, "total size is required")
	case opts.TotalSize >= e.opts.MaxSize:
		return apperr.Wrap(apperr.ErrFileTooLarge, "%s is at or above the %s limit",
			humanize.IBytes(uint64(opts.TotalSize)), humanize.IBytes(uint64(e.opts.MaxSize)))
	}
	if opts.Checksum != "" {
		opts.Checksum = strings.ToLower(opts.Checksum)
		if !validChecksum(opts.Checksum) {
			return apperr.Wrap(apperr.ErrInvalidArgument, "checksum must be a hex SHA-256 digest")
		}
	}
	return nil
}

func validChecksum(sum string) bool {
	if len(sum) != checksumLength {
		return false
	}
	for _, char := range sum {
		if (char < '0' || char > '9') && (char < 'a' || char > 'f') {
			return false
		}
	}
	return true
}

// Initiate creates the object at key, or stages an overwrite of an existing
// one. A staged overwrite takes effect with its first chunk, so the current
// content stays readable until then.
func (e *Engine) Initiate(ctx context.Context, caller string, key paths.Key, opts InitOptions) (*models.Entry, error) {
	if err := e.validate(&opts); err != nil {
		return nil, err
	}
	bucket, err := e.manager.Bucket(ctx, caller, key.Bucket, manager.AccessUpload)
	if err != nil {
		return nil, err
	}
	return e.initiate(ctx, bucket, key, opts)
}

func (e *Engine) initiate(ctx context.Context, bucket *models.Bucket, key paths.Key, opts InitOptions) (*models.Entry, error) {
	meta := e.manager.Meta()

	existing, err := meta.GetEntry(ctx, bucket.ID, key.Path())
	if errors.Is(err, apperr.ErrNotFound) {
		obj := &models.Entry{
			BucketID:         bucket.ID,
			DirPath:          key.Dir,
			Name:             key.Name,
			DeclaredSize:     opts.TotalSize,
			ExpectedChecksum: opts.Checksum,
			StorageKey:       blob.NewKey(),
		}
		if err := meta.CreateObject(ctx, obj); err != nil {
			return nil, err
		}
		log.Debug().Str("bucket", bucket.Name).Str("path", obj.Path).
			Str("size", humanize.IBytes(uint64(opts.TotalSize))).Msg("Upload initiated")
		return obj, nil
	}
	if err != nil {
		return nil, err
	}
	if existing.IsDir {
		return nil, apperr.Wrap(apperr.ErrAlreadyExists, "%q is a directory", existing.Path)
	}
	if !opts.Overwrite {
		return nil, apperr.Wrap(apperr.ErrAlreadyExists, "%q", existing.Path)
	}

	unlock := e.manager.LockObject(existing.ID)
	defer unlock()

	previous, err := meta.StagePending(ctx, existing.ID, models.Pending{
		StorageKey:   blob.NewKey(),
		DeclaredSize: opts.TotalSize,
		Checksum:     opts.Checksum,
	})
	if err != nil {
		return nil, err
	}
	if previous != "" {
		e.manager.Discard(ctx, []string{previous})
	}
	log.Debug().Str("bucket", bucket.Name).Str("path", existing.Path).Msg("Overwrite staged")
	return meta.GetEntryByID(ctx, existing.ID)
}

// WriteChunk handles one chunk of a chunked upload. A chunk at offset 0
// initiates the upload (or resumes one that has not stored anything yet);
// later chunks must continue at the stored size.
func (e *Engine) WriteChunk(ctx context.Context, caller string, key paths.Key, chunk Chunk) (*Progress, error) {
	if chunk.Offset < 0 {
		return nil, apperr.Wrap(apperr.ErrInvalidArgument, "chunk offset must not be negative")
	}
	if chunk.Size > e.opts.MaxChunk {
		return nil, apperr.Wrap(apperr.ErrFileTooLarge, "chunk of %s exceeds the %s limit",
			humanize.IBytes(uint64(chunk.Size)), humanize.IBytes(uint64(e.opts.MaxChunk)))
	}
	bucket, err := e.manager.Bucket(ctx, caller, key.Bucket, manager.AccessUpload)
	if err != nil {
		return nil, err
	}

	obj, err := e.manager.Meta().GetObject(ctx, bucket.ID, key.Path())
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		if chunk.Offset != 0 {
			return nil, apperr.Wrap(apperr.ErrNoSuchKey, "%q: upload must start at offset 0", key.Path())
		}
		if err := e.validate(&chunk.InitOptions); err != nil {
			return nil, err
		}
		if obj, err = e.initiate(ctx, bucket, key, chunk.InitOptions); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	case chunk.Offset == 0 && e.needsInitiate(obj, chunk.InitOptions):
		if err := e.validate(&chunk.InitOptions); err != nil {
			return nil, err
		}
		if obj, err = e.initiate(ctx, bucket, key, chunk.InitOptions); err != nil {
			return nil, err
		}
	case chunk.TotalSize > 0 && obj.State.Writable() && chunk.TotalSize != obj.DeclaredSize:
		return nil, apperr.Wrap(apperr.ErrInvalidArgument, "total size %d does not match declared size %d",
			chunk.TotalSize, obj.DeclaredSize)
	}

	return e.write(ctx, obj.ID, chunk.Offset, chunk.Body, chunk.Size)
}

// needsInitiate decides whether an offset 0 chunk for an existing object
// starts a new body. Without overwrite the chunk either resumes an empty
// upload or, for a complete object, fails as a duplicate.
func (e *Engine) needsInitiate(obj *models.Entry, opts InitOptions) bool {
	if opts.Overwrite {
		return true
	}
	return obj.State == models.UploadComplete && obj.Pending == nil
}

// Put stores a whole object in one request.
func (e *Engine) Put(ctx context.Context, caller string, key paths.Key, body io.Reader, opts InitOptions) (*models.Entry, error) {
	if err := e.validate(&opts); err != nil {
		return nil, err
	}
	obj, err := e.Initiate(ctx, caller, key, opts)
	if err != nil {
		return nil, err
	}
	progress, err := e.write(ctx, obj.ID, 0, body, opts.TotalSize)
	if err != nil {
		return nil, err
	}
	log.Info().Str("bucket", key.Bucket).Str("path", key.Path()).
		Str("size", humanize.IBytes(uint64(progress.Object.Size))).Msg("Object stored")
	return progress.Object, nil
}

// write appends size bytes from body at offset under the object lock and
// completes the object when it reaches its declared size.
func (e *Engine) write(ctx context.Context, id, offset int64, body io.Reader, size int64) (*Progress, error) {
	if size <= 0 {
		return nil, apperr.Wrap(apperr.ErrInvalidArgument, "chunk size must be positive")
	}
	if body == nil {
		return nil, apperr.Wrap(apperr.ErrInvalidArgument, "chunk body is required")
	}

	unlock := e.manager.LockObject(id)
	defer unlock()

	meta := e.manager.Meta()
	obj, err := meta.GetEntryByID(ctx, id)
	if err != nil {
		return nil, err
	}

	hasher := sha256.New()
	body = io.TeeReader(body, hasher)

	if obj.Pending != nil && offset == 0 {
		return e.activate(ctx, obj, body, size, hasher)
	}

	if !obj.State.Writable() {
		return nil, apperr.Wrap(apperr.ErrOffsetMismatch, "object %q is complete", obj.Path)
	}
	if offset != obj.Size {
		return nil, apperr.Wrap(apperr.ErrOffsetMismatch, "offset %d, stored size is %d", offset, obj.Size)
	}
	if offset+size > obj.DeclaredSize {
		return nil, apperr.Wrap(apperr.ErrInvalidArgument, "chunk ends at %d, past the declared size %d",
			offset+size, obj.DeclaredSize)
	}

	if err := e.appendBlob(ctx, obj.StorageKey, offset, body, size); err != nil {
		return nil, err
	}
	if err := meta.AppendChunk(ctx, obj.ID, offset, size); err != nil {
		e.rollback(ctx, obj.StorageKey, offset)
		return nil, err
	}
	obj.Size = offset + size

	var sum hash.Hash
	if offset == 0 {
		sum = hasher
	}
	return e.progress(ctx, obj, sum)
}

// activate stores the first chunk of a staged overwrite and swaps it in.
func (e *Engine) activate(ctx context.Context, obj *models.Entry, body io.Reader, size int64, hasher hash.Hash) (*Progress, error) {
	pending := obj.Pending
	if size > pending.DeclaredSize {
		return nil, apperr.Wrap(apperr.ErrInvalidArgument, "chunk ends at %d, past the declared size %d",
			size, pending.DeclaredSize)
	}
	if err := e.appendBlob(ctx, pending.StorageKey, 0, body, size); err != nil {
		return nil, err
	}

	meta := e.manager.Meta()
	oldKey, err := meta.ActivatePending(ctx, obj.ID, size)
	if err != nil {
		e.rollback(ctx, pending.StorageKey, 0)
		return nil, err
	}
	if oldKey != "" {
		e.manager.Discard(ctx, []string{oldKey})
	}

	obj.StorageKey = pending.StorageKey
	obj.DeclaredSize = pending.DeclaredSize
	obj.ExpectedChecksum = pending.Checksum
	obj.Size = size
	obj.Pending = nil
	log.Debug().Str("path", obj.Path).Msg("Overwrite activated")
	return e.progress(ctx, obj, hasher)
}

// appendBlob writes to the blob tail. Bytes left past offset by an earlier
// write whose metadata update never landed are cut off first.
func (e *Engine) appendBlob(ctx context.Context, key string, offset int64, body io.Reader, size int64) error {
	blobs := e.manager.Blobs()

	current, err := blobs.Size(ctx, key)
	if err != nil {
		return apperr.Internal(err)
	}
	if current > offset {
		log.Warn().Str("key", key).Int64("blob_size", current).Int64("offset", offset).
			Msg("Dropping unacknowledged blob tail")
		if err := blobs.Truncate(ctx, key, offset); err != nil {
			return apperr.Internal(err)
		}
	}

	_, err = blobs.Append(ctx, key, offset, body, size)
	if err == nil {
		return nil
	}
	e.rollback(ctx, key, offset)

	var short blob.ShortWriteError
	if errors.As(err, &short) {
		return apperr.Wrap(apperr.ErrInvalidArgument, "body has %d of %d bytes", short.Written, short.Expected)
	}
	return apperr.Internal(err)
}

// rollback restores the blob length to the last acknowledged size.
func (e *Engine) rollback(ctx context.Context, key string, size int64) {
	if err := e.manager.Blobs().Truncate(context.WithoutCancel(ctx), key, size); err != nil {
		log.Error().Err(err).Str("key", key).Int64("size", size).Msg("Failed to roll back blob")
	}
}

// progress completes obj when it reached its declared size. streamed is the
// digest of the whole body when it went through in one write.
func (e *Engine) progress(ctx context.Context, obj *models.Entry, streamed hash.Hash) (*Progress, error) {
	meta := e.manager.Meta()
	if obj.Size < obj.DeclaredSize {
		fresh, err := meta.GetEntryByID(ctx, obj.ID)
		if err != nil {
			return nil, err
		}
		return &Progress{Object: fresh, NextOffset: fresh.Size}, nil
	}

	checksum, err := e.checksum(ctx, obj, streamed)
	if err != nil {
		return nil, err
	}
	if obj.ExpectedChecksum != "" && checksum != obj.ExpectedChecksum {
		log.Warn().Str("path", obj.Path).Str("expected", obj.ExpectedChecksum).Str("actual", checksum).
			Msg("Checksum mismatch, restarting upload")
		if err := meta.ResetObject(ctx, obj.ID); err != nil {
			return nil, err
		}
		e.rollback(ctx, obj.StorageKey, 0)
		return nil, apperr.Wrap(apperr.ErrChecksumMismatch, "expected %s, got %s", obj.ExpectedChecksum, checksum)
	}

	if err := meta.CompleteObject(ctx, obj.ID, checksum); err != nil {
		return nil, err
	}
	fresh, err := meta.GetEntryByID(ctx, obj.ID)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("path", fresh.Path).Str("checksum", checksum).Msg("Upload complete")
	return &Progress{Object: fresh, NextOffset: Complete}, nil
}

func (e *Engine) checksum(ctx context.Context, obj *models.Entry, streamed hash.Hash) (string, error) {
	if streamed != nil {
		return hex.EncodeToString(streamed.Sum(nil)), nil
	}
	reader, err := e.manager.Blobs().Open(ctx, obj.StorageKey, 0, obj.Size)
	if err != nil {
		return "", apperr.Internal(err)
	}
	defer func() { _ = reader.Close() }()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, reader); err != nil {
		return "", apperr.Internal(err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Abort drops an unfinished upload. For a complete object with a staged
// overwrite only the staged body is dropped.
func (e *Engine) Abort(ctx context.Context, caller string, key paths.Key) error {
	_, obj, err := e.manager.Object(ctx, caller, key, manager.AccessOwner)
	if err != nil {
		return err
	}
	if obj.State == models.UploadComplete && obj.Pending == nil {
		return apperr.Wrap(apperr.ErrInvalidArgument, "object %q has no upload in progress", obj.Path)
	}
	return e.abort(ctx, obj)
}

func (e *Engine) abort(ctx context.Context, obj *models.Entry) error {
	unlock := e.manager.LockObject(obj.ID)
	defer unlock()

	meta := e.manager.Meta()
	obj, err := meta.GetEntryByID(ctx, obj.ID)
	if err != nil {
		return err
	}
	if obj.State == models.UploadComplete {
		if obj.Pending == nil {
			return nil
		}
		key, err := meta.ClearPending(ctx, obj.ID)
		if err != nil {
			return err
		}
		e.manager.Discard(ctx, []string{key})
		return nil
	}
	keys, err := meta.DeleteEntryByID(ctx, obj.ID)
	if err != nil {
		return err
	}
	e.manager.Discard(ctx, keys)
	return nil
}

// SweepAbandoned aborts uploads untouched for longer than ttl and returns
// how many were dropped.
func (e *Engine) SweepAbandoned(ctx context.Context, ttl time.Duration) (int, error) {
	meta := e.manager.Meta()
	stale, err := meta.UnfinishedObjects(ctx, meta.Now().Add(-ttl))
	if err != nil {
		return 0, err
	}

	swept := 0
	for i := range stale {
		obj := &stale[i]
		if err := e.abort(ctx, obj); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				continue
			}
			return swept, err
		}
		swept++
		log.Debug().Int64("bucket_id", obj.BucketID).Str("path", obj.Path).Msg("Abandoned upload removed")
	}
	if swept > 0 {
		log.Info().Int("uploads", swept).Dur("ttl", ttl).Msg("Swept abandoned uploads")
	}
	return swept, nil
}
