// Package download serves object content, whole or by byte range, and keeps
// the download counters.
package download

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"harbor/pkg/apperr"
	"harbor/pkg/log"
	"harbor/pkg/manager"
	"harbor/pkg/models"
	"harbor/pkg/paths"
)

const rangeUnit = "bytes="

// Range is a resolved byte range of an object.
type Range struct {
	Start  int64
	Length int64
}

// ContentRange renders the Content-Range header value.
func (r Range) ContentRange(total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.Start+r.Length-1, total)
}

// ParseRange resolves a Range header against an object of size bytes. An
// empty header, or one covering the whole object, yields a nil range. Only a
// single range is supported.
func ParseRange(header string, size int64) (*Range, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	if !strings.HasPrefix(header, rangeUnit) {
		return nil, apperr.Wrap(apperr.ErrRangeNotSatisfiable, "unsupported range unit in %q", header)
	}
	spec := strings.TrimSpace(strings.TrimPrefix(header, rangeUnit))
	if strings.Contains(spec, ",") {
		return nil, apperr.Wrap(apperr.ErrRangeNotSatisfiable, "multiple ranges are not supported")
	}
	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, apperr.Wrap(apperr.ErrRangeNotSatisfiable, "malformed range %q", spec)
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	var r Range
	switch {
	case first == "":
		// Suffix range: the last n bytes.
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return nil, apperr.Wrap(apperr.ErrRangeNotSatisfiable, "malformed suffix range %q", spec)
		}
		n = min(n, size)
		r = Range{Start: size - n, Length: n}
	default:
		start, err := strconv.ParseInt(first, 10, 64)
		if err != nil || start < 0 {
			return nil, apperr.Wrap(apperr.ErrRangeNotSatisfiable, "malformed range start %q", first)
		}
		if start >= size {
			return nil, apperr.Wrap(apperr.ErrRangeNotSatisfiable, "range starts at %d, object has %d bytes", start, size)
		}
		end := size - 1
		if last != "" {
			end, err = strconv.ParseInt(last, 10, 64)
			if err != nil || end < start {
				return nil, apperr.Wrap(apperr.ErrRangeNotSatisfiable, "malformed range end %q", last)
			}
			end = min(end, size-1)
		}
		r = Range{Start: start, Length: end - start + 1}
	}

	if r.Length == 0 {
		return nil, apperr.Wrap(apperr.ErrRangeNotSatisfiable, "empty range on an empty object")
	}
	if r.Start == 0 && r.Length == size {
		return nil, nil
	}
	return &r, nil
}

// Content is an open object body. Closing a full read that consumed every
// byte counts one download.
type Content struct {
	Object  *models.Entry
	Range   *Range
	Offset  int64
	Length  int64
	Total   int64
	Partial bool

	reader  io.ReadCloser
	read    int64
	onClose func(complete bool)
	once    sync.Once
}

func (c *Content) Read(p []byte) (int, error) {
	n, err := c.reader.Read(p)
	c.read += int64(n)
	return n, err
}

func (c *Content) Close() error {
	err := c.reader.Close()
	c.once.Do(func() {
		if c.onClose != nil {
			c.onClose(c.read == c.Length)
		}
	})
	return err
}

// Engine opens objects for reading.
type Engine struct {
	manager *manager.Manager
}

// New creates a download Engine.
func New(m *manager.Manager) *Engine {
	return &Engine{manager: m}
}

// Get opens the object at key for caller, honouring rangeHeader.
func (e *Engine) Get(ctx context.Context, caller string, key paths.Key, rangeHeader string) (*Content, error) {
	_, obj, err := e.manager.Object(ctx, caller, key, manager.AccessRead)
	if err != nil {
		return nil, err
	}
	return e.Open(ctx, obj, rangeHeader)
}

// Open reads an object whose access has already been checked.
func (e *Engine) Open(ctx context.Context, obj *models.Entry, rangeHeader string) (*Content, error) {
	if obj.IsDir {
		return nil, apperr.Wrap(apperr.ErrNoSuchKey, "%q is a directory", obj.Path)
	}
	if obj.State != models.UploadComplete {
		return nil, apperr.Wrap(apperr.ErrUploadInProgress, "%q has %d of %d bytes", obj.Path, obj.Size, obj.DeclaredSize)
	}

	r, err := ParseRange(rangeHeader, obj.Size)
	if err != nil {
		return nil, err
	}
	content := &Content{Object: obj, Range: r, Length: obj.Size, Total: obj.Size}
	if r != nil {
		content.Offset, content.Length, content.Partial = r.Start, r.Length, true
	}

	reader, err := e.manager.Blobs().Open(ctx, obj.StorageKey, content.Offset, content.Length)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	content.reader = reader

	if !content.Partial {
		id, path := obj.ID, obj.Path
		content.onClose = func(complete bool) {
			if !complete {
				return
			}
			if err := e.manager.Meta().IncrementDownloads(context.WithoutCancel(ctx), id); err != nil {
				log.Warn().Err(err).Str("path", path).Msg("Failed to count download")
			}
		}
	}
	return content, nil
}

// Metadata returns object or directory metadata without touching counters.
func (e *Engine) Metadata(ctx context.Context, caller string, key paths.Key) (*models.Entry, error) {
	_, entry, err := e.manager.Entry(ctx, caller, key)
	if err != nil {
		return nil, err
	}
	return entry, nil
}
