package server

import (
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"

	"harbor/pkg/apperr"
	"harbor/pkg/download"
	"harbor/pkg/log"
	"harbor/pkg/paths"
	"harbor/pkg/upload"

	"github.com/labstack/echo/v4"
)

const (
	chunkField        = "chunk"
	headerAcceptRange = "Accept-Ranges"
	headerRange       = "Range"
	headerContentRng  = "Content-Range"
	headerETag        = "ETag"
)

// uploadChunk writes one chunk of a chunked upload. The chunk arrives either
// as the multipart file field "chunk" or as the raw request body.
func (s *Server) uploadChunk(ctx echo.Context) error {
	key, err := objectKey(ctx, objPrefix)
	if err != nil {
		return err
	}
	offset, err := intParam(ctx, "chunk_offset", 0)
	if err != nil {
		return err
	}
	declared, err := intParam(ctx, "chunk_size", -1)
	if err != nil {
		return err
	}
	total, err := intParam(ctx, "total_size", 0)
	if err != nil {
		return err
	}
	overwrite, err := boolParam(ctx, "overwrite", false)
	if err != nil {
		return err
	}

	body, size, err := chunkBody(ctx, declared)
	if err != nil {
		return err
	}
	defer func() {
		if err := body.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close chunk body")
		}
	}()

	progress, err := s.uploads.WriteChunk(ctx.Request().Context(), caller(ctx), key, upload.Chunk{
		Offset: offset,
		Size:   size,
		Body:   body,
		InitOptions: upload.InitOptions{
			TotalSize: total,
			Overwrite: overwrite,
			Checksum:  stringParam(ctx, "checksum"),
		},
	})
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, progress)
}

// chunkBody opens the chunk payload and works out its length.
func chunkBody(ctx echo.Context, declared int64) (io.ReadCloser, int64, error) {
	if isMultipart(ctx) {
		file, err := ctx.FormFile(chunkField)
		if err != nil {
			return nil, 0, apperr.Wrap(apperr.ErrInvalidArgument, "%s file field is required", chunkField)
		}
		if declared >= 0 && declared != file.Size {
			return nil, 0, apperr.Wrap(apperr.ErrInvalidArgument, "chunk_size %d does not match the %d byte chunk", declared, file.Size)
		}
		src, err := file.Open()
		if err != nil {
			return nil, 0, apperr.Internal(err)
		}
		return src, file.Size, nil
	}

	req := ctx.Request()
	size := declared
	if size < 0 {
		size = req.ContentLength
	}
	if size < 0 {
		return nil, 0, apperr.Wrap(apperr.ErrInvalidArgument, "chunk_size or Content-Length is required")
	}
	if req.ContentLength >= 0 && req.ContentLength != size {
		return nil, 0, apperr.Wrap(apperr.ErrInvalidArgument, "chunk_size %d does not match Content-Length %d", size, req.ContentLength)
	}
	return req.Body, size, nil
}

// putObject stores the request body as a whole object.
func (s *Server) putObject(ctx echo.Context) error {
	key, err := objectKey(ctx, objPrefix)
	if err != nil {
		return err
	}
	overwrite, err := boolParam(ctx, "overwrite", false)
	if err != nil {
		return err
	}
	req := ctx.Request()
	if req.ContentLength < 0 {
		return apperr.Wrap(apperr.ErrInvalidArgument, "Content-Length is required")
	}

	obj, err := s.uploads.Put(req.Context(), caller(ctx), key, req.Body, upload.InitOptions{
		TotalSize: req.ContentLength,
		Overwrite: overwrite,
		Checksum:  ctx.QueryParam("checksum"),
	})
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, map[string]any{"object": obj})
}

// getObject returns metadata with ?info=true, otherwise the content.
func (s *Server) getObject(ctx echo.Context) error {
	key, err := objectKey(ctx, objPrefix)
	if err != nil {
		return err
	}
	info, err := boolParam(ctx, "info", false)
	if err != nil {
		return err
	}
	reqCtx := ctx.Request().Context()

	if info {
		entry, err := s.downloads.Metadata(reqCtx, caller(ctx), key)
		if err != nil {
			return err
		}
		return ctx.JSON(http.StatusOK, map[string]any{
			"object":     entry,
			"breadcrumb": paths.Breadcrumbs(entry.DirPath),
		})
	}

	content, err := s.downloads.Get(reqCtx, caller(ctx), key, ctx.Request().Header.Get(headerRange))
	if err != nil {
		return err
	}
	return writeContent(ctx, content)
}

// writeContent streams an opened object and closes it.
func writeContent(ctx echo.Context, content *download.Content) error {
	defer func() {
		if err := content.Close(); err != nil {
			log.Error().Err(err).Str("path", content.Object.Path).Msg("Failed to close object content")
		}
	}()

	obj := content.Object
	h := ctx.Response().Header()
	h.Set(echo.HeaderContentLength, strconv.FormatInt(content.Length, 10))
	h.Set(headerAcceptRange, "bytes")
	h.Set(echo.HeaderLastModified, obj.ModifiedAt.UTC().Format(http.TimeFormat))
	h.Set(echo.HeaderContentDisposition, mime.FormatMediaType("attachment", map[string]string{"filename": obj.Name}))
	if obj.Checksum != "" {
		h.Set(headerETag, strconv.Quote(obj.Checksum))
	}

	status := http.StatusOK
	if content.Partial {
		h.Set(headerContentRng, content.Range.ContentRange(content.Total))
		status = http.StatusPartialContent
	}
	contentType := mime.TypeByExtension(path.Ext(obj.Name))
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	return ctx.Stream(status, contentType, content)
}

func (s *Server) deleteObject(ctx echo.Context) error {
	key, err := objectKey(ctx, objPrefix)
	if err != nil {
		return err
	}
	if err := s.manager.DeleteObject(ctx.Request().Context(), caller(ctx), key); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

// moveObject renames and/or relocates an object. move_to of "" or "/" is the
// bucket root.
func (s *Server) moveObject(ctx echo.Context) error {
	key, err := objectKey(ctx, movePrefix)
	if err != nil {
		return err
	}
	obj, err := s.manager.Move(ctx.Request().Context(), caller(ctx), key,
		optional(ctx, "rename"), optional(ctx, "move_to"))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, map[string]any{
		"object":     obj,
		"breadcrumb": paths.Breadcrumbs(obj.DirPath),
	})
}
