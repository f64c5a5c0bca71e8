package server

import (
	"net/http"

	"harbor/pkg/paths"
	"harbor/pkg/share"

	"github.com/labstack/echo/v4"
)

func shareRequest(enable bool, days int64, password bool) share.Request {
	return share.Request{Share: enable, Days: int(days), Password: password}
}

// resolveShare serves a share link to anonymous readers: a directory listing
// for directories and the bucket root, the content for objects.
func (s *Server) resolveShare(ctx echo.Context) error {
	bucket, rawPath, err := target(ctx, sharePrefix)
	if err != nil {
		return err
	}
	p, err := paths.Normalize(rawPath)
	if err != nil {
		return err
	}
	reqCtx := ctx.Request().Context()
	resolution, err := s.shares.Resolve(reqCtx, bucket, p, ctx.QueryParam("c"), ctx.QueryParam("p"))
	if err != nil {
		return err
	}

	if resolution.Target != nil && !resolution.Target.IsDir {
		content, err := s.downloads.Open(reqCtx, resolution.Target, ctx.Request().Header.Get(headerRange))
		if err != nil {
			return err
		}
		return writeContent(ctx, content)
	}

	offset, limit, err := page(ctx)
	if err != nil {
		return err
	}
	listing, err := s.manager.ListBucketDir(reqCtx, resolution.Bucket, p, offset, limit)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, newListingResponse(ctx, listing))
}

func (s *Server) shareInfo(ctx echo.Context) error {
	key, err := objectKey(ctx, infoPrefix)
	if err != nil {
		return err
	}
	info, err := s.shares.Info(ctx.Request().Context(), caller(ctx), key)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, info)
}
