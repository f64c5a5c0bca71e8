package server

import (
	"net/http"
	"strconv"

	"harbor/pkg/apperr"
	"harbor/pkg/models"
	"harbor/pkg/paths"

	"github.com/labstack/echo/v4"
)

const (
	dirPrefix   = "/dir"
	objPrefix   = "/obj"
	movePrefix  = "/move"
	sharePrefix = "/share"
	infoPrefix  = "/share-uri"
)

type listingResponse struct {
	*models.DirListing
	Breadcrumb []paths.Crumb `json:"breadcrumb"`
	Previous   string        `json:"previous,omitempty"`
	Next       string        `json:"next,omitempty"`
}

func (s *Server) listDir(ctx echo.Context) error {
	bucket, rawPath, err := target(ctx, dirPrefix)
	if err != nil {
		return err
	}
	dir, err := paths.Normalize(rawPath)
	if err != nil {
		return err
	}
	offset, limit, err := page(ctx)
	if err != nil {
		return err
	}
	listing, err := s.manager.ListDir(ctx.Request().Context(), caller(ctx), bucket, dir, offset, limit)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, newListingResponse(ctx, listing))
}

func page(ctx echo.Context) (int, int, error) {
	offset, err := intParam(ctx, "offset", 0)
	if err != nil {
		return 0, 0, err
	}
	limit, err := intParam(ctx, "limit", 0)
	if err != nil {
		return 0, 0, err
	}
	return int(offset), int(limit), nil
}

func newListingResponse(ctx echo.Context, listing *models.DirListing) listingResponse {
	resp := listingResponse{DirListing: listing, Breadcrumb: paths.Breadcrumbs(listing.Dir)}
	if listing.PreviousOffset != nil {
		resp.Previous = pageURL(ctx, *listing.PreviousOffset, listing.Limit)
	}
	if listing.NextOffset != nil {
		resp.Next = pageURL(ctx, *listing.NextOffset, listing.Limit)
	}
	return resp
}

// pageURL is the current request URL with offset and limit replaced.
func pageURL(ctx echo.Context, offset, limit int) string {
	u := *ctx.Request().URL
	q := u.Query()
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	return ctx.Scheme() + "://" + ctx.Request().Host + u.EscapedPath() + "?" + q.Encode()
}

func (s *Server) createDir(ctx echo.Context) error {
	key, err := objectKey(ctx, dirPrefix)
	if err != nil {
		return err
	}
	dir, err := s.manager.Mkdir(ctx.Request().Context(), caller(ctx), key)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, map[string]any{
		"dir":        dir,
		"breadcrumb": paths.Breadcrumbs(dir.Path),
	})
}

func (s *Server) deleteDir(ctx echo.Context) error {
	key, err := objectKey(ctx, dirPrefix)
	if err != nil {
		return err
	}
	if err := s.manager.DeleteDir(ctx.Request().Context(), caller(ctx), key); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (s *Server) patchDir(ctx echo.Context) error {
	return s.setShare(ctx, dirPrefix, true)
}

func (s *Server) patchObject(ctx echo.Context) error {
	return s.setShare(ctx, objPrefix, false)
}

// setShare applies share, days and password to the entry below prefix, which
// must be a directory when wantDir is set and an object otherwise.
func (s *Server) setShare(ctx echo.Context, prefix string, wantDir bool) error {
	key, err := objectKey(ctx, prefix)
	if err != nil {
		return err
	}
	shareParam := optional(ctx, "share")
	if shareParam == nil {
		return apperr.Wrap(apperr.ErrInvalidArgument, "share is required")
	}
	enable, err := strconv.ParseBool(*shareParam)
	if err != nil {
		return apperr.Wrap(apperr.ErrInvalidArgument, "share must be a boolean, got %q", *shareParam)
	}
	days, err := intParam(ctx, "days", 0)
	if err != nil {
		return err
	}
	password, err := boolParam(ctx, "password", false)
	if err != nil {
		return err
	}

	reqCtx := ctx.Request().Context()
	info, err := s.shares.Info(reqCtx, caller(ctx), key)
	if err != nil {
		return err
	}
	if info.IsObject == wantDir {
		if wantDir {
			return apperr.Wrap(apperr.ErrNoSuchDirectory, "%q is an object", key.Path())
		}
		return apperr.Wrap(apperr.ErrNoSuchKey, "%q is a directory", key.Path())
	}

	result, err := s.shares.Set(reqCtx, caller(ctx), key, shareRequest(enable, days, password))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"share":  result,
		"is_obj": !wantDir,
		"path":   result.Entry.Path,
	})
}
