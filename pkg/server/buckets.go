package server

import (
	"net/http"
	"strconv"
	"strings"

	"harbor/pkg/apperr"
	"harbor/pkg/credentials"
	"harbor/pkg/manager"
	"harbor/pkg/models"

	"github.com/labstack/echo/v4"
)

type createBucketRequest struct {
	Name    string `json:"name" form:"name"`
	Remarks string `json:"remarks" form:"remarks"`
}

// deleteOutcome reports one bucket of a bulk delete.
type deleteOutcome struct {
	ID       int64  `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	Deleted  bool   `json:"deleted"`
	Code     string `json:"code,omitempty"`
	CodeText string `json:"code_text,omitempty"`
}

func (s *Server) createBucket(ctx echo.Context) error {
	var req createBucketRequest
	if err := ctx.Bind(&req); err != nil {
		return apperr.Wrap(apperr.ErrInvalidArgument, "malformed request body")
	}
	if strings.TrimSpace(req.Name) == "" {
		return apperr.Wrap(apperr.ErrInvalidName, "name is required")
	}
	bucket, err := s.manager.CreateBucket(ctx.Request().Context(), caller(ctx), strings.TrimSpace(req.Name), req.Remarks)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, map[string]any{"bucket": bucket})
}

func (s *Server) listBuckets(ctx echo.Context) error {
	buckets, err := s.manager.ListBuckets(ctx.Request().Context(), caller(ctx))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"buckets": buckets,
		"count":   len(buckets),
	})
}

func (s *Server) getBucket(ctx echo.Context) error {
	bucket, err := s.manager.BucketByRef(ctx.Request().Context(), caller(ctx), ctx.Param("id"), manager.AccessOwner)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, map[string]any{"bucket": bucket})
}

// deleteBuckets removes the bucket in the path plus any listed in ids, which
// may be comma separated or repeated.
func (s *Server) deleteBuckets(ctx echo.Context) error {
	reqCtx := ctx.Request().Context()
	owner := caller(ctx)

	refs := []string{ctx.Param("id")}
	for _, value := range ctx.QueryParams()["ids"] {
		for _, ref := range strings.Split(value, ",") {
			if ref = strings.TrimSpace(ref); ref != "" {
				refs = append(refs, ref)
			}
		}
	}

	var (
		ids     []int64
		results []models.BucketDeleteResult
		seen    = make(map[int64]bool, len(refs))
	)
	for _, ref := range refs {
		id, err := strconv.ParseInt(ref, 10, 64)
		if err != nil {
			bucket, refErr := s.manager.BucketByRef(reqCtx, owner, ref, manager.AccessOwner)
			if refErr != nil {
				results = append(results, models.BucketDeleteResult{Name: ref, Err: refErr})
				continue
			}
			id = bucket.ID
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	results = append(results, s.manager.DeleteBuckets(reqCtx, owner, ids)...)

	if len(results) == 1 && results[0].Err != nil {
		return results[0].Err
	}
	outcomes := make([]deleteOutcome, 0, len(results))
	failed := false
	for _, result := range results {
		outcome := deleteOutcome{ID: result.ID, Name: result.Name, Deleted: result.Err == nil}
		if result.Err != nil {
			failed = true
			_, body := bodyOf(result.Err)
			outcome.Code, outcome.CodeText = body.Code, body.CodeText
		}
		outcomes = append(outcomes, outcome)
	}
	if !failed {
		return ctx.NoContent(http.StatusNoContent)
	}
	return ctx.JSON(http.StatusMultiStatus, map[string]any{"results": outcomes})
}

func (s *Server) patchBucket(ctx echo.Context) error {
	reqCtx := ctx.Request().Context()
	owner, ref := caller(ctx), ctx.Param("id")

	public, remarks := optional(ctx, "public"), optional(ctx, "remarks")
	if public == nil && remarks == nil {
		return apperr.Wrap(apperr.ErrInvalidArgument, "public or remarks is required")
	}

	var (
		bucket *models.Bucket
		err    error
	)
	if public != nil {
		perm, parseErr := models.ParsePermission(*public)
		if parseErr != nil {
			return apperr.Wrap(apperr.ErrInvalidArgument, "%v", parseErr)
		}
		if bucket, err = s.manager.SetBucketPermission(reqCtx, owner, ref, perm); err != nil {
			return err
		}
	}
	if remarks != nil {
		if bucket, err = s.manager.SetBucketRemarks(reqCtx, owner, ref, *remarks); err != nil {
			return err
		}
	}
	return ctx.JSON(http.StatusOK, map[string]any{"bucket": bucket})
}

func (s *Server) patchFTP(ctx echo.Context) error {
	var update credentials.FTPUpdate
	if v := optional(ctx, "enable"); v != nil {
		enable, err := strconv.ParseBool(*v)
		if err != nil {
			return apperr.Wrap(apperr.ErrInvalidArgument, "enable must be a boolean, got %q", *v)
		}
		update.Enable = &enable
	}
	update.Password = optional(ctx, "password")
	update.ROPassword = optional(ctx, "ro_password")

	cfg, err := s.creds.SetFTP(ctx.Request().Context(), caller(ctx), ctx.Param("bucket"), update)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, map[string]any{"ftp": cfg})
}

type ftpLoginRequest struct {
	Password string `json:"password" form:"password"`
}

// ftpLogin lets an FTP front end check a login against a bucket.
func (s *Server) ftpLogin(ctx echo.Context) error {
	var req ftpLoginRequest
	if err := ctx.Bind(&req); err != nil {
		return apperr.Wrap(apperr.ErrInvalidArgument, "malformed request body")
	}
	access, err := s.creds.FTPAuthenticate(ctx.Request().Context(), ctx.Param("bucket"), req.Password)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, map[string]string{
		"bucket": ctx.Param("bucket"),
		"access": access.String(),
	})
}
