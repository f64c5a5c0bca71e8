package server

import (
	"net/url"
	"strconv"
	"strings"

	"harbor/pkg/apperr"
	"harbor/pkg/paths"

	"github.com/labstack/echo/v4"
)

// target splits the escaped request path below prefix into the bucket name
// and the still escaped remainder, which the paths package decodes once.
func target(ctx echo.Context, prefix string) (string, string, error) {
	rest := strings.TrimPrefix(ctx.Request().URL.EscapedPath(), prefix)
	rawBucket, rawPath, _ := strings.Cut(strings.TrimPrefix(rest, "/"), "/")
	bucket, err := url.PathUnescape(rawBucket)
	if err != nil || bucket == "" {
		return "", "", apperr.Wrap(apperr.ErrInvalidName, "malformed bucket name %q", rawBucket)
	}
	return bucket, rawPath, nil
}

// entryKey resolves the directory or object addressed below prefix.
func entryKey(ctx echo.Context, prefix string) (paths.Key, error) {
	bucket, rawPath, err := target(ctx, prefix)
	if err != nil {
		return paths.Key{}, err
	}
	key, err := paths.Resolve(bucket, rawPath, "")
	if err != nil {
		return paths.Key{}, err
	}
	return key, nil
}

// objectKey is entryKey for routes that need a non-root path.
func objectKey(ctx echo.Context, prefix string) (paths.Key, error) {
	key, err := entryKey(ctx, prefix)
	if err != nil {
		return paths.Key{}, err
	}
	if key.Name == "" {
		return paths.Key{}, apperr.Wrap(apperr.ErrInvalidName, "a path inside the bucket is required")
	}
	return key, nil
}

// optional returns a query or multipart field only when the client sent it.
// Urlencoded bodies are never parsed since raw uploads may carry that type.
func optional(ctx echo.Context, name string) *string {
	if _, ok := ctx.QueryParams()[name]; ok {
		v := ctx.QueryParam(name)
		return &v
	}
	if !isMultipart(ctx) {
		return nil
	}
	if form, err := ctx.MultipartForm(); err == nil {
		if values, ok := form.Value[name]; ok && len(values) > 0 {
			return &values[0]
		}
	}
	return nil
}

func isMultipart(ctx echo.Context) bool {
	return strings.HasPrefix(ctx.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm)
}

func boolParam(ctx echo.Context, name string, def bool) (bool, error) {
	v := optional(ctx, name)
	if v == nil || *v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(*v)
	if err != nil {
		return false, apperr.Wrap(apperr.ErrInvalidArgument, "%s must be a boolean, got %q", name, *v)
	}
	return b, nil
}

func intParam(ctx echo.Context, name string, def int64) (int64, error) {
	v := optional(ctx, name)
	if v == nil || *v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(*v, 10, 64)
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrInvalidArgument, "%s must be an integer, got %q", name, *v)
	}
	return n, nil
}

func stringParam(ctx echo.Context, name string) string {
	if v := optional(ctx, name); v != nil {
		return *v
	}
	return ""
}
