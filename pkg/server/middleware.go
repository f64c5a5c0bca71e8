package server

import (
	"context"
	"strings"
	"time"

	"harbor/pkg/apperr"
	"harbor/pkg/log"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	userKey = "harbor.user"
	uriKey  = "harbor.uri"

	schemeToken     = "token"
	schemeBearer    = "bearer"
	schemeHarborKey = "harborkey"
	schemeBasic     = "basic"
)

// caller returns the authenticated user id, or "" for anonymous requests.
func caller(ctx echo.Context) string {
	id, _ := ctx.Get(userKey).(string)
	return id
}

// authenticate resolves the Authorization header into a user id. Requests
// without the header pass through anonymously; bad credentials are rejected.
// Basic credentials are only honoured where allowBasic is set.
func (s *Server) authenticate(allowBasic bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			header := strings.TrimSpace(ctx.Request().Header.Get(echo.HeaderAuthorization))
			if header == "" {
				return next(ctx)
			}
			scheme, value, _ := strings.Cut(header, " ")
			value = strings.TrimSpace(value)
			reqCtx := ctx.Request().Context()

			var (
				userID string
				err    error
			)
			switch strings.ToLower(scheme) {
			case schemeToken:
				userID, err = s.creds.UserForToken(reqCtx, value)
			case schemeBearer:
				userID, err = s.creds.ParseJWT(value)
			case schemeHarborKey:
				userID, err = s.creds.VerifySignature(reqCtx, value, requestPath(ctx))
			case schemeBasic:
				if !allowBasic {
					return apperr.Wrap(apperr.ErrUnauthorized, "basic authentication is not accepted here")
				}
				username, password, ok := ctx.Request().BasicAuth()
				if !ok {
					return apperr.Wrap(apperr.ErrUnauthorized, "malformed basic credentials")
				}
				user, authErr := s.creds.Authenticate(reqCtx, username, password)
				if authErr == nil {
					userID = user.ID
				}
				err = authErr
			default:
				return apperr.Wrap(apperr.ErrUnauthorized, "unsupported authorization scheme %q", scheme)
			}
			if err != nil {
				return err
			}
			ctx.Set(userKey, userID)
			return next(ctx)
		}
	}
}

// rememberURI keeps the request target as sent, before trailing slash removal
// rewrites it. Signed credentials cover this form.
func rememberURI(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		uri := ctx.Request().RequestURI
		if uri == "" {
			uri = ctx.Request().URL.RequestURI()
		}
		ctx.Set(uriKey, uri)
		return next(ctx)
	}
}

func requestPath(ctx echo.Context) string {
	if uri, ok := ctx.Get(uriKey).(string); ok {
		return uri
	}
	return ctx.Request().URL.RequestURI()
}

func requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		if caller(ctx) == "" {
			return apperr.ErrUnauthorized
		}
		return next(ctx)
	}
}

// withTimeout bounds the request context. Handlers see the deadline through
// the context they pass down to the engines.
func withTimeout(d time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx echo.Context) error {
			reqCtx, cancel := context.WithTimeout(ctx.Request().Context(), d)
			defer cancel()
			ctx.SetRequest(ctx.Request().WithContext(reqCtx))
			return next(ctx)
		}
	}
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogMethod:    true,
		LogURI:       true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(ctx echo.Context, v middleware.RequestLoggerValues) error {
			event := log.Info()
			if v.Status >= 500 {
				event = log.Error().Err(v.Error)
			}
			event.
				Str("request_id", v.RequestID).
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("user", caller(ctx)).
				Msg("Request handled")
			return nil
		},
	})
}
