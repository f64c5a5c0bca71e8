package server

import (
	"net/http"

	"harbor/pkg/apperr"

	"github.com/labstack/echo/v4"
)

type verifyRequest struct {
	Token string `json:"token" form:"token"`
}

func (s *Server) getToken(ctx echo.Context) error {
	token, err := s.creds.Token(ctx.Request().Context(), caller(ctx))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, map[string]any{"token": token})
}

func (s *Server) refreshToken(ctx echo.Context) error {
	token, err := s.creds.RefreshToken(ctx.Request().Context(), caller(ctx))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, map[string]any{"token": token})
}

func (s *Server) createAccessKey(ctx echo.Context) error {
	key, err := s.creds.CreateAccessKey(ctx.Request().Context(), caller(ctx))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, map[string]any{"key": key})
}

func (s *Server) listAccessKeys(ctx echo.Context) error {
	keys, err := s.creds.ListAccessKeys(ctx.Request().Context(), caller(ctx))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) patchAccessKey(ctx echo.Context) error {
	if optional(ctx, "active") == nil {
		return apperr.Wrap(apperr.ErrInvalidArgument, "active is required")
	}
	active, err := boolParam(ctx, "active", false)
	if err != nil {
		return err
	}
	key, err := s.creds.SetAccessKeyActive(ctx.Request().Context(), caller(ctx), ctx.Param("access_key"), active)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, map[string]any{"key": key})
}

func (s *Server) deleteAccessKey(ctx echo.Context) error {
	if err := s.creds.DeleteAccessKey(ctx.Request().Context(), caller(ctx), ctx.Param("access_key")); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (s *Server) issueJWT(ctx echo.Context) error {
	token, expiry, err := s.creds.IssueJWT(caller(ctx))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"access":     token,
		"expires_at": expiry,
	})
}

func (s *Server) verifyJWT(ctx echo.Context) error {
	var req verifyRequest
	if err := ctx.Bind(&req); err != nil {
		return apperr.Wrap(apperr.ErrInvalidArgument, "malformed request body")
	}
	if req.Token == "" {
		return apperr.Wrap(apperr.ErrInvalidArgument, "token is required")
	}
	userID, err := s.creds.ParseJWT(req.Token)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, map[string]string{"user_id": userID})
}
