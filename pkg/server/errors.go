package server

import (
	"errors"
	"net/http"

	"harbor/pkg/apperr"
	"harbor/pkg/log"

	"github.com/labstack/echo/v4"
)

// errorBody is the JSON shape of every failure.
type errorBody struct {
	Code     string `json:"code"`
	CodeText string `json:"code_text"`
}

func bodyOf(err error) (int, errorBody) {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		text := http.StatusText(httpErr.Code)
		if msg, ok := httpErr.Message.(string); ok {
			text = msg
		}
		return httpErr.Code, errorBody{Code: codeForStatus(httpErr.Code), CodeText: text}
	}
	kind := apperr.From(err)
	text := err.Error()
	if kind == apperr.ErrInternal {
		text = kind.Message
	}
	return kind.Status, errorBody{Code: kind.Code, CodeText: text}
}

// codeForStatus names errors raised by echo itself, such as unknown routes.
func codeForStatus(status int) string {
	switch status {
	case http.StatusNotFound:
		return apperr.ErrNotFound.Code
	case http.StatusUnauthorized:
		return apperr.ErrUnauthorized.Code
	case http.StatusForbidden:
		return apperr.ErrForbidden.Code
	case http.StatusRequestEntityTooLarge:
		return apperr.ErrFileTooLarge.Code
	case http.StatusBadRequest:
		return apperr.ErrInvalidArgument.Code
	case http.StatusMethodNotAllowed:
		return "MethodNotAllowed"
	}
	return apperr.ErrInternal.Code
}

func (s *Server) handleError(err error, ctx echo.Context) {
	if ctx.Response().Committed {
		return
	}
	status, body := bodyOf(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("uri", ctx.Request().RequestURI).Msg("Request failed")
	}

	var writeErr error
	if ctx.Request().Method == http.MethodHead {
		writeErr = ctx.NoContent(status)
	} else {
		writeErr = ctx.JSON(status, body)
	}
	if writeErr != nil {
		log.Error().Err(writeErr).Msg("Failed to write error response")
	}
}
