package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

func (s *Server) bucketStats(ctx echo.Context) error {
	snapshot, err := s.stats.Snapshot(ctx.Request().Context(), caller(ctx), ctx.Param("name"))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, snapshot)
}

func (s *Server) userStats(ctx echo.Context) error {
	totals, err := s.stats.UserTotals(ctx.Request().Context(), caller(ctx))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, totals)
}
