// Package server exposes harbor over HTTP with echo.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"harbor/pkg/credentials"
	"harbor/pkg/download"
	"harbor/pkg/log"
	"harbor/pkg/manager"
	"harbor/pkg/share"
	"harbor/pkg/stats"
	"harbor/pkg/upload"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/xid"
)

const shutdownTimeout = 10

// Timeouts bound the request context per route class. Zero disables the bound.
type Timeouts struct {
	Chunk   time.Duration
	List    time.Duration
	Share   time.Duration
	Default time.Duration
}

// Deps are the engines the handlers delegate to.
type Deps struct {
	Manager     *manager.Manager
	Uploads     *upload.Engine
	Downloads   *download.Engine
	Shares      *share.Service
	Credentials *credentials.Service
	Stats       *stats.Aggregator
}

type Server struct {
	echo      *echo.Echo
	version   string
	timeouts  Timeouts
	manager   *manager.Manager
	uploads   *upload.Engine
	downloads *download.Engine
	shares    *share.Service
	creds     *credentials.Service
	stats     *stats.Aggregator
}

// New builds a Server with all routes registered.
func New(deps Deps, version string, timeouts Timeouts) *Server {
	s := &Server{
		echo:      echo.New(),
		version:   version,
		timeouts:  timeouts,
		manager:   deps.Manager,
		uploads:   deps.Uploads,
		downloads: deps.Downloads,
		shares:    deps.Shares,
		creds:     deps.Credentials,
		stats:     deps.Stats,
	}
	s.setupRoutes()
	return s
}

// ServeHTTP lets the server be mounted or exercised without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on addr and blocks until SIGINT or SIGTERM, then shuts down.
func (s *Server) Start(addr string) error {
	go func() {
		log.Info().
			Str("addr", addr).
			Str("version", s.version).
			Msg("Starting harbor server")

		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server startup failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	return s.Shutdown()
}

func (s *Server) Shutdown() error {
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout*time.Second)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
		return err
	}

	log.Info().Msg("Server gracefully stopped")
	return nil
}

func (s *Server) setupRoutes() {
	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Pre(rememberURI, middleware.RemoveTrailingSlash())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return xid.New().String() },
	}))
	e.Use(requestLogger())
	e.Use(middleware.Recover())

	anyAuth := s.authenticate(false)
	basicAuth := s.authenticate(true)
	user := requireUser
	chunk := withTimeout(s.timeouts.Chunk)
	list := withTimeout(s.timeouts.List)
	shared := withTimeout(s.timeouts.Share)
	def := withTimeout(s.timeouts.Default)

	e.GET("/health", s.health, def)

	e.POST("/buckets", s.createBucket, def, anyAuth, user)
	e.GET("/buckets", s.listBuckets, list, anyAuth, user)
	e.GET("/buckets/:id", s.getBucket, def, anyAuth, user)
	e.DELETE("/buckets/:id", s.deleteBuckets, def, anyAuth, user)
	e.PATCH("/buckets/:id", s.patchBucket, def, anyAuth, user)
	e.PATCH("/ftp/:bucket", s.patchFTP, def, anyAuth, user)
	e.POST("/ftp/:bucket/login", s.ftpLogin, def)

	e.GET("/dir/:bucket", s.listDir, list, anyAuth)
	e.GET("/dir/:bucket/*", s.listDir, list, anyAuth)
	e.POST("/dir/:bucket/*", s.createDir, def, anyAuth, user)
	e.PUT("/dir/:bucket/*", s.createDir, def, anyAuth, user)
	e.DELETE("/dir/:bucket/*", s.deleteDir, def, anyAuth, user)
	e.PATCH("/dir/:bucket/*", s.patchDir, def, anyAuth, user)

	e.POST("/obj/:bucket/*", s.uploadChunk, chunk, anyAuth)
	e.PUT("/obj/:bucket/*", s.putObject, chunk, anyAuth)
	e.GET("/obj/:bucket/*", s.getObject, def, anyAuth)
	e.DELETE("/obj/:bucket/*", s.deleteObject, def, anyAuth, user)
	e.PATCH("/obj/:bucket/*", s.patchObject, def, anyAuth, user)

	e.POST("/move/:bucket/*", s.moveObject, def, anyAuth, user)

	e.GET("/share/:bucket", s.resolveShare, shared)
	e.GET("/share/:bucket/*", s.resolveShare, shared)
	e.GET("/share-uri/:bucket/*", s.shareInfo, def, anyAuth, user)

	e.GET("/stats/bucket/:name", s.bucketStats, def, anyAuth, user)
	e.GET("/stats/user", s.userStats, def, anyAuth, user)

	e.GET("/auth-token", s.getToken, def, basicAuth, user)
	e.PUT("/auth-token", s.refreshToken, def, basicAuth, user)
	e.POST("/auth-key", s.createAccessKey, def, anyAuth, user)
	e.GET("/auth-key", s.listAccessKeys, def, anyAuth, user)
	e.PATCH("/auth-key/:access_key", s.patchAccessKey, def, anyAuth, user)
	e.DELETE("/auth-key/:access_key", s.deleteAccessKey, def, anyAuth, user)
	e.POST("/jwt", s.issueJWT, def, basicAuth, user)
	e.POST("/jwt/verify", s.verifyJWT, def)
}

func (s *Server) health(ctx echo.Context) error {
	if err := s.manager.Meta().Ping(ctx.Request().Context()); err != nil {
		log.Error().Err(err).Msg("Health check failed")
		return ctx.JSON(http.StatusServiceUnavailable, map[string]string{
			"status":  "unavailable",
			"version": s.version,
		})
	}
	return ctx.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}
