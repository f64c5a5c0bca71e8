// Package app assembles harbor's components from a configuration.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"harbor/pkg/blob"
	"harbor/pkg/blob/disk"
	"harbor/pkg/blob/s3blob"
	"harbor/pkg/config"
	"harbor/pkg/credentials"
	"harbor/pkg/download"
	"harbor/pkg/jobs"
	"harbor/pkg/log"
	"harbor/pkg/manager"
	"harbor/pkg/metadata"
	"harbor/pkg/server"
	"harbor/pkg/share"
	"harbor/pkg/stats"
	"harbor/pkg/upload"
)

const (
	statsJob   = "stats-refresh"
	gcJob      = "upload-gc"
	jobTimeout = 30 * time.Minute
)

// App holds one instance of every component.
type App struct {
	Config      *config.Config
	Meta        *metadata.Store
	Blobs       blob.Store
	Manager     *manager.Manager
	Uploads     *upload.Engine
	Downloads   *download.Engine
	Shares      *share.Service
	Credentials *credentials.Service
	Stats       *stats.Aggregator
}

// New opens the metadata store and blob backend and wires the engines.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	meta, err := metadata.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	blobs, err := openBlobs(ctx, cfg.Storage)
	if err != nil {
		_ = meta.Close()
		return nil, err
	}

	m := manager.New(meta, blobs, nil, manager.Options{
		DefaultListLimit: cfg.List.DefaultLimit,
		MaxListLimit:     cfg.List.MaxLimit,
	})
	return &App{
		Config:  cfg,
		Meta:    meta,
		Blobs:   blobs,
		Manager: m,
		Uploads: upload.New(m, upload.Options{
			MaxSize:  cfg.Upload.MaxSizeBytes,
			MaxChunk: cfg.Upload.MaxChunkBytes,
		}),
		Downloads: download.New(m),
		Shares:    share.New(m, cfg.HTTP.ShareBaseURL),
		Credentials: credentials.New(m, credentials.Options{
			JWTSecret:        []byte(cfg.Auth.JWTSecret),
			JWTTTL:           cfg.Auth.JWTTTL,
			SignatureMaxSkew: cfg.Auth.SignatureMaxSkew,
		}),
		Stats: stats.New(m),
	}, nil
}

func openBlobs(ctx context.Context, cfg config.StorageConfig) (blob.Store, error) {
	switch cfg.Backend {
	case config.BackendDisk:
		return disk.New(cfg.Disk.Root)
	case config.BackendS3:
		if cfg.S3.SpoolDir != "" {
			if err := os.MkdirAll(cfg.S3.SpoolDir, 0o750); err != nil {
				return nil, fmt.Errorf("create spool directory: %w", err)
			}
		}
		return s3blob.New(ctx, s3blob.Config{
			Endpoint:     cfg.S3.Endpoint,
			Region:       cfg.S3.Region,
			Bucket:       cfg.S3.Bucket,
			Prefix:       cfg.S3.Prefix,
			AccessKey:    cfg.S3.AccessKey,
			SecretKey:    cfg.S3.SecretKey,
			RetryMax:     cfg.S3.RetryMax,
			RetryWaitMin: cfg.S3.RetryWaitMin,
			RetryWaitMax: cfg.S3.RetryWaitMax,
			SpoolDir:     cfg.S3.SpoolDir,
		})
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

// Server builds the HTTP server on top of the engines.
func (a *App) Server(version string) *server.Server {
	t := a.Config.HTTP.Timeouts
	return server.New(server.Deps{
		Manager:     a.Manager,
		Uploads:     a.Uploads,
		Downloads:   a.Downloads,
		Shares:      a.Shares,
		Credentials: a.Credentials,
		Stats:       a.Stats,
	}, version, server.Timeouts{Chunk: t.Chunk, List: t.List, Share: t.Share, Default: t.Default})
}

// Scheduler registers the stats refresh and the abandoned upload sweep. The
// caller starts and stops it.
func (a *App) Scheduler() (*jobs.Scheduler, error) {
	scheduler := jobs.New()
	err := scheduler.Add(statsJob, a.Config.Stats.Schedule, jobTimeout, func(ctx context.Context) error {
		_, err := a.Stats.RefreshAll(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	err = scheduler.Add(gcJob, a.Config.Upload.GCSchedule, jobTimeout, func(ctx context.Context) error {
		removed, err := a.Uploads.SweepAbandoned(ctx, a.Config.Upload.AbandonTTL)
		if removed > 0 {
			log.Info().Int("objects", removed).Msg("Abandoned uploads removed")
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return scheduler, nil
}

// Close releases the metadata store.
func (a *App) Close() error {
	if err := a.Meta.Close(); err != nil {
		return fmt.Errorf("close metadata store: %w", err)
	}
	return nil
}
