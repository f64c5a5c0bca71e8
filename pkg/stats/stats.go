// Package stats maintains per-bucket usage snapshots. Snapshots are computed
// on a schedule, so readers see values at most one refresh interval old.
package stats

import (
	"context"
	"time"

	"harbor/pkg/log"
	"harbor/pkg/manager"
	"harbor/pkg/models"

	"github.com/dustin/go-humanize"
)

// BucketStats is the snapshot of one bucket.
type BucketStats struct {
	Bucket string `json:"bucket_name"`
	models.Stats
}

// UserStats sums the snapshots of a user's buckets.
type UserStats struct {
	Space   int64         `json:"space"`
	Count   int64         `json:"count"`
	Buckets []BucketStats `json:"buckets"`
}

// Aggregator computes and serves snapshots.
type Aggregator struct {
	manager *manager.Manager
}

// New creates an Aggregator.
func New(m *manager.Manager) *Aggregator {
	return &Aggregator{manager: m}
}

// Compute counts the complete objects of bucket and stores the snapshot.
func (a *Aggregator) Compute(ctx context.Context, bucket *models.Bucket) (models.Stats, error) {
	meta := a.manager.Meta()
	count, total, err := meta.CountObjects(ctx, bucket.ID)
	if err != nil {
		return models.Stats{}, err
	}
	now := meta.Now()
	snapshot := models.Stats{ObjectCount: count, TotalBytes: total, ComputedAt: &now}
	if err := meta.SaveStats(ctx, bucket.ID, snapshot); err != nil {
		return models.Stats{}, err
	}
	bucket.Stats = snapshot
	log.Debug().Str("bucket", bucket.Name).Int64("objects", count).
		Str("space", humanize.IBytes(uint64(total))).Msg("Bucket stats computed")
	return snapshot, nil
}

// snapshot returns the stored snapshot, computing it once for buckets that
// were never counted.
func (a *Aggregator) snapshot(ctx context.Context, bucket *models.Bucket) (models.Stats, error) {
	if bucket.Stats.ComputedAt != nil {
		return bucket.Stats, nil
	}
	return a.Compute(ctx, bucket)
}

// Snapshot returns the usage snapshot of a bucket owned by caller.
func (a *Aggregator) Snapshot(ctx context.Context, caller, bucketName string) (*BucketStats, error) {
	bucket, err := a.manager.Bucket(ctx, caller, bucketName, manager.AccessOwner)
	if err != nil {
		return nil, err
	}
	snapshot, err := a.snapshot(ctx, bucket)
	if err != nil {
		return nil, err
	}
	return &BucketStats{Bucket: bucket.Name, Stats: snapshot}, nil
}

// UserTotals sums the snapshots of every bucket the user owns.
func (a *Aggregator) UserTotals(ctx context.Context, owner string) (*UserStats, error) {
	buckets, err := a.manager.ListBuckets(ctx, owner)
	if err != nil {
		return nil, err
	}
	totals := &UserStats{Buckets: make([]BucketStats, 0, len(buckets))}
	for i := range buckets {
		snapshot, err := a.snapshot(ctx, &buckets[i])
		if err != nil {
			return nil, err
		}
		totals.Space += snapshot.TotalBytes
		totals.Count += snapshot.ObjectCount
		totals.Buckets = append(totals.Buckets, BucketStats{Bucket: buckets[i].Name, Stats: snapshot})
	}
	return totals, nil
}

// RefreshAll recomputes every bucket and returns how many were refreshed.
// A failing bucket is logged and skipped.
func (a *Aggregator) RefreshAll(ctx context.Context) (int, error) {
	buckets, err := a.manager.Meta().ListBuckets(ctx, "")
	if err != nil {
		return 0, err
	}
	start := time.Now()
	refreshed := 0
	for i := range buckets {
		if err := ctx.Err(); err != nil {
			return refreshed, err
		}
		if _, err := a.Compute(ctx, &buckets[i]); err != nil {
			log.Warn().Err(err).Str("bucket", buckets[i].Name).Msg("Failed to compute bucket stats")
			continue
		}
		refreshed++
	}
	log.Info().Int("buckets", refreshed).Dur("took", time.Since(start)).Msg("Bucket stats refreshed")
	return refreshed, nil
}
