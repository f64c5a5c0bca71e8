// Package s3blob keeps blobs in an S3-compatible bucket. Every appended chunk is
// its own segment object named after its starting offset, so appends never
// rewrite earlier bytes.
package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"harbor/pkg/blob"
	"harbor/pkg/log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	offsetDigits    = 20
	deleteBatchSize = 1000
)

// API is the subset of the S3 client the store uses.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Config describes the remote bucket.
type Config struct {
	Endpoint     string
	Region       string
	Bucket       string
	Prefix       string
	AccessKey    string
	SecretKey    string
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	SpoolDir     string
}

// Store is a blob.Store backed by S3 segment objects.
type Store struct {
	api      API
	bucket   string
	prefix   string
	spoolDir string
}

// New builds an S3 client whose transport retries through retryablehttp.
func New(ctx context.Context, cfg Config) (*Store, error) {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		retryClient.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		retryClient.RetryWaitMax = cfg.RetryWaitMax
	}
	retryClient.Logger = log.Retryable{}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(retryClient.StandardClient()),
		config.WithRetryMaxAttempts(1),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 blob store configured")
	return NewWithAPI(client, cfg.Bucket, cfg.Prefix, cfg.SpoolDir), nil
}

// NewWithAPI wraps an existing client.
func NewWithAPI(api API, bucket, prefix, spoolDir string) *Store {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{api: api, bucket: bucket, prefix: prefix, spoolDir: spoolDir}
}

type segment struct {
	key    string
	offset int64
	size   int64
}

func (sg segment) end() int64 {
	return sg.offset + sg.size
}

func (s *Store) blobPrefix(key string) string {
	return s.prefix + key + "/"
}

func (s *Store) segmentKey(key string, offset int64) string {
	return s.blobPrefix(key) + fmt.Sprintf("%0*d", offsetDigits, offset)
}

// segments lists the segments of a blob ordered by offset.
func (s *Store) segments(ctx context.Context, key string) ([]segment, error) {
	prefix := s.blobPrefix(key)
	var (
		out   []segment
		token *string
	)
	for {
		page, err := s.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list segments of %s: %w", key, err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			offset, err := strconv.ParseInt(name, 10, 64)
			if err != nil {
				continue
			}
			out = append(out, segment{key: aws.ToString(obj.Key), offset: offset, size: aws.ToInt64(obj.Size)})
		}
		if !aws.ToBool(page.IsTruncated) {
			break
		}
		token = page.NextContinuationToken
	}
	sort.Slice(out, func(i, j int) bool { return out[i].offset < out[j].offset })
	return out, nil
}

func length(segments []segment) int64 {
	if len(segments) == 0 {
		return 0
	}
	return segments[len(segments)-1].end()
}

func (s *Store) Append(ctx context.Context, key string, offset int64, r io.Reader, size int64) (int64, error) {
	segments, err := s.segments(ctx, key)
	if err != nil {
		return 0, err
	}
	if current := length(segments); current != offset {
		return 0, blob.OffsetError{Key: key, Offset: offset, Expected: current}
	}
	if err := s.put(ctx, s.segmentKey(key, offset), r, size); err != nil {
		return 0, err
	}
	log.Debug().Str("key", key).Int64("offset", offset).Str("size", humanize.IBytes(uint64(size))).Msg("Stored segment")
	return size, nil
}

// put spools the body to a temporary file so the SDK gets a seekable,
// length-known payload.
func (s *Store) put(ctx context.Context, objectKey string, r io.Reader, size int64) error {
	spool, err := os.CreateTemp(s.spoolDir, "segment-*")
	if err != nil {
		return fmt.Errorf("create spool file: %w", err)
	}
	defer func() {
		_ = spool.Close()
		if err := os.Remove(spool.Name()); err != nil {
			log.Warn().Err(err).Str("file", spool.Name()).Msg("Failed to remove spool file")
		}
	}()

	written, err := io.Copy(spool, io.LimitReader(r, size))
	if err != nil {
		return fmt.Errorf("spool segment: %w", err)
	}
	if written != size {
		return blob.ShortWriteError{Key: objectKey, Written: written, Expected: size}
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind spool file: %w", err)
	}

	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey),
		Body:          spool,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("put segment %s: %w", objectKey, err)
	}
	return nil
}

func (s *Store) Open(ctx context.Context, key string, offset, n int64) (io.ReadCloser, error) {
	segments, err := s.segments(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: %s", blob.ErrNotFound, key)
	}
	return &segmentReader{ctx: ctx, store: s, parts: plan(segments, offset, n)}, nil
}

// span is a byte range inside one segment.
type span struct {
	key   string
	start int64
	end   int64 // inclusive
}

// plan maps [offset, offset+n) onto per-segment ranges.
func plan(segments []segment, offset, n int64) []span {
	var spans []span
	stop := offset + n
	for _, sg := range segments {
		if sg.end() <= offset || sg.offset >= stop || sg.size == 0 {
			continue
		}
		from := max(offset, sg.offset) - sg.offset
		to := min(stop, sg.end()) - sg.offset - 1
		spans = append(spans, span{key: sg.key, start: from, end: to})
	}
	return spans
}

func (s *Store) Size(ctx context.Context, key string) (int64, error) {
	segments, err := s.segments(ctx, key)
	if err != nil {
		return 0, err
	}
	return length(segments), nil
}

func (s *Store) Truncate(ctx context.Context, key string, size int64) error {
	segments, err := s.segments(ctx, key)
	if err != nil {
		return err
	}

	var drop []string
	for _, sg := range segments {
		switch {
		case sg.offset >= size:
			drop = append(drop, sg.key)
		case sg.end() > size:
			if err := s.shorten(ctx, sg, size-sg.offset); err != nil {
				return err
			}
		}
	}
	return s.deleteKeys(ctx, drop)
}

// shorten rewrites a segment keeping its first keep bytes.
func (s *Store) shorten(ctx context.Context, sg segment, keep int64) error {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(sg.key),
		Range:  aws.String(fmt.Sprintf("bytes=0-%d", keep-1)),
	})
	if err != nil {
		return fmt.Errorf("read segment %s: %w", sg.key, err)
	}
	defer func() { _ = out.Body.Close() }()
	return s.put(ctx, sg.key, out.Body, keep)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	segments, err := s.segments(ctx, key)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(segments))
	for _, sg := range segments {
		keys = append(keys, sg.key)
	}
	return s.deleteKeys(ctx, keys)
}

func (s *Store) deleteKeys(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += deleteBatchSize {
		batch := keys[start:min(start+deleteBatchSize, len(keys))]
		ids := make([]types.ObjectIdentifier, 0, len(batch))
		for _, k := range batch {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		out, err := s.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete segments: %w", err)
		}
		if out != nil && len(out.Errors) > 0 {
			return fmt.Errorf("delete segment %s: %s", aws.ToString(out.Errors[0].Key), aws.ToString(out.Errors[0].Message))
		}
	}
	return nil
}

// segmentReader fetches one segment range at a time.
type segmentReader struct {
	ctx     context.Context
	store   *Store
	parts   []span
	current io.ReadCloser
}

func (r *segmentReader) Read(p []byte) (int, error) {
	for {
		if r.current == nil {
			if len(r.parts) == 0 {
				return 0, io.EOF
			}
			next := r.parts[0]
			r.parts = r.parts[1:]
			out, err := r.store.api.GetObject(r.ctx, &s3.GetObjectInput{
				Bucket: aws.String(r.store.bucket),
				Key:    aws.String(next.key),
				Range:  aws.String(fmt.Sprintf("bytes=%d-%d", next.start, next.end)),
			})
			if err != nil {
				var missing *types.NoSuchKey
				if errors.As(err, &missing) {
					return 0, fmt.Errorf("%w: %s", blob.ErrNotFound, next.key)
				}
				return 0, fmt.Errorf("read segment %s: %w", next.key, err)
			}
			r.current = out.Body
		}

		n, err := r.current.Read(p)
		if errors.Is(err, io.EOF) {
			_ = r.current.Close()
			r.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *segmentReader) Close() error {
	if r.current != nil {
		return r.current.Close()
	}
	return nil
}
