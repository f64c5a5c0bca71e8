// Command harbor-smoke drives a running harbor server through a full object
// lifecycle and reports per-step timings.
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"harbor/pkg/log"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/xid"
)

const (
	defaultServerURL   = "http://127.0.0.1:8080"
	defaultFileSize    = 256 * 1024
	defaultChunkSize   = 64 * 1024
	defaultParallel    = 10
	defaultHTTPTimeout = 2 * time.Minute
	separatorLength    = 72
)

type config struct {
	serverURL string
	username  string
	password  string
	fileSize  int
	chunkSize int
	parallel  int
	timeout   time.Duration
	keep      bool
}

type stepResult struct {
	Name     string
	Duration time.Duration
	Bytes    int64
	Err      error
}

type tester struct {
	cfg     config
	client  *harborClient
	mu      sync.Mutex
	results []stepResult
}

// harborClient talks to the HTTP API with a token obtained at start up.
type harborClient struct {
	baseURL    string
	token      string
	httpClient *retryablehttp.Client
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("request returned %d: %s", e.Status, e.Body)
}

func newHarborClient(baseURL string, timeout time.Duration) *harborClient {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = log.Retryable{}
	client.HTTPClient.Timeout = timeout
	return &harborClient{baseURL: strings.TrimRight(baseURL, "/"), httpClient: client}
}

// do sends a request and returns the body of a 2xx response.
func (c *harborClient) do(ctx context.Context, method, path string, body []byte, header http.Header) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if c.token != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return respBody, &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return respBody, nil
}

func (c *harborClient) doJSON(ctx context.Context, method, path string, body []byte, header http.Header, result any) error {
	respBody, err := c.do(ctx, method, path, body, header)
	if err != nil {
		return err
	}
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

func (c *harborClient) login(ctx context.Context, username, password string) error {
	header := http.Header{}
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(username+":"+password)))

	var out struct {
		Token struct {
			Key string `json:"key"`
		} `json:"token"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/auth-token", nil, header, &out); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	c.token = out.Token.Key
	return nil
}

func main() {
	cfg := parseFlags()
	t := &tester{cfg: cfg, client: newHarborClient(cfg.serverURL, cfg.timeout)}

	if err := t.run(context.Background()); err != nil {
		t.printSummary()
		fmt.Fprintf(os.Stderr, "harbor-smoke failed: %v\n", err)
		os.Exit(1)
	}
	t.printSummary()
	fmt.Println("All steps completed successfully")
}

func parseFlags() config {
	cfg := config{}
	flag.StringVar(&cfg.serverURL, "server", defaultServerURL, "harbor base URL")
	flag.StringVar(&cfg.username, "user", "", "user name")
	flag.StringVar(&cfg.password, "password", "", "password")
	flag.IntVar(&cfg.fileSize, "size", defaultFileSize, "object size in bytes")
	flag.IntVar(&cfg.chunkSize, "chunk", defaultChunkSize, "chunk size in bytes")
	flag.IntVar(&cfg.parallel, "parallel", defaultParallel, "concurrent range downloads")
	flag.DurationVar(&cfg.timeout, "timeout", defaultHTTPTimeout, "per request timeout")
	flag.BoolVar(&cfg.keep, "keep", false, "keep the test bucket")
	flag.Parse()

	if cfg.username == "" || cfg.password == "" {
		fmt.Fprintln(os.Stderr, "-user and -password are required")
		os.Exit(2)
	}
	if cfg.fileSize <= 0 {
		cfg.fileSize = defaultFileSize
	}
	if cfg.chunkSize <= 0 {
		cfg.chunkSize = defaultChunkSize
	}
	if cfg.parallel <= 0 {
		cfg.parallel = 1
	}
	return cfg
}

func (t *tester) step(name string, size int64, fn func() error) error {
	start := time.Now()
	err := fn()
	t.mu.Lock()
	t.results = append(t.results, stepResult{Name: name, Duration: time.Since(start), Bytes: size, Err: err})
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (t *tester) run(ctx context.Context) error {
	if err := t.step("login", 0, func() error {
		return t.client.login(ctx, t.cfg.username, t.cfg.password)
	}); err != nil {
		return err
	}

	bucket := "smoke-" + xid.New().String()
	if err := t.step("create bucket", 0, func() error {
		body, _ := json.Marshal(map[string]string{"name": bucket, "remarks": "harbor-smoke"})
		return t.client.doJSON(ctx, http.MethodPost, "/buckets", body, jsonHeader(), nil)
	}); err != nil {
		return err
	}
	if !t.cfg.keep {
		defer func() {
			if err := t.deleteBucket(context.Background(), bucket); err != nil {
				log.Warn().Err(err).Str("bucket", bucket).Msg("Failed to remove test bucket")
			}
		}()
	}

	data := make([]byte, t.cfg.fileSize)
	if _, err := rand.Read(data); err != nil {
		return fmt.Errorf("generate data: %w", err)
	}
	sum := sha256.Sum256(data)
	objectPath := "/obj/" + bucket + "/smoke/" + url.PathEscape("payload one.bin")

	if err := t.step("chunked upload", int64(len(data)), func() error {
		return t.upload(ctx, objectPath, data, hex.EncodeToString(sum[:]))
	}); err != nil {
		return err
	}
	if err := t.step("full download", int64(len(data)), func() error {
		got, err := t.client.do(ctx, http.MethodGet, objectPath, nil, nil)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, data) {
			return errors.New("downloaded content differs")
		}
		return nil
	}); err != nil {
		return err
	}
	if err := t.step("parallel range downloads", int64(len(data)), func() error {
		return t.rangeDownloads(ctx, objectPath, data)
	}); err != nil {
		return err
	}
	return t.step("share link", 0, func() error {
		return t.shareAndFetch(ctx, bucket, objectPath, data)
	})
}

func (t *tester) upload(ctx context.Context, objectPath string, data []byte, checksum string) error {
	total := len(data)
	for offset := 0; offset < total; offset += t.cfg.chunkSize {
		end := min(offset+t.cfg.chunkSize, total)
		query := url.Values{}
		query.Set("chunk_offset", strconv.Itoa(offset))
		query.Set("chunk_size", strconv.Itoa(end-offset))
		query.Set("total_size", strconv.Itoa(total))
		query.Set("checksum", checksum)

		header := http.Header{}
		header.Set("Content-Type", "application/octet-stream")
		var progress struct {
			NextOffset int64 `json:"next_offset"`
		}
		err := t.client.doJSON(ctx, http.MethodPost, objectPath+"?"+query.Encode(), data[offset:end], header, &progress)
		if err != nil {
			return err
		}
		if end < total && progress.NextOffset != int64(end) {
			return fmt.Errorf("next offset %d, want %d", progress.NextOffset, end)
		}
	}
	return nil
}

func (t *tester) rangeDownloads(ctx context.Context, objectPath string, data []byte) error {
	part := (len(data) + t.cfg.parallel - 1) / t.cfg.parallel
	return runParallel(t.cfg.parallel, func(i int) error {
		start := i * part
		if start >= len(data) {
			return nil
		}
		end := min(start+part, len(data)) - 1
		header := http.Header{}
		header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
		got, err := t.client.do(ctx, http.MethodGet, objectPath, nil, header)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, data[start:end+1]) {
			return fmt.Errorf("range %d-%d differs", start, end)
		}
		return nil
	})
}

func (t *tester) shareAndFetch(ctx context.Context, bucket, objectPath string, data []byte) error {
	var out struct {
		Share struct {
			URI      string `json:"share_uri"`
			Password string `json:"password"`
		} `json:"share"`
	}
	err := t.client.doJSON(ctx, http.MethodPatch, objectPath+"?share=true&days=1&password=true", nil, nil, &out)
	if err != nil {
		return err
	}
	link, err := url.Parse(out.Share.URI)
	if err != nil {
		return fmt.Errorf("parse share url: %w", err)
	}
	query := link.Query()
	query.Set("p", out.Share.Password)

	anonymous := &harborClient{baseURL: t.client.baseURL, httpClient: t.client.httpClient}
	got, err := anonymous.do(ctx, http.MethodGet, link.EscapedPath()+"?"+query.Encode(), nil, nil)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, data) {
		return fmt.Errorf("shared content of %s differs", bucket)
	}
	return nil
}

func (t *tester) deleteBucket(ctx context.Context, bucket string) error {
	_, err := t.client.do(ctx, http.MethodDelete, "/buckets/"+url.PathEscape(bucket), nil, nil)
	return err
}

func (t *tester) printSummary() {
	fmt.Println(strings.Repeat("=", separatorLength))
	fmt.Printf("%-28s %12s %12s %s\n", "STEP", "DURATION", "BYTES", "RESULT")
	fmt.Println(strings.Repeat("-", separatorLength))
	for _, r := range t.results {
		result := "ok"
		if r.Err != nil {
			result = r.Err.Error()
		}
		fmt.Printf("%-28s %12s %12s %s\n", r.Name, r.Duration.Round(time.Millisecond), humanize.IBytes(uint64(r.Bytes)), result)
	}
	fmt.Println(strings.Repeat("=", separatorLength))
}

func jsonHeader() http.Header {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return header
}

func runParallel(count int, fn func(int) error) error {
	var wg sync.WaitGroup
	errs := make(chan error, count)
	for i := range count {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := fn(i); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	return errors.Join(collect(errs)...)
}

func collect(errs <-chan error) []error {
	var out []error
	for err := range errs {
		out = append(out, err)
	}
	return out
}
