package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/suite"

	"harbor/pkg/apperr"
	"harbor/pkg/blob/disk"
	"harbor/pkg/credentials"
	"harbor/pkg/download"
	"harbor/pkg/manager"
	"harbor/pkg/metadata"
	"harbor/pkg/share"
	"harbor/pkg/stats"
	"harbor/pkg/upload"
)

const (
	testUser     = "alice"
	testPassword = "alice-secret"
)

// ServerTestSuite drives the REST surface against real engines on a
// temporary SQLite database and disk blob store.
type ServerTestSuite struct {
	suite.Suite
	tempDir string
	now     time.Time
	meta    *metadata.Store
	creds   *credentials.Service
	server  *Server
	userID  string
	token   string
	ctx     context.Context
}

func (s *ServerTestSuite) SetupTest() {
	var err error
	s.ctx = context.Background()
	s.now = time.Now().UTC().Truncate(time.Second)
	s.tempDir, err = os.MkdirTemp("", "server-test-*")
	s.Require().NoError(err)

	s.meta, err = metadata.Open(s.ctx, metadata.DriverSQLite, filepath.Join(s.tempDir, "meta.db"),
		metadata.WithClock(func() time.Time { return s.now }))
	s.Require().NoError(err)
	blobs, err := disk.New(filepath.Join(s.tempDir, "blobs"))
	s.Require().NoError(err)

	m := manager.New(s.meta, blobs, nil, manager.Options{DefaultListLimit: 2, MaxListLimit: 3})
	s.creds = credentials.New(m, credentials.Options{JWTSecret: []byte("test-jwt-secret")})
	s.server = New(Deps{
		Manager:     m,
		Uploads:     upload.New(m, upload.Options{MaxSize: 1 << 20, MaxChunk: 1 << 10}),
		Downloads:   download.New(m),
		Shares:      share.New(m, "https://files.example.com"),
		Credentials: s.creds,
		Stats:       stats.New(m),
	}, "test-v1.0.0", Timeouts{})

	user, err := s.creds.CreateUser(s.ctx, testUser, testPassword)
	s.Require().NoError(err)
	s.userID = user.ID
	token, err := s.creds.Token(s.ctx, user.ID)
	s.Require().NoError(err)
	s.token = token.Key
}

func (s *ServerTestSuite) TearDownTest() {
	s.meta.Close()
	os.RemoveAll(s.tempDir)
}

func withToken(token string) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set(echo.HeaderAuthorization, "Token "+token)
	}
}

func withHeader(name, value string) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set(name, value)
	}
}

func (s *ServerTestSuite) do(method, target string, body io.Reader, opts ...func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	s.server.ServeHTTP(rec, req)
	return rec
}

// authed performs a request as the test user.
func (s *ServerTestSuite) authed(method, target string, body io.Reader, opts ...func(*http.Request)) *httptest.ResponseRecorder {
	return s.do(method, target, body, append([]func(*http.Request){withToken(s.token)}, opts...)...)
}

func (s *ServerTestSuite) decode(rec *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func (s *ServerTestSuite) requireError(rec *httptest.ResponseRecorder, kind *apperr.Error) {
	s.Require().Equal(kind.Status, rec.Code, "body: %s", rec.Body.String())
	s.Equal(kind.Code, s.decode(rec)["code"])
}

func (s *ServerTestSuite) createBucket(name string) {
	rec := s.authed(http.MethodPost, "/buckets", strings.NewReader(`{"name":"`+name+`"}`),
		withHeader(echo.HeaderContentType, echo.MIMEApplicationJSON))
	s.Require().Equal(http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
}

func (s *ServerTestSuite) put(target, content string) *httptest.ResponseRecorder {
	return s.authed(http.MethodPut, target, strings.NewReader(content))
}

func (s *ServerTestSuite) TestHealth() {
	rec := s.do(http.MethodGet, "/health", nil)
	s.Equal(http.StatusOK, rec.Code)
	body := s.decode(rec)
	s.Equal("ok", body["status"])
	s.Equal("test-v1.0.0", body["version"])
}

func (s *ServerTestSuite) TestUnknownRoute() {
	rec := s.do(http.MethodGet, "/nowhere", nil)
	s.requireError(rec, apperr.ErrNotFound)
}

func (s *ServerTestSuite) TestBucketLifecycle() {
	rec := s.do(http.MethodPost, "/buckets", strings.NewReader(`{"name":"demo"}`),
		withHeader(echo.HeaderContentType, echo.MIMEApplicationJSON))
	s.requireError(rec, apperr.ErrUnauthorized)

	s.createBucket("demo")

	rec = s.authed(http.MethodPost, "/buckets", strings.NewReader(`{"name":"DEMO"}`),
		withHeader(echo.HeaderContentType, echo.MIMEApplicationJSON))
	s.requireError(rec, apperr.ErrNameTaken)

	rec = s.authed(http.MethodPost, "/buckets", strings.NewReader(`{"name":"-x"}`),
		withHeader(echo.HeaderContentType, echo.MIMEApplicationJSON))
	s.requireError(rec, apperr.ErrInvalidName)

	rec = s.authed(http.MethodGet, "/buckets", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal(float64(1), s.decode(rec)["count"])

	rec = s.authed(http.MethodGet, "/buckets/demo/", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	bucket := s.decode(rec)["bucket"].(map[string]any)
	s.Equal("demo", bucket["name"])
	s.Equal("private", bucket["access_permission"])

	rec = s.authed(http.MethodPatch, "/buckets/demo?public=public-read&remarks=hello", nil)
	s.Require().Equal(http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	bucket = s.decode(rec)["bucket"].(map[string]any)
	s.Equal("public-read", bucket["access_permission"])
	s.Equal("hello", bucket["remarks"])

	rec = s.authed(http.MethodPatch, "/buckets/demo?public=everyone", nil)
	s.requireError(rec, apperr.ErrInvalidArgument)
}

func (s *ServerTestSuite) TestBulkDelete() {
	s.createBucket("first")
	s.createBucket("second")

	rec := s.authed(http.MethodDelete, "/buckets/first?ids=999", nil)
	s.Require().Equal(http.StatusMultiStatus, rec.Code, "body: %s", rec.Body.String())
	results := s.decode(rec)["results"].([]any)
	s.Require().Len(results, 2)
	s.Equal(true, results[0].(map[string]any)["deleted"])
	s.Equal(apperr.ErrNoSuchBucket.Code, results[1].(map[string]any)["code"])

	rec = s.authed(http.MethodDelete, "/buckets/second", nil)
	s.Equal(http.StatusNoContent, rec.Code)

	rec = s.authed(http.MethodDelete, "/buckets/second", nil)
	s.requireError(rec, apperr.ErrNoSuchBucket)
}

func (s *ServerTestSuite) TestChunkedUploadAndRangeDownload() {
	s.createBucket("demo")

	rec := s.authed(http.MethodPost, "/obj/demo/data.txt?chunk_offset=0&total_size=10", strings.NewReader("01234"))
	s.Require().Equal(http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	s.Equal(float64(5), s.decode(rec)["next_offset"])

	rec = s.authed(http.MethodPost, "/obj/demo/data.txt?chunk_offset=3", strings.NewReader("34567"))
	s.requireError(rec, apperr.ErrOffsetMismatch)

	rec = s.authed(http.MethodGet, "/obj/demo/data.txt", nil)
	s.requireError(rec, apperr.ErrUploadInProgress)

	rec = s.authed(http.MethodPost, "/obj/demo/data.txt?chunk_offset=5", strings.NewReader("56789"))
	s.Require().Equal(http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	body := s.decode(rec)
	s.Equal(float64(upload.Complete), body["next_offset"])
	s.Equal("complete", body["object"].(map[string]any)["upload_state"])

	rec = s.authed(http.MethodGet, "/obj/demo/data.txt", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal("0123456789", rec.Body.String())
	s.Equal("bytes", rec.Header().Get(headerAcceptRange))
	s.Equal("10", rec.Header().Get(echo.HeaderContentLength))
	s.Equal("text/plain; charset=utf-8", rec.Header().Get(echo.HeaderContentType))

	rec = s.authed(http.MethodGet, "/obj/demo/data.txt", nil, withHeader(headerRange, "bytes=2-4"))
	s.Require().Equal(http.StatusPartialContent, rec.Code)
	s.Equal("234", rec.Body.String())
	s.Equal("bytes 2-4/10", rec.Header().Get(headerContentRng))

	rec = s.authed(http.MethodGet, "/obj/demo/data.txt", nil, withHeader(headerRange, "bytes=20-"))
	s.requireError(rec, apperr.ErrRangeNotSatisfiable)

	rec = s.authed(http.MethodGet, "/obj/demo/data.txt?info=true", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal(float64(1), s.decode(rec)["object"].(map[string]any)["download_count"])
}

func (s *ServerTestSuite) TestMultipartChunk() {
	s.createBucket("demo")

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	s.Require().NoError(writer.WriteField("chunk_offset", "0"))
	s.Require().NoError(writer.WriteField("total_size", "4"))
	part, err := writer.CreateFormFile(chunkField, "blob")
	s.Require().NoError(err)
	_, err = part.Write([]byte("abcd"))
	s.Require().NoError(err)
	s.Require().NoError(writer.Close())

	rec := s.authed(http.MethodPost, "/obj/demo/m.bin", &buf,
		withHeader(echo.HeaderContentType, writer.FormDataContentType()))
	s.Require().Equal(http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	s.Equal(float64(upload.Complete), s.decode(rec)["next_offset"])

	rec = s.authed(http.MethodGet, "/obj/demo/m.bin", nil)
	s.Equal("abcd", rec.Body.String())
}

func (s *ServerTestSuite) TestChunkTooLarge() {
	s.createBucket("demo")
	rec := s.authed(http.MethodPost, "/obj/demo/big.bin?total_size=4096",
		strings.NewReader(strings.Repeat("x", 2048)))
	s.requireError(rec, apperr.ErrFileTooLarge)
}

func (s *ServerTestSuite) TestPutOverwriteAndInfo() {
	s.createBucket("demo")
	rec := s.authed(http.MethodPut, "/dir/demo/docs", nil)
	s.Require().Equal(http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	rec = s.put("/obj/demo/docs/notes.txt", "first")
	s.Require().Equal(http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	rec = s.put("/obj/demo/docs/notes.txt", "second")
	s.requireError(rec, apperr.ErrAlreadyExists)

	rec = s.put("/obj/demo/docs/notes.txt?overwrite=true", "second")
	s.Require().Equal(http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	rec = s.authed(http.MethodGet, "/obj/demo/docs/notes.txt?info=true", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	body := s.decode(rec)
	obj := body["object"].(map[string]any)
	s.Equal(float64(6), obj["size"])
	s.Equal("docs/notes.txt", obj["path"])
	s.Len(body["breadcrumb"], 1)

	rec = s.put("/obj/demo/missing/notes.txt", "x")
	s.requireError(rec, apperr.ErrNoSuchDirectory)

	rec = s.put("/obj/demo/empty.txt", "")
	s.requireError(rec, apperr.ErrEmptyFile)
}

func (s *ServerTestSuite) TestEscapedNames() {
	s.createBucket("demo")
	rec := s.put("/obj/demo/with%20space%25.txt", "abc")
	s.Require().Equal(http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	s.Equal("with space%.txt", s.decode(rec)["object"].(map[string]any)["name"])

	rec = s.authed(http.MethodGet, "/obj/demo/with%20space%25.txt", nil)
	s.Equal("abc", rec.Body.String())
}

func (s *ServerTestSuite) TestListingPagination() {
	s.createBucket("demo")
	s.Require().Equal(http.StatusCreated, s.authed(http.MethodPost, "/dir/demo/sub", nil).Code)
	for _, name := range []string{"a.txt", "b.txt"} {
		s.Require().Equal(http.StatusCreated, s.put("/obj/demo/"+name, "x").Code)
	}

	rec := s.authed(http.MethodGet, "/dir/demo/", nil)
	s.Require().Equal(http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	body := s.decode(rec)
	s.Equal(float64(3), body["count"])
	files := body["files"].([]any)
	s.Require().Len(files, 2)
	s.Equal("sub", files[0].(map[string]any)["name"])
	s.Empty(body["previous"])

	next, err := url.Parse(body["next"].(string))
	s.Require().NoError(err)
	s.Equal("2", next.Query().Get("offset"))

	rec = s.authed(http.MethodGet, next.RequestURI(), nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	body = s.decode(rec)
	s.Len(body["files"], 1)
	s.NotEmpty(body["previous"])
	s.Empty(body["next"])

	rec = s.authed(http.MethodGet, "/dir/demo/sub", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Len(s.decode(rec)["breadcrumb"], 1)

	rec = s.do(http.MethodGet, "/dir/demo", nil)
	s.requireError(rec, apperr.ErrUnauthorized)
}

func (s *ServerTestSuite) TestDeleteDirRecursive() {
	s.createBucket("demo")
	s.Require().Equal(http.StatusCreated, s.authed(http.MethodPost, "/dir/demo/tree", nil).Code)
	s.Require().Equal(http.StatusCreated, s.put("/obj/demo/tree/leaf.txt", "x").Code)

	rec := s.authed(http.MethodDelete, "/dir/demo/tree", nil)
	s.Equal(http.StatusNoContent, rec.Code)

	rec = s.authed(http.MethodGet, "/obj/demo/tree/leaf.txt", nil)
	s.requireError(rec, apperr.ErrNoSuchKey)
}

func (s *ServerTestSuite) TestMoveAndDelete() {
	s.createBucket("demo")
	s.Require().Equal(http.StatusCreated, s.authed(http.MethodPost, "/dir/demo/archive", nil).Code)
	s.Require().Equal(http.StatusCreated, s.put("/obj/demo/a.txt", "content").Code)

	rec := s.authed(http.MethodPost, "/move/demo/a.txt?rename=b.txt&move_to=archive", nil)
	s.Require().Equal(http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	s.Equal("archive/b.txt", s.decode(rec)["object"].(map[string]any)["path"])

	rec = s.authed(http.MethodPost, "/move/demo/archive/b.txt", nil)
	s.requireError(rec, apperr.ErrInvalidArgument)

	rec = s.authed(http.MethodDelete, "/obj/demo/archive/b.txt", nil)
	s.Equal(http.StatusNoContent, rec.Code)

	rec = s.authed(http.MethodGet, "/obj/demo/archive/b.txt", nil)
	s.requireError(rec, apperr.ErrNoSuchKey)
}

func (s *ServerTestSuite) TestObjectShare() {
	s.createBucket("demo")
	s.Require().Equal(http.StatusCreated, s.put("/obj/demo/report.txt", "quarterly").Code)

	rec := s.do(http.MethodGet, "/share/demo/report.txt", nil)
	s.requireError(rec, apperr.ErrNotShared)

	rec = s.authed(http.MethodPatch, "/obj/demo/report.txt?share=true&days=1&password=true", nil)
	s.Require().Equal(http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	result := s.decode(rec)["share"].(map[string]any)
	uri, err := url.Parse(result["share_uri"].(string))
	s.Require().NoError(err)
	s.Equal("/share/demo/report.txt", uri.Path)
	password := result["password"].(string)
	code := uri.Query().Get("c")

	rec = s.do(http.MethodGet, "/share/demo/report.txt?c="+code, nil)
	s.requireError(rec, apperr.ErrWrongPassword)

	rec = s.do(http.MethodGet, "/share/demo/report.txt?c="+code+"&p="+password, nil)
	s.Require().Equal(http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	s.Equal("quarterly", rec.Body.String())

	rec = s.authed(http.MethodGet, "/share-uri/demo/report.txt", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	info := s.decode(rec)
	s.Equal(true, info["active"])
	s.Equal(true, info["has_password"])

	s.now = s.now.Add(25 * time.Hour)
	rec = s.do(http.MethodGet, "/share/demo/report.txt?c="+code+"&p="+password, nil)
	s.requireError(rec, apperr.ErrExpired)

	rec = s.authed(http.MethodPatch, "/obj/demo/report.txt?share=false", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	rec = s.do(http.MethodGet, "/share/demo/report.txt?c="+code+"&p="+password, nil)
	s.requireError(rec, apperr.ErrNotShared)

	rec = s.authed(http.MethodPatch, "/dir/demo/report.txt?share=true", nil)
	s.requireError(rec, apperr.ErrNoSuchDirectory)
}

func (s *ServerTestSuite) TestDirectoryShareListing() {
	s.createBucket("demo")
	s.Require().Equal(http.StatusCreated, s.authed(http.MethodPost, "/dir/demo/pub", nil).Code)
	s.Require().Equal(http.StatusCreated, s.put("/obj/demo/pub/one.txt", "1").Code)

	rec := s.authed(http.MethodPatch, "/dir/demo/pub?share=true", nil)
	s.Require().Equal(http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	uri, err := url.Parse(s.decode(rec)["share"].(map[string]any)["share_uri"].(string))
	s.Require().NoError(err)
	code := uri.Query().Get("c")

	rec = s.do(http.MethodGet, "/share/demo/pub?c="+code, nil)
	s.Require().Equal(http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	files := s.decode(rec)["files"].([]any)
	s.Require().Len(files, 1)
	s.Equal("one.txt", files[0].(map[string]any)["name"])

	rec = s.do(http.MethodGet, "/share/demo/pub/one.txt?c="+code, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal("1", rec.Body.String())
}

func (s *ServerTestSuite) TestPublicReadWriteBucket() {
	s.createBucket("drop")
	s.Require().Equal(http.StatusOK, s.authed(http.MethodPatch, "/buckets/drop?public=public-read-write", nil).Code)

	rec := s.do(http.MethodPut, "/obj/drop/anon.txt", strings.NewReader("hi"))
	s.Require().Equal(http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	rec = s.do(http.MethodGet, "/obj/drop/anon.txt", nil)
	s.Equal("hi", rec.Body.String())

	rec = s.do(http.MethodDelete, "/obj/drop/anon.txt", nil)
	s.requireError(rec, apperr.ErrUnauthorized)
}

func (s *ServerTestSuite) TestEncodedSlashInName() {
	s.createBucket("demo")
	rec := s.put("/obj/demo/a%2Fb.txt", "abc")
	s.requireError(rec, apperr.ErrInvalidName)

	rec = s.authed(http.MethodPost, "/dir/demo/x%2Fy", nil)
	s.requireError(rec, apperr.ErrInvalidName)

	rec = s.authed(http.MethodGet, "/dir/demo", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal(float64(0), s.decode(rec)["count"])
}

// TestScenario walks one object through its whole life: chunked upload,
// rename, share, expiry and removal with its bucket.
func (s *ServerTestSuite) TestScenario() {
	const (
		chunkSize = 200
		chunks    = 5
		total     = chunkSize * chunks
	)
	s.createBucket("demo")
	rec := s.authed(http.MethodPost, "/dir/demo/docs", nil)
	s.Require().Equal(http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	var content bytes.Buffer
	for i := range chunks {
		chunk := strings.Repeat(strconv.Itoa(i), chunkSize)
		content.WriteString(chunk)
		offset := i * chunkSize
		target := "/obj/demo/docs/readme.txt?chunk_offset=" + strconv.Itoa(offset) + "&total_size=" + strconv.Itoa(total)
		rec = s.authed(http.MethodPost, target, strings.NewReader(chunk))
		s.Require().Equal(http.StatusOK, rec.Code, "chunk at %d: %s", offset, rec.Body.String())

		body := s.decode(rec)
		if i < chunks-1 {
			s.Equal(float64(offset+chunkSize), body["next_offset"])
			continue
		}
		s.Equal(float64(upload.Complete), body["next_offset"])
		obj := body["object"].(map[string]any)
		s.Equal("complete", obj["upload_state"])
		s.Equal(float64(total), obj["size"])
	}

	rec = s.authed(http.MethodPost, "/move/demo/docs/readme.txt?rename=readme2.txt", nil)
	s.Require().Equal(http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	s.Equal("docs/readme2.txt", s.decode(rec)["object"].(map[string]any)["path"])

	rec = s.authed(http.MethodGet, "/obj/demo/docs/readme.txt", nil)
	s.requireError(rec, apperr.ErrNoSuchKey)
	s.True(errors.Is(apperr.ErrNoSuchKey, apperr.ErrNotFound))

	rec = s.authed(http.MethodGet, "/obj/demo/docs/readme2.txt", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal(content.String(), rec.Body.String())

	rec = s.authed(http.MethodPatch, "/obj/demo/docs/readme2.txt?share=true&days=7", nil)
	s.Require().Equal(http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	uri, err := url.Parse(s.decode(rec)["share"].(map[string]any)["share_uri"].(string))
	s.Require().NoError(err)
	link := uri.RequestURI()

	rec = s.do(http.MethodGet, link, nil)
	s.Require().Equal(http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	s.Equal(content.String(), rec.Body.String())

	s.now = s.now.Add(8 * 24 * time.Hour)
	rec = s.do(http.MethodGet, link, nil)
	s.requireError(rec, apperr.ErrExpired)

	rec = s.authed(http.MethodDelete, "/buckets/demo", nil)
	s.Require().Equal(http.StatusNoContent, rec.Code, "body: %s", rec.Body.String())

	rec = s.authed(http.MethodGet, "/dir/demo/docs", nil)
	s.requireError(rec, apperr.ErrNoSuchBucket)
	rec = s.do(http.MethodGet, link, nil)
	s.requireError(rec, apperr.ErrNoSuchBucket)
}

func (s *ServerTestSuite) TestStats() {
	s.createBucket("demo")
	s.Require().Equal(http.StatusCreated, s.put("/obj/demo/a.txt", "12345").Code)

	rec := s.authed(http.MethodGet, "/stats/bucket/demo", nil)
	s.Require().Equal(http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	body := s.decode(rec)
	s.Equal("demo", body["bucket_name"])
	s.Equal(float64(1), body["count"])
	s.Equal(float64(5), body["space"])

	rec = s.authed(http.MethodGet, "/stats/user", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal(float64(5), s.decode(rec)["space"])
}

func (s *ServerTestSuite) TestFTP() {
	s.createBucket("demo")

	rec := s.authed(http.MethodPatch, "/ftp/demo?enable=true&password=rw-secret&ro_password=ro-secret", nil)
	s.Require().Equal(http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	s.Equal(true, s.decode(rec)["ftp"].(map[string]any)["enable"])

	rec = s.authed(http.MethodPatch, "/ftp/demo?password=123", nil)
	s.requireError(rec, apperr.ErrPasswordTooShort)

	login := func(password string) *httptest.ResponseRecorder {
		return s.do(http.MethodPost, "/ftp/demo/login", strings.NewReader(`{"password":"`+password+`"}`),
			withHeader(echo.HeaderContentType, echo.MIMEApplicationJSON))
	}
	rec = login("ro-secret")
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal("read-only", s.decode(rec)["access"])
	s.requireError(login("wrong-one"), apperr.ErrWrongPassword)
}

func (s *ServerTestSuite) TestTokenAndJWT() {
	basic := func(req *http.Request) { req.SetBasicAuth(testUser, testPassword) }

	rec := s.do(http.MethodGet, "/auth-token", nil, basic)
	s.Require().Equal(http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	s.Equal(s.token, s.decode(rec)["token"].(map[string]any)["key"])

	rec = s.do(http.MethodGet, "/buckets", nil, basic)
	s.requireError(rec, apperr.ErrUnauthorized)

	rec = s.do(http.MethodGet, "/auth-token", nil, func(req *http.Request) { req.SetBasicAuth(testUser, "wrong-pass") })
	s.requireError(rec, apperr.ErrUnauthorized)

	rec = s.authed(http.MethodPut, "/auth-token", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	refreshed := s.decode(rec)["token"].(map[string]any)["key"].(string)
	s.NotEqual(s.token, refreshed)
	s.requireError(s.authed(http.MethodGet, "/buckets", nil), apperr.ErrUnauthorized)
	s.token = refreshed

	rec = s.do(http.MethodPost, "/jwt", nil, basic)
	s.Require().Equal(http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	jwtToken := s.decode(rec)["access"].(string)

	rec = s.do(http.MethodGet, "/buckets", nil, withHeader(echo.HeaderAuthorization, "Bearer "+jwtToken))
	s.Equal(http.StatusOK, rec.Code)

	rec = s.do(http.MethodPost, "/jwt/verify", strings.NewReader(`{"token":"`+jwtToken+`"}`),
		withHeader(echo.HeaderContentType, echo.MIMEApplicationJSON))
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal(s.userID, s.decode(rec)["user_id"])

	rec = s.do(http.MethodPost, "/jwt/verify", strings.NewReader(`{"token":"garbage"}`),
		withHeader(echo.HeaderContentType, echo.MIMEApplicationJSON))
	s.requireError(rec, apperr.ErrUnauthorized)
}

func (s *ServerTestSuite) TestAccessKeySignature() {
	rec := s.authed(http.MethodPost, "/auth-key", nil)
	s.Require().Equal(http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	key := s.decode(rec)["key"].(map[string]any)
	accessKey, secret := key["access_key"].(string), key["secret_key"].(string)

	credential, err := credentials.Sign(accessKey, secret, "/buckets", s.now.Add(time.Minute))
	s.Require().NoError(err)
	rec = s.do(http.MethodGet, "/buckets", nil, withHeader(echo.HeaderAuthorization, "HarborKey "+credential))
	s.Equal(http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	rec = s.do(http.MethodGet, "/stats/user", nil, withHeader(echo.HeaderAuthorization, "HarborKey "+credential))
	s.requireError(rec, apperr.ErrUnauthorized)

	rec = s.authed(http.MethodPatch, "/auth-key/"+accessKey+"?active=false", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal(false, s.decode(rec)["key"].(map[string]any)["state"])

	rec = s.do(http.MethodGet, "/buckets", nil, withHeader(echo.HeaderAuthorization, "HarborKey "+credential))
	s.requireError(rec, apperr.ErrUnauthorized)

	rec = s.authed(http.MethodGet, "/auth-key", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Len(s.decode(rec)["keys"], 1)

	rec = s.authed(http.MethodDelete, "/auth-key/"+accessKey, nil)
	s.Equal(http.StatusNoContent, rec.Code)

	rec = s.do(http.MethodGet, "/buckets", nil, withHeader(echo.HeaderAuthorization, "Magic abc"))
	s.requireError(rec, apperr.ErrUnauthorized)
}

func (s *ServerTestSuite) TestTimeoutMiddleware() {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := e.NewContext(req, httptest.NewRecorder())

	var deadline time.Time
	handler := withTimeout(time.Minute)(func(ctx echo.Context) error {
		var ok bool
		deadline, ok = ctx.Request().Context().Deadline()
		s.True(ok)
		return nil
	})
	s.Require().NoError(handler(ctx))
	s.WithinDuration(time.Now().Add(time.Minute), deadline, 5*time.Second)

	status, body := bodyOf(context.DeadlineExceeded)
	s.Equal(http.StatusGatewayTimeout, status)
	s.Equal(apperr.ErrTimeout.Code, body.Code)
}

func (s *ServerTestSuite) TestInternalErrorsHideDetail() {
	status, body := bodyOf(errors.New("disk on fire"))
	s.Equal(http.StatusInternalServerError, status)
	s.Equal(apperr.ErrInternal.Code, body.Code)
	s.NotContains(body.CodeText, "fire")

	status, body = bodyOf(apperr.Wrap(apperr.ErrNoSuchKey, "%q", "x"))
	s.Equal(http.StatusNotFound, status)
	s.Equal("NoSuchKey", body.Code)
	s.Contains(body.CodeText, strconv.Quote("x"))
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}
