package metadata

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"harbor/pkg/apperr"
	"harbor/pkg/models"
)

// StoreTestSuite tests the metadata Store against a temporary SQLite file.
type StoreTestSuite struct {
	suite.Suite
	tempDir string
	store   *Store
	ctx     context.Context
	now     time.Time
	owner   *models.User
}

func (s *StoreTestSuite) SetupTest() {
	var err error
	s.tempDir, err = os.MkdirTemp("", "metadata-store-test-*")
	s.Require().NoError(err)

	s.ctx = context.Background()
	s.now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.store, err = Open(s.ctx, DriverSQLite, filepath.Join(s.tempDir, "harbor.db"),
		WithClock(func() time.Time { return s.now }))
	s.Require().NoError(err)

	s.owner = &models.User{ID: "user-1", Username: "alice", PasswordHash: "x"}
	s.Require().NoError(s.store.CreateUser(s.ctx, s.owner))
}

func (s *StoreTestSuite) TearDownTest() {
	if s.store != nil {
		s.store.Close()
	}
	os.RemoveAll(s.tempDir)
}

func (s *StoreTestSuite) bucket(name string) *models.Bucket {
	bucket, err := s.store.CreateBucket(s.ctx, name, s.owner.ID, "")
	s.Require().NoError(err)
	return bucket
}

func (s *StoreTestSuite) object(bucketID int64, dir, name string, declared int64) *models.Entry {
	entry := &models.Entry{BucketID: bucketID, DirPath: dir, Name: name, DeclaredSize: declared, StorageKey: name + "-key"}
	s.Require().NoError(s.store.CreateObject(s.ctx, entry))
	return entry
}

func (s *StoreTestSuite) TestOpenUnsupportedDriver() {
	_, err := Open(s.ctx, "mysql", "whatever")
	s.ErrorIs(err, apperr.ErrInvalidArgument)
}

func (s *StoreTestSuite) TestRebind() {
	pg := New(nil, DriverPostgres)
	s.Equal("SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))
	s.Equal("a = ?", s.store.rebind("a = ?"))
}

func (s *StoreTestSuite) TestCreateBucketNameTakenIgnoresCase() {
	created := s.bucket("Photos")
	s.NotZero(created.ID)
	s.Equal(models.PermissionPrivate, created.AccessPermission)

	_, err := s.store.CreateBucket(s.ctx, "photos", s.owner.ID, "")
	s.ErrorIs(err, apperr.ErrNameTaken)

	found, err := s.store.GetBucket(s.ctx, "PHOTOS")
	s.Require().NoError(err)
	s.Equal("Photos", found.Name)
	s.Equal(s.owner.ID, found.OwnerID)
}

func (s *StoreTestSuite) TestCreateBucketInvalidName() {
	_, err := s.store.CreateBucket(s.ctx, "a_b", s.owner.ID, "")
	s.ErrorIs(err, apperr.ErrInvalidName)
}

func (s *StoreTestSuite) TestGetBucketMissing() {
	_, err := s.store.GetBucket(s.ctx, "nothing")
	s.ErrorIs(err, apperr.ErrNoSuchBucket)
	s.ErrorIs(err, apperr.ErrNotFound)

	_, err = s.store.GetBucketByID(s.ctx, 42)
	s.ErrorIs(err, apperr.ErrNoSuchBucket)
}

func (s *StoreTestSuite) TestBucketSettings() {
	bucket := s.bucket("settings")

	s.Require().NoError(s.store.SetBucketPermission(s.ctx, bucket.ID, models.PermissionPublicRead))
	s.Require().NoError(s.store.SetBucketRemarks(s.ctx, bucket.ID, "holiday pictures"))
	s.Require().NoError(s.store.SetFTP(s.ctx, bucket.ID, models.FTPConfig{Enabled: true, Password: "secret1", ROPassword: "secret2"}))

	stamp := s.now
	s.Require().NoError(s.store.SaveStats(s.ctx, bucket.ID, models.Stats{ObjectCount: 3, TotalBytes: 30, ComputedAt: &stamp}))

	got, err := s.store.GetBucketByID(s.ctx, bucket.ID)
	s.Require().NoError(err)
	s.Equal(models.PermissionPublicRead, got.AccessPermission)
	s.Equal("holiday pictures", got.Remarks)
	s.Equal(models.FTPConfig{Enabled: true, Password: "secret1", ROPassword: "secret2"}, got.FTP)
	s.Equal(int64(3), got.Stats.ObjectCount)
	s.Equal(int64(30), got.Stats.TotalBytes)
	s.Require().NotNil(got.Stats.ComputedAt)
	s.True(stamp.Equal(*got.Stats.ComputedAt))

	s.ErrorIs(s.store.SetBucketRemarks(s.ctx, 9999, "x"), apperr.ErrNoSuchBucket)
}

func (s *StoreTestSuite) TestListBuckets() {
	s.bucket("bravo")
	s.bucket("Alpha")

	other := &models.User{ID: "user-2", Username: "bob", PasswordHash: "x"}
	s.Require().NoError(s.store.CreateUser(s.ctx, other))
	_, err := s.store.CreateBucket(s.ctx, "charlie", other.ID, "")
	s.Require().NoError(err)

	own, err := s.store.ListBuckets(s.ctx, s.owner.ID)
	s.Require().NoError(err)
	s.Require().Len(own, 2)
	s.Equal("Alpha", own[0].Name)
	s.Equal("bravo", own[1].Name)

	all, err := s.store.ListBuckets(s.ctx, "")
	s.Require().NoError(err)
	s.Len(all, 3)
}

func (s *StoreTestSuite) TestCreateDir() {
	bucket := s.bucket("dirs")

	dir, err := s.store.CreateDir(s.ctx, bucket.ID, "", "docs")
	s.Require().NoError(err)
	s.Equal("docs", dir.Path)
	s.True(dir.IsDir)

	_, err = s.store.CreateDir(s.ctx, bucket.ID, "", "docs")
	s.ErrorIs(err, apperr.ErrAlreadyExists)

	sub, err := s.store.CreateDir(s.ctx, bucket.ID, "docs", "2024")
	s.Require().NoError(err)
	s.Equal("docs/2024", sub.Path)

	_, err = s.store.CreateDir(s.ctx, bucket.ID, "missing", "x")
	s.ErrorIs(err, apperr.ErrNoSuchDirectory)
}

func (s *StoreTestSuite) TestDirAndObjectPathsCannotCollide() {
	bucket := s.bucket("collide")
	s.object(bucket.ID, "", "report", 10)

	_, err := s.store.CreateDir(s.ctx, bucket.ID, "", "report")
	s.ErrorIs(err, apperr.ErrAlreadyExists)

	_, err = s.store.CreateDir(s.ctx, bucket.ID, "report", "x")
	s.ErrorIs(err, apperr.ErrNoSuchDirectory)

	_, err = s.store.GetDir(s.ctx, bucket.ID, "report")
	s.ErrorIs(err, apperr.ErrNoSuchDirectory)
}

func (s *StoreTestSuite) TestListDirOrderingAndPaging() {
	bucket := s.bucket("listing")
	s.object(bucket.ID, "", "b.txt", 1)
	s.object(bucket.ID, "", "a.txt", 1)
	_, err := s.store.CreateDir(s.ctx, bucket.ID, "", "zeta")
	s.Require().NoError(err)
	_, err = s.store.CreateDir(s.ctx, bucket.ID, "", "alpha")
	s.Require().NoError(err)
	s.object(bucket.ID, "alpha", "nested.txt", 1)

	entries, total, err := s.store.ListDir(s.ctx, bucket.ID, "", 0, 10)
	s.Require().NoError(err)
	s.Equal(int64(4), total)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	s.Equal([]string{"alpha", "zeta", "a.txt", "b.txt"}, names)

	page, total, err := s.store.ListDir(s.ctx, bucket.ID, "", 1, 2)
	s.Require().NoError(err)
	s.Equal(int64(4), total)
	s.Require().Len(page, 2)
	s.Equal("zeta", page[0].Name)
	s.Equal("a.txt", page[1].Name)
}

func (s *StoreTestSuite) TestDeleteTree() {
	bucket := s.bucket("tree")
	_, err := s.store.CreateDir(s.ctx, bucket.ID, "", "a")
	s.Require().NoError(err)
	_, err = s.store.CreateDir(s.ctx, bucket.ID, "a", "b")
	s.Require().NoError(err)
	s.object(bucket.ID, "a", "one", 1)
	s.object(bucket.ID, "a/b", "two", 1)
	s.object(bucket.ID, "", "ab", 1)

	keys, err := s.store.DeleteTree(s.ctx, bucket.ID, "a")
	s.Require().NoError(err)
	s.ElementsMatch([]string{"one-key", "two-key"}, keys)

	_, err = s.store.GetEntry(s.ctx, bucket.ID, "a/b/two")
	s.ErrorIs(err, apperr.ErrNotFound)

	// A sibling sharing the name prefix survives.
	_, err = s.store.GetObject(s.ctx, bucket.ID, "ab")
	s.NoError(err)

	_, err = s.store.DeleteTree(s.ctx, bucket.ID, "a")
	s.ErrorIs(err, apperr.ErrNotFound)
}

func (s *StoreTestSuite) TestDeleteBucketCascades() {
	bucket := s.bucket("cascade")
	s.object(bucket.ID, "", "file", 1)

	keys, err := s.store.DeleteBucket(s.ctx, bucket.ID)
	s.Require().NoError(err)
	s.Equal([]string{"file-key"}, keys)

	_, err = s.store.GetBucketByID(s.ctx, bucket.ID)
	s.ErrorIs(err, apperr.ErrNoSuchBucket)

	_, err = s.store.DeleteBucket(s.ctx, bucket.ID)
	s.ErrorIs(err, apperr.ErrNoSuchBucket)
}

func (s *StoreTestSuite) TestMoveObject() {
	bucket := s.bucket("moves")
	obj := s.object(bucket.ID, "", "a.txt", 5)
	s.object(bucket.ID, "", "taken.txt", 5)
	_, err := s.store.CreateDir(s.ctx, bucket.ID, "", "archive")
	s.Require().NoError(err)

	s.now = s.now.Add(time.Minute)
	moved, err := s.store.MoveObject(s.ctx, obj.ID, "archive", "b.txt")
	s.Require().NoError(err)
	s.Equal(obj.ID, moved.ID)
	s.Equal("archive/b.txt", moved.Path)
	s.True(obj.CreatedAt.Equal(moved.CreatedAt))
	s.True(moved.ModifiedAt.After(obj.ModifiedAt))

	_, err = s.store.MoveObject(s.ctx, obj.ID, "", "taken.txt")
	s.ErrorIs(err, apperr.ErrAlreadyExists)

	_, err = s.store.MoveObject(s.ctx, obj.ID, "nowhere", "b.txt")
	s.ErrorIs(err, apperr.ErrNoSuchDirectory)
}

func (s *StoreTestSuite) TestAppendChunkCompareAndSwap() {
	bucket := s.bucket("chunks")
	obj := s.object(bucket.ID, "", "big.bin", 10)

	s.Require().NoError(s.store.AppendChunk(s.ctx, obj.ID, 0, 4))
	s.ErrorIs(s.store.AppendChunk(s.ctx, obj.ID, 0, 4), apperr.ErrOffsetMismatch)
	s.Require().NoError(s.store.AppendChunk(s.ctx, obj.ID, 4, 6))

	got, err := s.store.GetObject(s.ctx, bucket.ID, "big.bin")
	s.Require().NoError(err)
	s.Equal(int64(10), got.Size)
	s.Equal(models.UploadInProgress, got.State)

	s.Require().NoError(s.store.CompleteObject(s.ctx, obj.ID, "abc"))
	s.ErrorIs(s.store.AppendChunk(s.ctx, obj.ID, 10, 1), apperr.ErrOffsetMismatch)

	got, err = s.store.GetObject(s.ctx, bucket.ID, "big.bin")
	s.Require().NoError(err)
	s.Equal(models.UploadComplete, got.State)
	s.Equal("abc", got.Checksum)
}

func (s *StoreTestSuite) TestAppendChunkConcurrentWritersSameOffset() {
	bucket := s.bucket("race")
	obj := s.object(bucket.ID, "", "race.bin", 100)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.store.AppendChunk(s.ctx, obj.ID, 0, 10); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	s.Equal(1, wins)
	got, err := s.store.GetObject(s.ctx, bucket.ID, "race.bin")
	s.Require().NoError(err)
	s.Equal(int64(10), got.Size)
}

func (s *StoreTestSuite) TestPendingOverwrite() {
	bucket := s.bucket("overwrite")
	obj := s.object(bucket.ID, "", "doc", 3)
	s.Require().NoError(s.store.AppendChunk(s.ctx, obj.ID, 0, 3))
	s.Require().NoError(s.store.CompleteObject(s.ctx, obj.ID, "old"))
	s.Require().NoError(s.store.IncrementDownloads(s.ctx, obj.ID))

	previous, err := s.store.StagePending(s.ctx, obj.ID, models.Pending{StorageKey: "new-key", DeclaredSize: 8})
	s.Require().NoError(err)
	s.Empty(previous)

	staged, err := s.store.GetObject(s.ctx, bucket.ID, "doc")
	s.Require().NoError(err)
	s.Equal(models.UploadComplete, staged.State)
	s.Equal("doc-key", staged.StorageKey)
	s.Require().NotNil(staged.Pending)
	s.Equal("new-key", staged.Pending.StorageKey)

	oldKey, err := s.store.ActivatePending(s.ctx, obj.ID, 2)
	s.Require().NoError(err)
	s.Equal("doc-key", oldKey)

	swapped, err := s.store.GetObject(s.ctx, bucket.ID, "doc")
	s.Require().NoError(err)
	s.Equal(obj.ID, swapped.ID)
	s.Equal("new-key", swapped.StorageKey)
	s.Equal(int64(2), swapped.Size)
	s.Equal(int64(8), swapped.DeclaredSize)
	s.Equal(models.UploadInProgress, swapped.State)
	s.Zero(swapped.DownloadCount)
	s.Empty(swapped.Checksum)
	s.Nil(swapped.Pending)

	_, err = s.store.ActivatePending(s.ctx, obj.ID, 2)
	s.ErrorIs(err, apperr.ErrOffsetMismatch)
}

func (s *StoreTestSuite) TestClearPending() {
	bucket := s.bucket("clear")
	obj := s.object(bucket.ID, "", "doc", 3)
	_, err := s.store.StagePending(s.ctx, obj.ID, models.Pending{StorageKey: "staged", DeclaredSize: 4})
	s.Require().NoError(err)

	key, err := s.store.ClearPending(s.ctx, obj.ID)
	s.Require().NoError(err)
	s.Equal("staged", key)

	got, err := s.store.GetObject(s.ctx, bucket.ID, "doc")
	s.Require().NoError(err)
	s.Nil(got.Pending)
}

func (s *StoreTestSuite) TestShareRoundTrip() {
	bucket := s.bucket("sharing")
	obj := s.object(bucket.ID, "", "doc", 3)
	expiry := s.now.Add(48 * time.Hour)

	s.Require().NoError(s.store.SetShare(s.ctx, obj.ID, models.PermissionPublicRead,
		models.Share{Code: 12345, Expiry: &expiry, PasswordHash: "hash"}))

	got, err := s.store.GetObject(s.ctx, bucket.ID, "doc")
	s.Require().NoError(err)
	s.Equal(models.PermissionPublicRead, got.AccessPermission)
	s.Equal(int64(12345), got.Share.Code)
	s.Require().NotNil(got.Share.Expiry)
	s.True(expiry.Equal(*got.Share.Expiry))
	s.Equal("hash", got.Share.PasswordHash)

	s.Require().NoError(s.store.SetShare(s.ctx, obj.ID, models.PermissionPrivate, models.Share{}))
	got, err = s.store.GetObject(s.ctx, bucket.ID, "doc")
	s.Require().NoError(err)
	s.Zero(got.Share.Code)
	s.Nil(got.Share.Expiry)
}

func (s *StoreTestSuite) TestCountObjectsSkipsUnfinished() {
	bucket := s.bucket("counts")
	done := s.object(bucket.ID, "", "done", 4)
	s.Require().NoError(s.store.AppendChunk(s.ctx, done.ID, 0, 4))
	s.Require().NoError(s.store.CompleteObject(s.ctx, done.ID, "sum"))
	partial := s.object(bucket.ID, "", "partial", 10)
	s.Require().NoError(s.store.AppendChunk(s.ctx, partial.ID, 0, 3))
	_, err := s.store.CreateDir(s.ctx, bucket.ID, "", "dir")
	s.Require().NoError(err)

	count, total, err := s.store.CountObjects(s.ctx, bucket.ID)
	s.Require().NoError(err)
	s.Equal(int64(1), count)
	s.Equal(int64(4), total)
}

func (s *StoreTestSuite) TestUnfinishedObjects() {
	bucket := s.bucket("stale")
	s.object(bucket.ID, "", "old", 10)
	s.now = s.now.Add(2 * time.Hour)
	s.object(bucket.ID, "", "fresh", 10)

	stale, err := s.store.UnfinishedObjects(s.ctx, s.now.Add(-time.Hour))
	s.Require().NoError(err)
	s.Require().Len(stale, 1)
	s.Equal("old", stale[0].Name)
}

func (s *StoreTestSuite) TestTokens() {
	_, err := s.store.GetToken(s.ctx, s.owner.ID)
	s.ErrorIs(err, apperr.ErrNotFound)

	token := &models.AuthToken{Key: "first", UserID: s.owner.ID, CreatedAt: s.now}
	s.Require().NoError(s.store.InsertToken(s.ctx, token))
	s.ErrorIs(s.store.InsertToken(s.ctx, &models.AuthToken{Key: "dup", UserID: s.owner.ID, CreatedAt: s.now}),
		apperr.ErrAlreadyExists)

	userID, err := s.store.UserIDForToken(s.ctx, "first")
	s.Require().NoError(err)
	s.Equal(s.owner.ID, userID)

	s.Require().NoError(s.store.ReplaceToken(s.ctx, &models.AuthToken{Key: "second", UserID: s.owner.ID, CreatedAt: s.now}))
	_, err = s.store.UserIDForToken(s.ctx, "first")
	s.ErrorIs(err, apperr.ErrUnauthorized)

	got, err := s.store.GetToken(s.ctx, s.owner.ID)
	s.Require().NoError(err)
	s.Equal("second", got.Key)
}

func (s *StoreTestSuite) TestAccessKeys() {
	key := &models.AccessKey{AccessKey: "ak", SecretKey: "sk", UserID: s.owner.ID, Active: true, CreatedAt: s.now}
	s.Require().NoError(s.store.InsertAccessKey(s.ctx, key))

	keys, err := s.store.ListAccessKeys(s.ctx, s.owner.ID)
	s.Require().NoError(err)
	s.Require().Len(keys, 1)
	s.True(keys[0].Active)

	s.Require().NoError(s.store.SetAccessKeyActive(s.ctx, "ak", false))
	got, err := s.store.GetAccessKey(s.ctx, "ak")
	s.Require().NoError(err)
	s.False(got.Active)

	s.Require().NoError(s.store.DeleteAccessKey(s.ctx, "ak"))
	s.ErrorIs(s.store.DeleteAccessKey(s.ctx, "ak"), apperr.ErrNotFound)
	s.ErrorIs(s.store.SetAccessKeyActive(s.ctx, "ak", true), apperr.ErrNotFound)
}

func (s *StoreTestSuite) TestUsers() {
	s.ErrorIs(s.store.CreateUser(s.ctx, &models.User{ID: "other", Username: "alice", PasswordHash: "x"}), apperr.ErrAlreadyExists)

	got, err := s.store.GetUserByName(s.ctx, "alice")
	s.Require().NoError(err)
	s.Equal(s.owner.ID, got.ID)

	_, err = s.store.GetUser(s.ctx, "nobody")
	s.ErrorIs(err, apperr.ErrNotFound)
}

func TestStoreTestSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}
