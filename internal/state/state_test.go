package state

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	ingesterrors "github.com/alexjbarnes/ingest-client/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *State {
	t.Helper()
	s, err := Load(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testUpload(t *testing.T, id string) (*UploadStore, string) {
	t.Helper()
	dir := t.TempDir()
	u, err := OpenUpload(dir, id)
	require.NoError(t, err)
	t.Cleanup(func() { u.Close() })
	return u, dir
}

// --- Load / Close ---

func TestLoad_CreatesDB(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	s, err := Load(dir)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, stateFileName))
	assert.Equal(t, filepath.Join(dir, "uploads"), s.UploadsDir())
	require.NoError(t, s.Close())
}

func TestLoad_ReopensExistingDB(t *testing.T) {
	dir := t.TempDir()

	s1, err := Load(dir)
	require.NoError(t, err)
	require.NoError(t, s1.SaveUpload(UploadRecord{ID: "u1", FilePath: "/data/a.csv"}))
	require.NoError(t, s1.Close())

	s2, err := Load(dir)
	require.NoError(t, err)
	defer s2.Close()

	rec, err := s2.GetUpload("u1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "/data/a.csv", rec.FilePath)
}

// --- Upload registry ---

func TestGetUpload_NotFound(t *testing.T) {
	s := testDB(t)
	rec, err := s.GetUpload("missing")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestDeleteUpload(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SaveUpload(UploadRecord{ID: "u1"}))
	require.NoError(t, s.DeleteUpload("u1"))

	rec, err := s.GetUpload("u1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestDeleteUpload_Nonexistent(t *testing.T) {
	s := testDB(t)
	assert.NoError(t, s.DeleteUpload("never-existed"))
}

func TestAllUploads_OrderedByCreation(t *testing.T) {
	s := testDB(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveUpload(UploadRecord{ID: "b", CreatedAt: base.Add(2 * time.Minute)}))
	require.NoError(t, s.SaveUpload(UploadRecord{ID: "a", CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, s.SaveUpload(UploadRecord{ID: "c", CreatedAt: base.Add(3 * time.Minute)}))

	recs, err := s.AllUploads()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "a", recs[0].ID)
	assert.Equal(t, "b", recs[1].ID)
	assert.Equal(t, "c", recs[2].ID)
}

func TestAllUploads_Empty(t *testing.T) {
	s := testDB(t)
	recs, err := s.AllUploads()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

// --- UploadStore ---

func TestOpenUpload_InvalidID(t *testing.T) {
	for _, id := range []string{"", "../escape", "a/b", "has space"} {
		_, err := OpenUpload(t.TempDir(), id)
		assert.ErrorIs(t, err, ingesterrors.ErrStorageFailure, "id %q", id)
	}
}

func TestOpenUpload_ExclusiveOpen(t *testing.T) {
	_, dir := testUpload(t, "locked")

	_, err := OpenUpload(dir, "locked")
	require.Error(t, err)
	assert.ErrorIs(t, err, ingesterrors.ErrStorageFailure)
}

func TestUploadExists(t *testing.T) {
	_, dir := testUpload(t, "exists")
	assert.True(t, UploadExists(dir, "exists"))
	assert.False(t, UploadExists(dir, "other"))
}

func TestMeta_RoundTrip(t *testing.T) {
	u, _ := testUpload(t, "meta")

	meta, err := u.Meta()
	require.NoError(t, err)
	assert.Nil(t, meta, "fresh store has no plan")

	want := UploadMeta{ID: "meta", FilePath: "/f", FileSize: 100, ChunkSize: 5, NumParts: 20}
	require.NoError(t, u.SetMeta(want))

	got, err := u.Meta()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.FileSize, got.FileSize)
	assert.Equal(t, want.NumParts, got.NumParts)
}

func TestMarkPart_Idempotent(t *testing.T) {
	u, _ := testUpload(t, "idem")

	require.NoError(t, u.MarkPart(3, PartMarker{CompletedAt: time.Now()}))
	require.NoError(t, u.MarkPart(3, PartMarker{CompletedAt: time.Now(), ETag: "x"}))

	n, err := u.CountCompleted(10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	done, err := u.PartComplete(3)
	require.NoError(t, err)
	assert.True(t, done)

	done, err = u.PartComplete(4)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestMarkPart_NegativeIndex(t *testing.T) {
	u, _ := testUpload(t, "neg")
	assert.ErrorIs(t, u.MarkPart(-1, PartMarker{}), ingesterrors.ErrStorageFailure)
}

func TestCountCompleted_IgnoresOutOfRange(t *testing.T) {
	u, _ := testUpload(t, "range")

	for _, i := range []int{0, 1, 2, 300, 70000} {
		require.NoError(t, u.MarkPart(i, PartMarker{}))
	}

	n, err := u.CountCompleted(3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = u.CountCompleted(301)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestCompletedParts_Ordered(t *testing.T) {
	u, _ := testUpload(t, "ordered")

	for _, i := range []int{256, 2, 1} {
		require.NoError(t, u.MarkPart(i, PartMarker{}))
	}

	parts, err := u.CompletedParts()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 256}, parts)
}

func TestUploadStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	u1, err := OpenUpload(dir, "resume")
	require.NoError(t, err)
	require.NoError(t, u1.MarkPart(0, PartMarker{}))
	require.NoError(t, u1.MarkPart(1, PartMarker{}))
	require.NoError(t, u1.Close())

	u2, err := OpenUpload(dir, "resume")
	require.NoError(t, err)
	defer u2.Close()

	n, err := u2.CountCompleted(10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPurge_RemovesFile(t *testing.T) {
	dir := t.TempDir()

	u, err := OpenUpload(dir, "purge")
	require.NoError(t, err)
	require.NoError(t, u.MarkPart(0, PartMarker{}))
	require.NoError(t, u.Purge())

	assert.False(t, UploadExists(dir, "purge"))

	// A fresh open starts from zero.
	u2, err := OpenUpload(dir, "purge")
	require.NoError(t, err)
	defer u2.Close()

	n, err := u2.CountCompleted(10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCountCompleted_ConcurrentWrites(t *testing.T) {
	u, _ := testUpload(t, "concurrent")
	const numParts = 50

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		for i := 0; i < numParts; i++ {
			assert.NoError(t, u.MarkPart(i, PartMarker{}))
		}
	}()

	for i := 0; i < 20; i++ {
		n, err := u.CountCompleted(numParts)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 0)
		assert.LessOrEqual(t, n, numParts)
	}

	wg.Wait()

	n, err := u.CountCompleted(numParts)
	require.NoError(t, err)
	assert.Equal(t, numParts, n)
}
