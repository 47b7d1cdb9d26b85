package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/rallymail-backend/internal/config"
)

func upload(name string, size int) Upload {
	data := bytes.Repeat([]byte("x"), size)
	return Upload{
		Filename: name,
		Size:     int64(size),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

func newTestStager(t *testing.T, max int64) (*Stager, *LocalStore) {
	t.Helper()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return NewStager(store, "campaigns", max, zerolog.Nop()), store
}

func TestStageRejectsOversizedFileOnly(t *testing.T) {
	s, _ := newTestStager(t, 10<<20)

	batch, err := s.Stage(context.Background(), []Upload{
		upload("route-map.pdf", 12<<20),
		upload("rules.pdf", 2<<20),
	})
	require.NoError(t, err)

	require.Len(t, batch.Accepted, 1)
	assert.Equal(t, "rules.pdf", batch.Accepted[0].Filename)
	assert.Equal(t, "application/pdf", batch.Accepted[0].ContentType)
	assert.Equal(t, int64(2<<20), batch.Accepted[0].Size)

	require.Len(t, batch.Rejected, 1)
	assert.Equal(t, "route-map.pdf", batch.Rejected[0].Filename)
	assert.Contains(t, batch.Rejected[0].Reason, "limit")
}

func TestStageDetectsUnderstatedSize(t *testing.T) {
	s, _ := newTestStager(t, 1024)
	up := upload("big.bin", 4096)
	up.Size = 10

	batch, err := s.Stage(context.Background(), []Upload{up})
	require.NoError(t, err)
	assert.Empty(t, batch.Accepted)
	require.Len(t, batch.Rejected, 1)
	assert.Equal(t, int64(1025), batch.Rejected[0].Size)
}

func TestStageExactlyAtLimitIsAccepted(t *testing.T) {
	s, _ := newTestStager(t, 1024)
	batch, err := s.Stage(context.Background(), []Upload{upload("edge.txt", 1024)})
	require.NoError(t, err)
	assert.Len(t, batch.Accepted, 1)
	assert.Empty(t, batch.Rejected)
}

func TestStagedFileCanBeReopenedRepeatedly(t *testing.T) {
	s, _ := newTestStager(t, 0)
	batch, err := s.Stage(context.Background(), []Upload{upload("a.txt", 64)})
	require.NoError(t, err)
	ref := batch.Accepted[0]
	assert.True(t, strings.HasPrefix(ref.StorageKey, "campaigns/"+batch.Key+"/"))

	for i := 0; i < 3; i++ {
		rc, err := s.Open(context.Background(), ref)
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		assert.Len(t, data, 64)
	}
}

func TestStageDeduplicatesNames(t *testing.T) {
	s, _ := newTestStager(t, 0)
	batch, err := s.Stage(context.Background(), []Upload{
		upload("entry form.pdf", 8),
		upload("entry form.pdf", 8),
	})
	require.NoError(t, err)
	require.Len(t, batch.Accepted, 2)
	assert.Equal(t, "entry_form.pdf", batch.Accepted[0].Filename)
	assert.Equal(t, "entry_form-1.pdf", batch.Accepted[1].Filename)
}

func TestStageReadFailureDiscardsBatch(t *testing.T) {
	s, store := newTestStager(t, 0)
	broken := Upload{
		Filename: "broken.pdf",
		Size:     10,
		Open:     func() (io.ReadCloser, error) { return nil, errors.New("disk gone") },
	}

	_, err := s.Stage(context.Background(), []Upload{upload("ok.txt", 8), broken})
	require.Error(t, err)

	// the first file was written, then removed again
	files := 0
	err = filepath.WalkDir(store.Root, func(_ string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			files++
		}
		return err
	})
	require.NoError(t, err)
	assert.Zero(t, files)
}

func TestDiscardRemovesFiles(t *testing.T) {
	s, store := newTestStager(t, 0)
	batch, err := s.Stage(context.Background(), []Upload{upload("a.txt", 8)})
	require.NoError(t, err)

	s.Discard(context.Background(), batch.Accepted)
	_, err = store.Open(context.Background(), batch.Accepted[0].StorageKey)
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	err = store.Put(context.Background(), "../escape.txt", bytes.NewReader([]byte("x")), 1, "text/plain")
	assert.Error(t, err)
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"../../etc/passwd":      "passwd",
		`C:\docs\Route Map.pdf`: "Route_Map.pdf",
		"...":                   "attachment",
		"résumé.txt":            "r_sum_.txt",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeFilename(in), in)
	}
}

func TestNewLocalFromConfig(t *testing.T) {
	store, err := New(context.Background(), config.StorageConfig{Driver: "local", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &LocalStore{}, store)

	_, err = New(context.Background(), config.StorageConfig{Driver: "ftp"})
	assert.Error(t, err)
}
