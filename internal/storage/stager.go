package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/rallymail-backend/internal/errors"
	"github.com/unclebandit/rallymail-backend/internal/model"
)

// DefaultMaxAttachmentBytes is the per-file ceiling.
const DefaultMaxAttachmentBytes int64 = 10 << 20

// Upload is one file offered at submission time. Size is what the client
// declared; the stager re-checks it while reading.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

type Rejection struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Reason   string `json:"reason"`
}

// StagedBatch is the result of staging one submission's files.
type StagedBatch struct {
	Key      string
	Accepted []model.AttachmentRef
	Rejected []Rejection
}

// Stager persists submission attachments so the dispatcher can reopen them
// for every recipient.
type Stager struct {
	store    BlobStore
	prefix   string
	maxBytes int64
	log      zerolog.Logger
}

func NewStager(store BlobStore, prefix string, maxBytes int64, log zerolog.Logger) *Stager {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxAttachmentBytes
	}
	return &Stager{store: store, prefix: prefix, maxBytes: maxBytes, log: log}
}

func (s *Stager) MaxBytes() int64 { return s.maxBytes }

// Stage writes every acceptable upload under a fresh batch key. Oversized
// files are rejected one by one; any storage failure discards the whole batch
// and returns an error.
func (s *Stager) Stage(ctx context.Context, uploads []Upload) (*StagedBatch, error) {
	batch := &StagedBatch{Key: uuid.NewString()}
	used := map[string]int{}

	for _, up := range uploads {
		if up.Size > s.maxBytes {
			batch.Rejected = append(batch.Rejected, s.reject(up.Filename, up.Size))
			continue
		}
		data, err := s.read(up)
		if err != nil {
			s.Discard(ctx, batch.Accepted)
			return nil, fmt.Errorf("read attachment %s: %w", up.Filename, err)
		}
		if int64(len(data)) > s.maxBytes {
			batch.Rejected = append(batch.Rejected, s.reject(up.Filename, int64(len(data))))
			continue
		}

		name := uniqueName(SanitizeFilename(up.Filename), used)
		contentType := up.ContentType
		if contentType == "" || contentType == "application/octet-stream" {
			contentType = mime.TypeByExtension(filepath.Ext(name))
		}
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		ref := model.AttachmentRef{
			Filename:     name,
			OriginalName: up.Filename,
			ContentType:  contentType,
			Size:         int64(len(data)),
			StorageKey:   path.Join(s.prefix, batch.Key, name),
		}
		if err := s.store.Put(ctx, ref.StorageKey, bytes.NewReader(data), ref.Size, contentType); err != nil {
			s.Discard(ctx, batch.Accepted)
			return nil, fmt.Errorf("stage attachment %s: %w", up.Filename, err)
		}
		batch.Accepted = append(batch.Accepted, ref)
	}

	s.log.Debug().Str("batch", batch.Key).Int("accepted", len(batch.Accepted)).Int("rejected", len(batch.Rejected)).Msg("attachments staged")
	return batch, nil
}

func (s *Stager) reject(filename string, size int64) Rejection {
	err := &appErrors.ErrAttachmentTooLarge{Filename: filename, Size: size, Limit: s.maxBytes}
	return Rejection{Filename: filename, Size: size, Reason: err.Error()}
}

func (s *Stager) read(up Upload) ([]byte, error) {
	rc, err := up.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	// one byte past the limit is enough to detect an oversized body
	return io.ReadAll(io.LimitReader(rc, s.maxBytes+1))
}

// Open returns a fresh reader for a staged attachment.
func (s *Stager) Open(ctx context.Context, ref model.AttachmentRef) (io.ReadCloser, error) {
	return s.store.Open(ctx, ref.StorageKey)
}

// Discard removes staged files, best effort.
func (s *Stager) Discard(ctx context.Context, refs []model.AttachmentRef) {
	for _, ref := range refs {
		if err := s.store.Delete(ctx, ref.StorageKey); err != nil {
			s.log.Warn().Err(err).Str("key", ref.StorageKey).Msg("failed to discard staged attachment")
		}
	}
}

// SanitizeFilename keeps the base name and replaces characters that are
// unsafe in storage keys and Content-Disposition headers.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "attachment"
	}
	return out
}

func uniqueName(name string, used map[string]int) string {
	n := used[name]
	used[name] = n + 1
	if n == 0 {
		return name
	}
	ext := filepath.Ext(name)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), n, ext)
}
