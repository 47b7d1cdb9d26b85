package storage

import (
	"context"
	"fmt"

	"github.com/unclebandit/rallymail-backend/internal/config"
)

// New builds the blob store selected by cfg.Driver.
func New(ctx context.Context, cfg config.StorageConfig) (BlobStore, error) {
	switch cfg.Driver {
	case "local", "":
		return NewLocalStore(cfg.Dir)
	case "s3":
		return NewS3Store(ctx, S3Config{Bucket: cfg.Bucket, Region: cfg.Region, Endpoint: cfg.Endpoint})
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
