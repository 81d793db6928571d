package storage

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/faxbot/faxbot/pkg/config"
)

// NewStoreFromConfig selects a storage backend from configuration.
// STORAGE_BACKEND=local (default) uses the filesystem under DATA_DIR;
// s3 and gcs use the respective object stores.
func NewStoreFromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.StorageBackend {
	case "", "local":
		return NewFileStore(filepath.Join(cfg.DataDir, "faxdata"))
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3_BUCKET is required for s3 storage")
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3EndpointURL,
			KMSKeyID: cfg.S3KMSKeyID,
		})
	case "gcs":
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.StorageBackend)
	}
}
