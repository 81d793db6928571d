//go:build gcp

package storage

import (
	"context"
	"fmt"

	"github.com/faxbot/faxbot/pkg/config"
)

func newGCSStore(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg.GCSBucket == "" {
		return nil, fmt.Errorf("GCS_BUCKET is required for gcs storage")
	}
	return NewGCSStore(ctx, GCSStoreConfig{Bucket: cfg.GCSBucket})
}
