//go:build !gcp

package storage

import (
	"context"
	"fmt"

	"github.com/faxbot/faxbot/pkg/config"
)

func newGCSStore(ctx context.Context, cfg *config.Config) (Store, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
