//go:build !gcp

package artifacts

import (
	"context"
	"fmt"
)

func newGCSStore(ctx context.Context, cfg Config) (Store, error) {
	return nil, fmt.Errorf("gcs archive is not enabled in this build (use -tags gcp)")
}
