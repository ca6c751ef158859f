package artifacts

import (
	"context"
	"fmt"
	"path/filepath"
)

// Archive backend names accepted by New.
const (
	BackendFS  = "fs"
	BackendS3  = "s3"
	BackendGCS = "gcs"
)

// Config selects and parameterizes an archive backend. The s3 backend
// reads credentials from the ambient AWS chain; gcs requires a binary
// built with -tags gcp.
type Config struct {
	Backend  string
	Dir      string // fs
	Bucket   string // s3, gcs
	Region   string // s3
	Endpoint string // s3, for MinIO and LocalStack
	Prefix   string // s3, gcs
}

// New builds the archive store named by cfg.Backend.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendFS:
		dir := cfg.Dir
		if dir == "" {
			dir = filepath.Join("data", "exports")
		}
		return NewFileStore(dir)
	case BackendS3:
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case BackendGCS:
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported archive backend: %s", cfg.Backend)
	}
}
