package storage

import (
	"context"
	"fmt"

	"github.com/tbourn/parcel-forwarding-backend/internal/config"
)

// New builds the backend selected by cfg.Backend.
func New(ctx context.Context, cfg config.StorageConfig) (ObjectStore, error) {
	switch cfg.Backend {
	case "local", "":
		return NewLocalStore(cfg.LocalDir, cfg.SigningSecret, cfg.PublicBaseURL)
	case "minio":
		return NewMinioStore(ctx, MinioOptions{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			UseSSL:    cfg.MinioUseSSL,
			Buckets:   []string{cfg.ChatBucket, cfg.OrdersBucket},
		})
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}
