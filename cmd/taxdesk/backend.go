package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"taxdesk/internal/db"
	"taxdesk/internal/memstore"
	"taxdesk/internal/storage"
	"taxdesk/internal/store"
	"taxdesk/internal/surreal"
	"taxdesk/pkg/types"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

// openStore connects the configured record store. The returned func
// releases it.
func openStore(ctx context.Context, config *types.Config, logger *logrus.Logger) (store.RecordStore, func(), error) {
	switch config.StoreBackend {
	case backendPostgres:
		pool, err := db.Connect(ctx, config, logger)
		if err != nil {
			return nil, nil, err
		}

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}

		return pg, pool.Close, nil

	case backendSurreal:
		sdb, err := surreal.Connect(ctx, config, logger)
		if err != nil {
			return nil, nil, err
		}

		logger.WithField("url", config.SurrealURL).Info("connected to surrealdb")
		return sdb, func() {
			if err := sdb.Close(context.Background()); err != nil {
				logger.WithError(err).Warn("failed to close surrealdb connection")
			}
		}, nil

	case backendMemory:
		logger.Warn("using the in-memory record store, nothing will be persisted")
		return memstore.NewBatch(), func() {}, nil
	}

	return nil, nil, fmt.Errorf("unknown store backend %q", config.StoreBackend)
}

func openBlobs(ctx context.Context, config *types.Config) (store.BlobStore, error) {
	switch config.BlobBackend {
	case backendS3:
		awsConfig, err := loadAWSConfig(ctx)
		if err != nil {
			return nil, err
		}
		return storage.NewS3Storage(s3.NewFromConfig(awsConfig), config.S3BucketName), nil

	case backendBucket:
		client := &http.Client{Timeout: time.Duration(config.WriteTimeoutSec) * time.Second}
		return storage.NewBucketStorage(config.BucketBaseURL, config.BucketAPIKey, config.BucketName, client), nil

	case backendMemory:
		return memstore.NewBlobs(), nil
	}

	return nil, fmt.Errorf("unknown blob backend %q", config.BlobBackend)
}
