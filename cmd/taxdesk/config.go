package main

import (
	"context"
	"fmt"

	"taxdesk/pkg/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/kelseyhightower/envconfig"
	"github.com/urfave/cli/v2"
)

const (
	backendSurreal  = "surreal"
	backendPostgres = "postgres"
	backendMemory   = "memory"
	backendS3       = "s3"
	backendBucket   = "bucket"
)

func loadConfig(cCtx *cli.Context) (*types.Config, error) {
	c := new(types.Config)
	if err := envconfig.Process(cCtx.String("env-prefix"), c); err != nil {
		return nil, fmt.Errorf("process environment config: %w", err)
	}

	switch c.StoreBackend {
	case backendPostgres:
		if c.DatabaseURL == "" {
			return nil, fmt.Errorf("set DATABASE_URL")
		}
	case backendSurreal:
		if c.SurrealURL == "" {
			return nil, fmt.Errorf("set SURREAL_URL")
		}
	case backendMemory:
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.BlobBackend {
	case backendS3:
		if c.S3BucketName == "" {
			return nil, fmt.Errorf("set S3_BUCKET_NAME")
		}
	case backendBucket:
		if c.BucketBaseURL == "" || c.BucketAPIKey == "" {
			return nil, fmt.Errorf("set BUCKET_BASE_URL and BUCKET_API_KEY")
		}
	case backendMemory:
	default:
		return nil, fmt.Errorf("unknown BLOB_BACKEND %q", c.BlobBackend)
	}

	if c.ServerPort == 0 {
		c.ServerPort = 8080
	}

	if c.ReadTimeoutSec == 0 {
		c.ReadTimeoutSec = 10
	}

	if c.WriteTimeoutSec == 0 {
		c.WriteTimeoutSec = 60
	}

	if c.ReconcileRetries <= 0 {
		c.ReconcileRetries = 5
	}

	return c, nil
}

// requireServeConfig checks the settings only the HTTP server needs.
func requireServeConfig(c *types.Config) error {
	if c.CognitoUserPoolID == "" || c.CognitoClientID == "" || c.CognitoIssuerURL == "" {
		return fmt.Errorf("set COGNITO_USER_POOL_ID, COGNITO_CLIENT_ID and COGNITO_ISSUER_URL")
	}
	if c.CookieHashKey == "" || c.CookieBlockKey == "" {
		return fmt.Errorf("set COOKIE_HASH_KEY and COOKIE_BLOCK_KEY")
	}
	return nil
}

func loadAWSConfig(ctx context.Context) (aws.Config, error) {
	config, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load aws config: %w", err)
	}

	return config, nil
}
