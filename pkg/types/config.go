package types

type Config struct {
	Environment     string `envconfig:"ENVIRONMENT" default:"development"`
	ServerPort      uint   `envconfig:"SERVER_PORT" default:"8080"`
	ReadTimeoutSec  uint   `envconfig:"READ_TIMEOUT_SEC" default:"10"`
	WriteTimeoutSec uint   `envconfig:"WRITE_TIMEOUT_SEC" default:"60"`

	// Record store: "surreal", "postgres" or "memory"
	StoreBackend string `envconfig:"STORE_BACKEND" default:"surreal"`

	// Postgres
	DatabaseURL      string `envconfig:"DATABASE_URL"`
	DatabaseSchema   string `envconfig:"DATABASE_SCHEMA" default:"taxdesk"`
	DatabaseMaxConns int32  `envconfig:"DATABASE_MAX_CONNS" default:"10"`

	// SurrealDB
	SurrealURL       string `envconfig:"SURREAL_URL" default:"ws://localhost:8000"`
	SurrealNamespace string `envconfig:"SURREAL_NAMESPACE" default:"taxdesk"`
	SurrealDatabase  string `envconfig:"SURREAL_DATABASE" default:"taxdesk"`
	SurrealUser      string `envconfig:"SURREAL_USER"`
	SurrealPass      string `envconfig:"SURREAL_PASS"`

	// Blob store: "s3", "bucket" or "memory"
	BlobBackend     string `envconfig:"BLOB_BACKEND" default:"s3"`
	S3BucketName    string `envconfig:"S3_BUCKET_NAME"`
	BucketBaseURL   string `envconfig:"BUCKET_BASE_URL"`
	BucketAPIKey    string `envconfig:"BUCKET_API_KEY"`
	BucketName      string `envconfig:"BUCKET_NAME" default:"customer-documents"`
	MaxUploadBytes  int64  `envconfig:"MAX_UPLOAD_BYTES" default:"26214400"` // 25 MiB
	BlobPathPrefix  string `envconfig:"BLOB_PATH_PREFIX" default:"customers"`

	// Cognito Auth
	CognitoUserPoolID string `envconfig:"COGNITO_USER_POOL_ID"`
	CognitoClientID   string `envconfig:"COGNITO_CLIENT_ID"`
	CognitoIssuerURL  string `envconfig:"COGNITO_ISSUER_URL"`

	// Cookie encryption keys (base64 encoded)
	// openssl rand -base64 32
	// to generate values
	CookieHashKey  string `envconfig:"COOKIE_HASH_KEY"`  // 32 or 64 bytes
	CookieBlockKey string `envconfig:"COOKIE_BLOCK_KEY"` // 16, 24, or 32 bytes

	// Mirror reconciliation
	KafkaBrokers     string `envconfig:"KAFKA_BROKERS"`
	ReconcileTopic   string `envconfig:"RECONCILE_TOPIC" default:"taxdesk.mirror.reconcile"`
	ReconcileGroupID string `envconfig:"RECONCILE_GROUP_ID" default:"taxdesk-reconciler"`
	ReconcileRetries int    `envconfig:"RECONCILE_RETRIES" default:"5"`
}
