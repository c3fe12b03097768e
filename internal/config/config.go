package config

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Auth    AuthConfig
	Storage StorageConfig
	Server  ServerConfig
}

type ServerConfig struct {
	Port                   int `env:"SERVER_PORT, default=8080"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=25"`
}

// AuthConfig identifies the client-credentials grant this process performs
// against the upstream identity endpoint.
type AuthConfig struct {
	ClientID     string `env:"AUTH_CLIENT_ID, required"`
	ClientSecret string `env:"AUTH_CLIENT_SECRET, required"`
	TokenURL     string `env:"AUTH_TOKEN_URL, required"`

	// ExpiryMarginSeconds is subtracted from the upstream-reported token
	// lifetime so a token is never served when it could expire mid-flight.
	ExpiryMarginSeconds int `env:"AUTH_EXPIRY_MARGIN_SECS, default=10"`
}

// StorageConfig selects and parameterizes the token storage backend.
type StorageConfig struct {
	// Type selects the backend: "memory" (default), "valkey", "dynamodb" or
	// "postgres".
	Type string `env:"STORAGE_TYPE, default=memory"`

	// KeyPrefix namespaces every stored key; combined with Environment to
	// form the effective prefix.
	KeyPrefix string `env:"STORAGE_KEY_PREFIX, default=herdlock"`

	// Environment separates key namespaces between deployments and controls
	// whether unencrypted shared storage is permitted.
	Environment string `env:"ENVIRONMENT, default=development"`

	// EncryptionKey is the base64 AES key for at-rest record encryption.
	// Required in production for any shared backend.
	EncryptionKey string `env:"TOKEN_ENCRYPTION_KEY"`

	MemoryMaxEntries int `env:"STORAGE_MEMORY_MAX_ENTRIES, default=10000"`

	LockTTLSeconds          int `env:"LOCK_TTL_SECS, default=30"`
	LockRetryIntervalMillis int `env:"LOCK_RETRY_INTERVAL_MS, default=100"`
	LockMaxAttempts         int `env:"LOCK_MAX_ATTEMPTS, default=30"`

	Valkey   ValkeyConfig
	DynamoDB DynamoConfig
	Postgres PostgresConfig
}

// ValkeyConfig specifies the shared key/value backend connection.
type ValkeyConfig struct {
	// Address is the server address (host:port).
	Address string `env:"VALKEY_ADDRESS"`

	// TLS defaults to true so the secure option is the default.
	TLS bool `env:"VALKEY_TLS, default=true"`

	Username string `env:"VALKEY_USERNAME"`
	Password string `env:"VALKEY_PASSWORD"`
}

// DynamoConfig specifies the wide-column backend.
type DynamoConfig struct {
	Table  string `env:"DYNAMODB_TABLE"`
	Region string `env:"DYNAMODB_REGION"`

	// Endpoint overrides the service endpoint, for local testing.
	Endpoint string `env:"DYNAMODB_ENDPOINT"`
}

// PostgresConfig specifies the relational backend.
type PostgresConfig struct {
	URL string `env:"POSTGRES_URL"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	err = cfg.Storage.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid storage configuration: %w", err)
	}

	return cfg, nil
}

// Shared reports whether the selected backend is visible to other processes.
func (c *StorageConfig) Shared() bool {
	return c.Type != "memory"
}

// EffectivePrefix is the key prefix actually written to storage, scoped by
// environment so deployments sharing a backend never collide.
func (c *StorageConfig) EffectivePrefix() string {
	return c.KeyPrefix + ":" + c.Environment
}

// Validate checks that the storage configuration is complete for the selected
// backend and that the plaintext policy is honored: shared storage of
// unencrypted credentials is disallowed in production.
func (c *StorageConfig) Validate() error {
	switch c.Type {
	case "memory":
	case "valkey":
		if c.Valkey.Address == "" {
			return fmt.Errorf("VALKEY_ADDRESS required when STORAGE_TYPE=valkey")
		}
	case "dynamodb":
		if c.DynamoDB.Table == "" {
			return fmt.Errorf("DYNAMODB_TABLE required when STORAGE_TYPE=dynamodb")
		}
	case "postgres":
		if c.Postgres.URL == "" {
			return fmt.Errorf("POSTGRES_URL required when STORAGE_TYPE=postgres")
		}
	default:
		return fmt.Errorf("invalid storage type %q: must be memory, valkey, dynamodb or postgres", c.Type)
	}

	if c.Shared() && c.EncryptionKey == "" && c.Environment == "production" {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY required for shared storage type %q in production", c.Type)
	}

	return nil
}
