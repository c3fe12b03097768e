package storage

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/herdlock/herdlock/internal/config"
	"github.com/herdlock/herdlock/internal/encryption"
	"github.com/rs/zerolog/log"
	"github.com/valkey-io/valkey-go"
)

// NewFromConfig constructs the configured storage backend, wrapped with
// operation metrics. It fails fast with ErrConfiguration when a required
// option for the selected backend is missing, or when a shared backend would
// hold plaintext credentials in production.
func NewFromConfig(ctx context.Context, cfg config.StorageConfig) (Backend, error) {
	codec, err := buildCodec(cfg)
	if err != nil {
		return nil, err
	}

	prefix := cfg.EffectivePrefix()

	var backend Backend
	switch cfg.Type {
	case "memory":
		log.Info().Str("storage_type", "memory").Msg("initializing in-process token store")
		backend = NewMemory(cfg.MemoryMaxEntries)

	case "valkey":
		log.Info().
			Str("storage_type", "valkey").
			Str("address", cfg.Valkey.Address).
			Bool("tls", cfg.Valkey.TLS).
			Bool("encrypted", codec.Encrypted()).
			Msg("initializing shared token store")

		if cfg.Valkey.Address == "" {
			return nil, fmt.Errorf("%w: valkey address is required when storage type is valkey", ErrConfiguration)
		}

		opts := valkey.ClientOption{
			InitAddress: []string{cfg.Valkey.Address},
			Username:    cfg.Valkey.Username,
			Password:    cfg.Valkey.Password,
		}
		if cfg.Valkey.TLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}

		client, err := valkey.NewClient(opts)
		if err != nil {
			return nil, fmt.Errorf("%w: creating valkey client: %v", ErrUnavailable, err)
		}
		backend = NewValkey(client, codec, prefix)

	case "dynamodb":
		log.Info().
			Str("storage_type", "dynamodb").
			Str("table", cfg.DynamoDB.Table).
			Bool("encrypted", codec.Encrypted()).
			Msg("initializing shared token store")

		if cfg.DynamoDB.Table == "" {
			return nil, fmt.Errorf("%w: dynamodb table is required when storage type is dynamodb", ErrConfiguration)
		}

		client, err := dynamoClient(ctx, cfg.DynamoDB)
		if err != nil {
			return nil, err
		}
		backend = NewDynamo(client, cfg.DynamoDB.Table, codec, prefix)

	case "postgres":
		log.Info().
			Str("storage_type", "postgres").
			Bool("encrypted", codec.Encrypted()).
			Msg("initializing shared token store")

		if cfg.Postgres.URL == "" {
			return nil, fmt.Errorf("%w: postgres url is required when storage type is postgres", ErrConfiguration)
		}

		pg, err := NewPostgres(ctx, cfg.Postgres.URL, codec, prefix)
		if err != nil {
			return nil, err
		}
		backend = pg

	default:
		return nil, fmt.Errorf("%w: unknown storage type %q", ErrConfiguration, cfg.Type)
	}

	return NewInstrumented(backend, cfg.Type), nil
}

func buildCodec(cfg config.StorageConfig) (*Codec, error) {
	if cfg.EncryptionKey == "" {
		if cfg.Shared() {
			if cfg.Environment == "production" {
				return nil, fmt.Errorf("%w: shared storage type %q requires an encryption key in production", ErrConfiguration, cfg.Type)
			}
			log.Warn().
				Str("storage_type", cfg.Type).
				Str("environment", cfg.Environment).
				Msg("shared token store configured without encryption")
		}
		return NewCodec(nil), nil
	}

	aead, err := encryption.NewAEAD(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if err := encryption.Validate(aead); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	return NewCodec(aead), nil
}

func dynamoClient(ctx context.Context, cfg config.DynamoConfig) (*dynamodb.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Endpoint != "" {
		// Local endpoints (dynamodb-local, localstack) accept any static
		// credentials; real deployments use the default provider chain.
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: loading AWS config: %v", ErrConfiguration, err)
	}

	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}
