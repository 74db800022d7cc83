// Package s3 reads trained artifacts from an S3 or S3-compatible bucket.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config holds bucket location and credentials.
type Config struct {
	Region string `yaml:"region"`
	Bucket string `yaml:"bucket"`

	// Prefix is prepended to every artifact name, e.g. "models/v3/".
	Prefix string `yaml:"prefix"`

	// Endpoint is an optional custom endpoint (MinIO, LocalStack).
	Endpoint     string `yaml:"endpoint,omitempty"`
	UsePathStyle bool   `yaml:"use_path_style"`

	// Static credentials; the default AWS chain is used when empty.
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	SessionToken    string `yaml:"session_token,omitempty"`

	RetryMaxAttempts int `yaml:"retry_max_attempts"`
}

// Validate checks the required fields.
func (c *Config) Validate() error {
	if c.Region == "" {
		return errors.New("s3: region is required")
	}
	if c.Bucket == "" {
		return errors.New("s3: bucket is required")
	}
	return nil
}

// API is the subset of *s3.Client used here.
type API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Source implements artifacts.Source over a bucket.
type Source struct {
	api    API
	bucket string
	prefix string
	logger *slog.Logger
}

// New builds a Source with an SDK client configured from cfg.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)
		opts = append(opts, config.WithCredentialsProvider(creds))
	}
	if cfg.RetryMaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.RetryMaxAttempts))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewWithAPI(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewWithAPI builds a Source over an existing client.
func NewWithAPI(api API, bucket, prefix string, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{api: api, bucket: bucket, prefix: prefix, logger: logger}
}

// ReadFile downloads one artifact. Missing keys yield an error wrapping
// os.ErrNotExist.
func (s *Source) ReadFile(ctx context.Context, name string) ([]byte, error) {
	key := s.prefix + name

	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &noKey) || errors.As(err, &notFound) {
			return nil, fmt.Errorf("s3: object %s: %w", key, os.ErrNotExist)
		}
		return nil, fmt.Errorf("s3: get object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3: read object %s: %w", key, err)
	}

	s.logger.Debug("downloaded artifact", "key", key, "size", len(data))
	return data, nil
}

func (s *Source) String() string {
	return "s3://" + s.bucket + "/" + s.prefix
}
