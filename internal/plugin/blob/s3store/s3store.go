package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/chirino/chat-ledger/internal/config"
	registryblob "github.com/chirino/chat-ledger/internal/registry/blob"
)

func init() {
	registryblob.Register(registryblob.Plugin{
		Name:   "s3",
		Loader: load,
	})
}

func load(ctx context.Context) (registryblob.BlobStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3store: S3 bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
	)
	if err != nil {
		return nil, fmt.Errorf("s3store: load AWS config: %w", err)
	}
	usePathStyle := cfg.S3UsePathStyle
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
	})
	return New(client, cfg.S3Bucket, cfg.S3Prefix), nil
}

// Store keeps blobs as objects in one bucket. The prefix is applied at
// access time and never persisted.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// New wraps an S3 client.
func New(client *s3.Client, bucket, prefix string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(strings.TrimSpace(prefix), "/"),
	}
}

func (s *Store) key(id string) string {
	if s.prefix != "" {
		return s.prefix + "/" + id
	}
	return id
}

func (s *Store) BasePath() string {
	return "s3://" + s.bucket + "/" + s.prefix
}

func (s *Store) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return false, nil
	}
	return false, fmt.Errorf("s3store: head object: %w", err)
}

func (s *Store) Put(ctx context.Context, id string, data []byte) (bool, error) {
	key := s.key(id)
	found, err := s.exists(ctx, key)
	if err != nil || found {
		return false, err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return false, fmt.Errorf("s3store: put object: %w", err)
	}
	return true, nil
}

func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	key := s.key(id)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, nil
		}
		return nil, fmt.Errorf("s3store: get object: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("s3store: read object: %w", err)
	}
	return data, nil
}
